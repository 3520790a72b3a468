package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"appcore/internal/models"
)

// TimerStats holds the aggregated statistics for a named timer.
type TimerStats struct {
	Count      uint64        `json:"count"`
	Total      time.Duration `json:"total_ns"`
	Avg        time.Duration `json:"avg_ns"`
	Min        time.Duration `json:"min_ns"`
	Max        time.Duration `json:"max_ns"`
	LastUpdate time.Time     `json:"last_update"`
}

// Snapshot is an immutable copy of all collected metrics, safe to read
// concurrently with ongoing writers.
type Snapshot struct {
	Counters map[string]int64      `json:"counters"`
	Timers   map[string]TimerStats `json:"timers"`
	TakenAt  time.Time             `json:"taken_at"`
}

// Collector aggregates timers and counters. All operations are safe for
// concurrent use.
type Collector struct {
	counters map[string]int64
	timers   map[string]TimerStats
	active   map[string]time.Time
	mu       sync.Mutex
}

// NewCollector ...
func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]int64),
		timers:   make(map[string]TimerStats),
		active:   make(map[string]time.Time),
	}
}

var (
	defaultOnce      sync.Once
	defaultCollector *Collector
)

// Default returns the process-wide collector. Initialization is lazy and
// race free; every caller observes the same instance. Constructors should
// still take a *Collector explicitly so tests can inject their own.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultCollector = NewCollector()
	})
	return defaultCollector
}

// StartTimer starts (or restarts) the named timer. Restarting discards
// the prior start timestamp: last start wins.
func (c *Collector) StartTimer(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[name] = time.Now()
}

// StopTimer stops the named timer and records its duration. Calling it
// without a matching start fails with a TimerNotFound error.
func (c *Collector) StopTimer(name string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	started, ok := c.active[name]
	if !ok {
		return 0, models.NewAppError(models.ErrorKindTimerNotFound,
			fmt.Sprintf("timer %q was not started", name), nil)
	}
	delete(c.active, name)

	elapsed := time.Since(started)
	c.recordLocked(name, elapsed)
	return elapsed, nil
}

// recordLocked folds a measurement into the timer statistics. Caller
// holds the mutex.
func (c *Collector) recordLocked(name string, elapsed time.Duration) {
	stats := c.timers[name]
	stats.Count++
	stats.Total += elapsed
	stats.Avg = stats.Total / time.Duration(stats.Count)
	if stats.Count == 1 || elapsed < stats.Min {
		stats.Min = elapsed
	}
	if elapsed > stats.Max {
		stats.Max = elapsed
	}
	stats.LastUpdate = time.Now()
	c.timers[name] = stats
}

// IncrementCounter adds delta to the named counter.
func (c *Collector) IncrementCounter(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
}

// Measure runs fn with the named timer running and guarantees the timer
// is stopped on every exit path, including a failing fn.
func (c *Collector) Measure(name string, fn func() error) error {
	c.StartTimer(name)
	defer func() {
		if _, err := c.StopTimer(name); err != nil {
			// Timer restarted concurrently under the same name.
			log.WithError(err).WithField("timer", name).Debug("Measure lost its timer")
		}
	}()
	return fn()
}

// GetSnapshot returns a deep copy of the current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Counters: make(map[string]int64, len(c.counters)),
		Timers:   make(map[string]TimerStats, len(c.timers)),
		TakenAt:  time.Now(),
	}
	for name, v := range c.counters {
		snap.Counters[name] = v
	}
	for name, stats := range c.timers {
		snap.Timers[name] = stats
	}
	return snap
}

// Reset discards all collected metrics and active timers.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]int64)
	c.timers = make(map[string]TimerStats)
	c.active = make(map[string]time.Time)
}

// Save serializes the current snapshot to a JSON file. Write failures
// are surfaced to the caller, never swallowed.
func (c *Collector) Save(path string) error {
	snap := c.GetSnapshot()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return models.NewAppError(models.ErrorKindResource, "failed to serialize metrics", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return models.NewAppError(models.ErrorKindResource, "failed to create metrics directory", err).
				WithContext("path", path)
		}
	}

	if err = os.WriteFile(path, data, 0o644); err != nil {
		return models.NewAppError(models.ErrorKindResource, "failed to write metrics file", err).
			WithContext("path", path)
	}

	log.WithFields(log.Fields{
		"path":     path,
		"counters": len(snap.Counters),
		"timers":   len(snap.Timers),
	}).Info("Metrics saved")
	return nil
}
