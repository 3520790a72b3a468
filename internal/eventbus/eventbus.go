package eventbus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"appcore/internal/models"
)

// Topic names published by the runtime. TopicHandlerError is reserved:
// subscriber failures are forwarded there instead of reaching the publisher.
const (
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskCancelled = "task.cancelled"
	TopicTaskProgress  = "task.progress"
	TopicStateChanged  = "state.changed"
	TopicErrorOccurred = "error.occurred"
	TopicHandlerError  = "bus.handler_error"
)

// DispatchMode selects how Publish delivers events to subscribers.
type DispatchMode string

// const ...
const (
	DispatchSync  DispatchMode = "sync"
	DispatchAsync DispatchMode = "async"
)

// Event is a single published occurrence on the bus.
type Event struct {
	Timestamp time.Time
	Topic     string
	Payload   any
	ID        uuid.UUID
}

// Handler receives events for topics it subscribed to.
type Handler interface {
	Handle(event Event)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(event Event)

// Handle ...
func (f HandlerFunc) Handle(event Event) {
	f(event)
}

// Subscription is the handle returned by Subscribe and consumed by
// Unsubscribe. The bus does not own the handler beyond invocation.
type Subscription struct {
	topic    string
	handler  Handler
	priority int
	seq      uint64
}

// Bus is a topic based publish/subscribe hub. Subscribers for a topic are
// invoked in ascending priority order, FIFO among equal priorities. In
// async mode a single dispatch goroutine drains an internal queue so a
// slow subscriber never stalls a publisher.
type Bus struct {
	subs    map[string][]*Subscription
	queue   chan Event
	stop    chan struct{}
	mode    DispatchMode
	seq     uint64
	mu      sync.RWMutex
	closeMu sync.RWMutex
	wg      sync.WaitGroup
	closed  bool
}

// New creates a bus in the given dispatch mode. queueSize bounds the
// internal queue in async mode.
func New(mode DispatchMode, queueSize uint) *Bus {
	b := &Bus{
		subs:  make(map[string][]*Subscription),
		queue: make(chan Event, queueSize),
		stop:  make(chan struct{}),
		mode:  mode,
	}

	if mode == DispatchAsync {
		b.wg.Add(1)
		go b.dispatchLoop()
	}

	return b
}

// Subscribe registers a handler for a topic. Lower priority values are
// dispatched first.
func (b *Bus) Subscribe(topic string, handler Handler, priority int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	sub := &Subscription{
		topic:    topic,
		handler:  handler,
		priority: priority,
		seq:      b.seq,
	}

	list := b.subs[topic]
	// Вставка с сохранением порядка: приоритет, затем очередность подписки.
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].priority > priority
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = sub
	b.subs[topic] = list

	log.WithFields(log.Fields{
		"topic":    topic,
		"priority": priority,
		"count":    len(list),
	}).Debug("Subscribed handler")

	return sub
}

// Unsubscribe removes a subscription. An event already in flight for the
// topic may still be delivered at most once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

// HandlerCount returns the number of handlers registered for a topic, or
// the total across all topics when topic is empty.
func (b *Bus) HandlerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if topic != "" {
		return len(b.subs[topic])
	}
	total := 0
	for _, list := range b.subs {
		total += len(list)
	}
	return total
}

// Publish delivers a payload to all subscribers of the topic. In sync
// mode handlers run on the caller's goroutine; in async mode the event is
// queued for the dispatch goroutine. Publishing to a closed bus drops
// the event.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		ID:        uuid.New(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	if b.mode == DispatchSync {
		b.dispatch(event)
		return
	}

	b.closeMu.RLock()
	closed := b.closed
	b.closeMu.RUnlock()
	if closed {
		log.WithField("topic", topic).Debug("Bus closed, event dropped")
		return
	}

	select {
	case b.queue <- event:
	case <-b.stop:
		log.WithField("topic", topic).Debug("Bus stopping, event dropped")
	}
}

// Close stops intake, drains the queue and joins the dispatch goroutine.
// Safe to call more than once.
func (b *Bus) Close() {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	b.closeMu.Unlock()

	close(b.stop)
	b.wg.Wait()
}

// dispatchLoop ...
func (b *Bus) dispatchLoop() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.queue:
			b.dispatch(event)
		case <-b.stop:
			// Добиваем остаток очереди перед выходом.
			for {
				select {
				case event := <-b.queue:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

// dispatch invokes every handler for the event's topic. Handlers are
// snapshotted so no lock is held during invocation.
func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]*Subscription, len(b.subs[event.Topic]))
	copy(handlers, b.subs[event.Topic])
	b.mu.RUnlock()

	for _, sub := range handlers {
		b.invoke(sub, event)
	}
}

// invoke runs a single handler. A failing handler must not prevent the
// remaining handlers from running: panics are recovered and forwarded as
// HandlerError events on the reserved topic.
func (b *Bus) invoke(sub *Subscription, event Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		log.WithFields(log.Fields{
			"topic":    event.Topic,
			"event_id": event.ID,
			"panic":    r,
		}).Error("Event handler failed")

		if event.Topic == TopicHandlerError {
			// Failures on the reserved topic are only logged.
			return
		}

		b.Publish(TopicHandlerError, models.HandlerError{
			Topic:   event.Topic,
			EventID: event.ID.String(),
			Message: fmt.Sprint(r),
		})
	}()

	sub.handler.Handle(event)
}
