package config

import (
	"os"
	"path/filepath"
	"time"
)

// Pool ...
type Pool struct {
	Workers uint `envconfig:"POOL_WORKERS" default:"4" validate:"gt=0"`
}

// Retry configures the default backoff curve for retryable failures.
type Retry struct {
	MaxAttempts     uint          `envconfig:"RETRY_MAX_ATTEMPTS" default:"3" validate:"gt=0"`
	InitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"1s" validate:"gt=0"`
	MaxInterval     time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"1m" validate:"gt=0"`
	Multiplier      float64       `envconfig:"RETRY_MULTIPLIER" default:"2" validate:"gte=1"`
}

// Bus ...
type Bus struct {
	Dispatch  string `envconfig:"BUS_DISPATCH" default:"async" validate:"oneof=sync async"`
	QueueSize uint   `envconfig:"BUS_QUEUE_SIZE" default:"256" validate:"gt=0"`
}

// Metrics ...
type Metrics struct {
	Port      string `envconfig:"METRICS_PORT" default:"9090"`
	Namespace string `envconfig:"METRICS_NAMESPACE" default:"appcore"`
	Subsystem string `envconfig:"METRICS_SUBSYSTEM" default:"runtime"`
	FilePath  string `envconfig:"METRICS_FILE_PATH"`
}

// System ...
type System struct {
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s" validate:"gt=0"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"300s"`
	ReadBufferSize  int           `envconfig:"READ_BUFFER_SIZE" default:"16384"`
}

// Config ...
type Config struct {
	Pool    Pool
	Retry   Retry
	Bus     Bus
	Metrics Metrics
	System  System
}

// ResolveFilePath returns the metrics file path, defaulting to a file
// under the per-user config directory when none is configured.
func (m Metrics) ResolveFilePath() string {
	if m.FilePath != "" {
		return m.FilePath
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		// Последний шанс — текущая директория.
		return "metrics.json"
	}
	return filepath.Join(dir, "appcore", "metrics.json")
}
