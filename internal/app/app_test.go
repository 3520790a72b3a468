package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appcore/internal/config"
	"appcore/internal/errorhandler"
	"appcore/internal/metrics"
	"appcore/internal/models"
	"appcore/internal/taskmanager"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Pool: config.Pool{Workers: 2},
		Retry: config.Retry{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
			Multiplier:      2,
		},
		Bus: config.Bus{Dispatch: "sync", QueueSize: 16},
		Metrics: config.Metrics{
			Namespace: "appcore",
			Subsystem: "test",
			FilePath:  filepath.Join(t.TempDir(), "metrics.json"),
		},
		System: config.System{
			LogLevel:        "error",
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

func TestNew_ValidatesConfig(t *testing.T) {
	t.Parallel()

	t.Run("bad dispatch mode", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Bus.Dispatch = "broadcast"
		_, err := New(cfg, WithCollector(metrics.NewCollector()))
		require.Error(t, err)

		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, models.ErrorKindValidation, appErr.Kind)
	})

	t.Run("zero queue size", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Bus.QueueSize = 0
		_, err := New(cfg, WithCollector(metrics.NewCollector()))
		require.Error(t, err)
	})

	t.Run("zero workers", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Pool.Workers = 0
		_, err := New(cfg, WithCollector(metrics.NewCollector()))
		require.Error(t, err)
	})

	t.Run("invalid retry config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Retry.MaxAttempts = 0
		_, err := New(cfg, WithCollector(metrics.NewCollector()))
		require.Error(t, err)
	})

	t.Run("invalid strategy option", func(t *testing.T) {
		cfg := testConfig(t)
		_, err := New(cfg,
			WithCollector(metrics.NewCollector()),
			WithStrategy(models.ErrorKindExecution, errorhandler.Strategy{
				Action: models.RecoveryRetried, // missing attempt budget
			}),
		)
		require.Error(t, err)
	})
}

func TestApp_EndToEnd(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	collector := metrics.NewCollector()

	application, err := New(cfg, WithCollector(collector))
	require.NoError(t, err)
	application.Start()

	ok, err := application.Submit(func(context.Context) (any, error) {
		return "done", nil
	})
	require.NoError(t, err)
	failing, err := application.Submit(func(context.Context) (any, error) {
		return nil, errors.New("broken payload")
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := ok.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", result)

	_, err = failing.Wait(ctx)
	require.Error(t, err)

	snap := application.State()
	assert.Equal(t, uint64(0), snap.Pending)
	assert.Equal(t, uint64(0), snap.Running)
	assert.Equal(t, uint64(2), snap.Completed)
	assert.NotEmpty(t, snap.LastError)

	records := application.Errors(10)
	require.NotEmpty(t, records)
	assert.Equal(t, models.ErrorKindExecution, records[0].Kind)

	require.NoError(t, application.Shutdown(ctx))

	// The metrics snapshot landed on disk during shutdown.
	data, err := os.ReadFile(cfg.Metrics.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tasks.completed")
	assert.Contains(t, string(data), "tasks.failed")
}

func TestApp_SubmitWithPriorityAndDependencies(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	application, err := New(cfg, WithCollector(metrics.NewCollector()))
	require.NoError(t, err)
	application.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer func() { _ = application.Shutdown(ctx) }()

	parent, err := application.Submit(func(context.Context) (any, error) {
		return 1, nil
	}, taskmanager.WithPriority(5))
	require.NoError(t, err)

	child, err := application.Submit(func(context.Context) (any, error) {
		return 2, nil
	}, taskmanager.WithDependsOn(parent.ID()))
	require.NoError(t, err)

	result, err := child.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result)
}

func TestApp_ShutdownSurfacesSaveFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	// Parent of the metrics path is a regular file, so the save must fail.
	cfg.Metrics.FilePath = filepath.Join(blocker, "metrics.json")

	application, err := New(cfg, WithCollector(metrics.NewCollector()))
	require.NoError(t, err)
	application.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = application.Shutdown(ctx)
	require.Error(t, err)

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrorKindResource, appErr.Kind)
}
