// Package logging configures the process slog handler and builds loggers
// scoped to a run, a published partition or an ingest worker.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config selects the handler. Format is "json" or "text"; Level is any
// slog level name ("debug", "info", "warn", "error", "info+2"), with
// "warning" accepted as warn.
type Config struct {
	Format string
	Level  string
	// Output defaults to stdout.
	Output io.Writer
}

// Setup installs the default logger and returns it.
func Setup(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type runIDKey struct{}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// WithRunID attaches a run ID to ctx.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run ID carried by ctx, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// RunLogger tags records with the run ID from ctx, when there is one.
func RunLogger(ctx context.Context) *slog.Logger {
	if id := RunID(ctx); id != "" {
		return slog.With("run_id", id)
	}
	return slog.Default()
}

// PartitionLogger scopes a run logger to one published partition.
func PartitionLogger(ctx context.Context, table, partition, batchID string) *slog.Logger {
	return RunLogger(ctx).With("table", table, "partition", partition, "batch_id", batchID)
}

// WorkerLogger scopes a run logger to one slot of a worker pool.
func WorkerLogger(ctx context.Context, pool string, worker int) *slog.Logger {
	return RunLogger(ctx).With("pool", pool, "worker_id", worker)
}

// Component returns a logger for a long-lived component.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
