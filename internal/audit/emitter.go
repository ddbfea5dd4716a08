package audit

import (
	"context"
	"log"
	"time"
)

// Config configures audit emission.
type Config struct {
	Enabled  bool
	Endpoint string // optional HTTP endpoint
	Dir      string // event copies and chain heads
	// RetryDelay is the first backoff delay of the HTTP emitter.
	RetryDelay time.Duration
}

// Emitter emits audit events. Emit fills in the event ID and chain hashes.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// NewEmitter creates an appropriate emitter based on configuration.
func NewEmitter(cfg Config) Emitter {
	if !cfg.Enabled {
		log.Println("[audit] disabled, using no-op emitter")
		return &noopEmitter{}
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Printf("[audit] failed to create HTTP emitter: %v, falling back to file-only", err)
			return createFileOnlyEmitter(cfg)
		}
		log.Printf("[audit] using HTTP emitter -> %s", cfg.Endpoint)
		return emitter
	}

	return createFileOnlyEmitter(cfg)
}

func createFileOnlyEmitter(cfg Config) Emitter {
	emitter, err := NewFileOnlyEmitter(cfg.Dir)
	if err != nil {
		log.Printf("[audit] failed to create file emitter: %v, using no-op", err)
		return &noopEmitter{}
	}
	log.Printf("[audit] using file-only emitter -> %s", cfg.Dir)
	return emitter
}

// noopEmitter discards all events.
type noopEmitter struct{}

func (n *noopEmitter) Emit(_ context.Context, _ *Event) error {
	return nil
}

func (n *noopEmitter) Close() error {
	return nil
}
