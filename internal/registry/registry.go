// Package registry assembles the Stream Directory, Live Event Bus, Event
// Publisher, and the optional checkpoint/history stores into one
// process-wide context object threaded as an explicit parameter rather than
// held in package-level globals. It is the single construction point every
// entrypoint (the daemon, the publish CLI, the REST/WebSocket servers)
// opens once at startup and closes once at shutdown.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/955Gmy/ncnotify/internal/bus"
	"github.com/955Gmy/ncnotify/internal/checkpoint"
	"github.com/955Gmy/ncnotify/internal/history"
	"github.com/955Gmy/ncnotify/internal/notify"
	"github.com/955Gmy/ncnotify/internal/streamstore"
)

// Registry owns the Stream Directory, Live Event Bus, and Event Publisher,
// plus whichever optional stores were supplied at construction. Close
// releases every owned resource in reverse dependency order.
type Registry struct {
	dir         *streamstore.Directory
	liveBus     *bus.Bus
	publisher   *notify.Publisher
	checkpoints *checkpoint.Store
	history     *history.Store
	logger      *slog.Logger

	busBufferSize int
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithBusBufferSize overrides the Live Event Bus's per-subscription channel
// buffer depth.
func WithBusBufferSize(n int) Option {
	return func(r *Registry) { r.busBufferSize = n }
}

// WithCheckpoints attaches a subscriber checkpoint store, enabling the
// Replay-then-Live Iterator to resume subscriptions across restarts.
func WithCheckpoints(c *checkpoint.Store) Option {
	return func(r *Registry) { r.checkpoints = c }
}

// WithHistory attaches a best-effort publish-history mirror.
func WithHistory(h *history.Store) Option {
	return func(r *Registry) { r.history = h }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Open resolves the streams directory (env override, else the compile-time
// default), scans and initializes it, and wires the Live Event Bus and Event
// Publisher over it. All options are applied before anything is constructed,
// so option order never matters.
func Open(opts ...Option) (*Registry, error) {
	r := &Registry{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.liveBus = bus.New(r.logger, r.busBufferSize)

	dir, err := streamstore.Open(r.logger)
	if err != nil {
		return nil, fmt.Errorf("registry: open stream directory: %w", err)
	}
	r.dir = dir

	var pubOpts []notify.Option
	pubOpts = append(pubOpts, notify.WithLogger(r.logger))
	if r.history != nil {
		pubOpts = append(pubOpts, notify.WithHistory(r.history))
	}
	r.publisher = notify.NewPublisher(r.dir, r.liveBus, pubOpts...)

	return r, nil
}

// Directory returns the Stream Directory Manager.
func (r *Registry) Directory() *streamstore.Directory { return r.dir }

// Bus returns the Live Event Bus.
func (r *Registry) Bus() *bus.Bus { return r.liveBus }

// Publisher returns the Event Publisher.
func (r *Registry) Publisher() *notify.Publisher { return r.publisher }

// Checkpoints returns the subscriber checkpoint store, or nil if none was
// configured.
func (r *Registry) Checkpoints() *checkpoint.Store { return r.checkpoints }

// History returns the publish-history mirror, or nil if none was configured.
func (r *Registry) History() *history.Store { return r.history }

// Close releases every resource the Registry owns: the bus (unblocking any
// iterator waiting on it), then every open stream file, then the optional
// checkpoint and history stores, and returns the first error encountered.
// Call it once: a second call does not repeat the bus shutdown, but closes
// the already-closed stream files again and reports the resulting error.
func (r *Registry) Close() error {
	r.liveBus.Close()

	var firstErr error
	if err := r.dir.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if r.checkpoints != nil {
		if err := r.checkpoints.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.history != nil {
		r.history.Close(context.Background())
	}
	return firstErr
}
