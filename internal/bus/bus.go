// Package bus implements the Live Event Bus: an in-process pub/sub transport
// keyed by stream name that carries (timestamp, payload) tuples from the
// Event Publisher to every subscribed Replay-then-Live Iterator.
//
// Design notes
//
//   - Each subscription has a dedicated buffered channel of Message values.
//     A non-blocking send is used so that a slow or stalled subscriber never
//     applies back-pressure to the publishing goroutine.
//   - Subscriptions for one stream name are tracked in a sync.Map keyed by
//     an opaque subscription handle, so concurrent Publish and
//     Subscribe/Unsubscribe calls never contend on a single mutex.
//   - Addresses follow the D-Bus wire contract: interface
//     "libnetconf.notifications.stream", path "stream/<name>", member
//     "Event". This package only needs the stream name component of that
//     address; the interface/member strings are fixed and implicit.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Message is one (timestamp, payload) tuple delivered to a subscriber.
type Message struct {
	Timestamp time.Time
	Payload   []byte
}

// Subscription is a live handle returned by Subscribe. The caller receives
// messages on Messages() until Unsubscribe is called or the Bus is closed.
type Subscription struct {
	stream  string
	ch      chan Message
	Dropped atomic.Int64
}

// Messages returns the receive-only channel on which matching messages are
// delivered.
func (s *Subscription) Messages() <-chan Message { return s.ch }

// Bus is the process-wide Live Event Bus. It is safe for concurrent use.
type Bus struct {
	// streams maps stream name -> *sync.Map of *Subscription keyed by
	// themselves (used as a concurrent set).
	streams sync.Map // map[string]*sync.Map

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a Bus. bufSize is the per-subscription channel buffer depth;
// 0 selects a default of 64.
func New(logger *slog.Logger, bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{bufSize: bufSize, logger: logger}
}

// Subscribe registers interest in stream and returns a Subscription. The
// Subscription's channel is closed automatically when ctx is cancelled; call
// Unsubscribe to release it sooner.
func (b *Bus) Subscribe(ctx context.Context, stream string) *Subscription {
	sub := &Subscription{
		stream: stream,
		ch:     make(chan Message, b.bufSize),
	}
	if b.closed.Load() {
		close(sub.ch)
		return sub
	}

	subsAny, _ := b.streams.LoadOrStore(stream, &sync.Map{})
	subs := subsAny.(*sync.Map)
	subs.Store(sub, sub)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(sub)
		}()
	}

	return sub
}

// Unsubscribe removes sub from its stream's subscriber set and closes its
// channel. It is safe to call after Close and safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	subsAny, ok := b.streams.Load(sub.stream)
	if !ok {
		return
	}
	subs := subsAny.(*sync.Map)
	if _, loaded := subs.LoadAndDelete(sub); loaded {
		close(sub.ch)
	}
}

// Publish delivers msg to every active subscription on stream using a
// non-blocking send. Subscribers whose buffer is full have the message
// dropped and their Dropped counter incremented; Publish itself never
// blocks and never fails synchronously for a full subscriber: bus delivery
// is best-effort.
func (b *Bus) Publish(stream string, msg Message) {
	if b.closed.Load() {
		return
	}
	subsAny, ok := b.streams.Load(stream)
	if !ok {
		return
	}
	subs := subsAny.(*sync.Map)
	subs.Range(func(key, _ any) bool {
		sub := key.(*Subscription)
		select {
		case sub.ch <- msg:
		default:
			sub.Dropped.Add(1)
			b.logger.Warn("bus: subscriber buffer full, dropping message",
				slog.String("stream", stream))
		}
		return true
	})
}

// Close unsubscribes and closes the channel of every active subscription.
// After Close returns, Publish is a no-op and Subscribe returns an
// already-closed Subscription.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.streams.Range(func(_, v any) bool {
			subs := v.(*sync.Map)
			subs.Range(func(key, _ any) bool {
				subs.Delete(key)
				close(key.(*Subscription).ch)
				return true
			})
			return true
		})
	})
}
