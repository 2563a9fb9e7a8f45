// Package iterator implements the Replay-then-Live Iterator: a
// per-subscriber cursor that first drains a stream file from a start time
// forward, synthesizes a replayComplete marker, then switches to live
// delivery off the Live Event Bus until a stop time passes or the caller
// cancels.
//
// replay_done is bound to the *Iterator value returned by Start rather than
// to the calling goroutine, so a single goroutine may drive multiple
// iterators concurrently. Each Iterator is single-caller: Next must not be
// called concurrently with itself on the same Iterator.
package iterator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/955Gmy/ncnotify/internal/bus"
	"github.com/955Gmy/ncnotify/internal/streamstore"
)

// PollInterval is the bounded wait Next uses while polling the Live Bus for
// a message once replay has drained.
const PollInterval = 10 * time.Millisecond

// replayCompleteEvent is the element name of the synthetic marker emitted
// once when replay has drained.
const replayCompleteEvent = "replayComplete"

// ErrEndOfStream is returned by Next when the iteration is over: the bus
// subscription closed, the caller's context was cancelled, or the stop bound
// has passed once replay is done.
var ErrEndOfStream = errors.New("iterator: end of stream")

// Checkpoints is the subset of *checkpoint.Store an Iterator needs to
// resume a subscription across restarts.
type Checkpoints interface {
	Load(ctx context.Context, subscriberID, stream string) (time.Time, bool, error)
	Save(ctx context.Context, subscriberID, stream string, lastDelivered time.Time) error
}

// Directory is the subset of *streamstore.Directory an Iterator needs.
type Directory interface {
	OpenOrLoad(name string) (*streamstore.Stream, error)
}

// Event is one notification delivered by Next: a record replayed from the
// stream file, a live bus message, or the synthesized replayComplete
// marker.
type Event struct {
	Timestamp time.Time
	Payload   []byte

	// EventName is populated only for the synthesized replayComplete
	// marker; ordinary records carry their element name inside Payload's
	// XML and callers that need it parse it from there.
	EventName string
}

// Option configures an Iterator at Start time.
type Option func(*Iterator)

// WithWindow sets the replay/live filter window. A nil bound is "unset";
// start == nil means no history is requested at all.
func WithWindow(start, stop *time.Time) Option {
	return func(it *Iterator) {
		if start != nil {
			it.start, it.hasStart = *start, true
		}
		if stop != nil {
			it.stop, it.hasStop = *stop, true
		}
	}
}

// WithCheckpoints attaches a checkpoint store and the caller-supplied
// subscriber identity used to resume and record progress. If start was not
// also supplied via WithWindow, Start consults the store for a prior
// last-delivered timestamp and resumes strictly after it.
func WithCheckpoints(store Checkpoints, subscriberID string) Option {
	return func(it *Iterator) {
		it.checkpoints = store
		it.subscriberID = subscriberID
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(it *Iterator) { it.logger = l }
}

// Iterator is one open replay-then-live cursor over a single stream.
type Iterator struct {
	streamName string
	stream     *streamstore.Stream
	liveBus    *bus.Bus
	sub        *bus.Subscription
	logger     *slog.Logger

	checkpoints  Checkpoints
	subscriberID string

	offset     int64
	replayDone bool

	start, stop       time.Time
	hasStart, hasStop bool

	// stopPassed is set when replay drains with a stop bound already in
	// the past, so Next skips the bus entirely instead of polling a
	// window that can never admit a live message.
	stopPassed bool
}

// Start resolves streamName via dir, rewinds to the data offset, subscribes
// on liveBus, and initializes replay_done. If a checkpoint store was
// supplied via WithCheckpoints and the caller did not supply an explicit
// start via WithWindow, delivery resumes strictly after the last-delivered
// timestamp recorded for (subscriberID, streamName).
func Start(ctx context.Context, dir Directory, liveBus *bus.Bus, streamName string, opts ...Option) (*Iterator, error) {
	stream, err := dir.OpenOrLoad(streamName)
	if err != nil {
		return nil, err
	}

	it := &Iterator{
		streamName: streamName,
		stream:     stream,
		liveBus:    liveBus,
		logger:     slog.Default(),
		offset:     stream.DataOffset(),
	}
	for _, opt := range opts {
		opt(it)
	}

	if !it.hasStart && it.checkpoints != nil && it.subscriberID != "" {
		last, ok, err := it.checkpoints.Load(ctx, it.subscriberID, streamName)
		if err != nil {
			it.logger.Warn("iterator: checkpoint lookup failed, starting without resume",
				"subscriber", it.subscriberID, "stream", streamName, "error", err)
		} else if ok {
			// Resume strictly after the last delivered record.
			it.start, it.hasStart = last.Add(time.Nanosecond), true
		}
	}

	if !it.hasStart {
		// No history requested: nothing to replay, so go straight to live.
		it.replayDone = true
	}

	it.sub = liveBus.Subscribe(ctx, streamName)
	return it, nil
}

// Next returns the next event in replay-then-live order, or ErrEndOfStream
// once the bus subscription closes, ctx is cancelled, or the stop bound has
// passed after replay.
func (it *Iterator) Next(ctx context.Context) (*Event, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ErrEndOfStream
		default:
		}

		if !it.replayDone && it.stream.ReplayEnabled() {
			evt, matched, err := it.readNext()
			if err == io.EOF {
				it.finishReplay()
				return it.markerEvent(), nil
			}
			if err != nil {
				return nil, err
			}
			if !matched {
				continue
			}
			it.checkpoint(evt.Timestamp)
			return evt, nil
		}

		if !it.replayDone {
			it.finishReplay()
			return it.markerEvent(), nil
		}

		if it.stopPassed || (it.hasStop && time.Now().After(it.stop)) {
			return nil, ErrEndOfStream
		}

		evt, err := it.pollBus(ctx)
		if err != nil {
			return nil, err
		}
		if evt == nil {
			continue
		}
		it.checkpoint(evt.Timestamp)
		return evt, nil
	}
}

// readNext reads one record at the current offset and reports whether it
// falls inside the configured window. io.EOF means the file has no more
// bytes beyond the offset, i.e. replay has drained.
func (it *Iterator) readNext() (*Event, bool, error) {
	payload, ts, next, err := it.stream.ReadNextFrom(it.offset)
	if err != nil {
		return nil, false, err
	}
	it.offset = next

	if ts.Before(it.start) {
		return nil, false, nil
	}
	if it.hasStop && ts.After(it.stop) {
		return nil, false, nil
	}
	return &Event{Timestamp: ts, Payload: payload}, true, nil
}

// pollBus waits up to PollInterval for a live message, applies the window
// filter, and returns (nil, nil) on a filtered-out or timed-out poll so the
// caller's loop tries again: return on match, loop on miss, while still
// surfacing one no-op iteration per interval so a caller driving Next from
// a cancellable context regains control promptly.
func (it *Iterator) pollBus(ctx context.Context) (*Event, error) {
	timer := time.NewTimer(PollInterval)
	defer timer.Stop()

	select {
	case msg, ok := <-it.sub.Messages():
		if !ok {
			return nil, ErrEndOfStream
		}
		if msg.Timestamp.Before(it.start) && it.hasStart {
			return nil, nil
		}
		if it.hasStop && msg.Timestamp.After(it.stop) {
			return nil, nil
		}
		return &Event{Timestamp: msg.Timestamp, Payload: msg.Payload}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ErrEndOfStream
	}
}

// finishReplay flips replay_done and, if the stop bound has already
// elapsed, marks the bus as unreachable for the remainder of this
// Iterator's life.
func (it *Iterator) finishReplay() {
	it.replayDone = true
	if it.hasStop && time.Now().After(it.stop) {
		it.stopPassed = true
	}
}

func (it *Iterator) markerEvent() *Event {
	return &Event{
		Timestamp: time.Now(),
		EventName: replayCompleteEvent,
		Payload:   []byte(fmt.Sprintf("<%s/>", replayCompleteEvent)),
	}
}

// checkpoint best-effort upserts the subscriber's last-delivered timestamp.
// It never blocks Next's return and never surfaces a failure to the caller.
func (it *Iterator) checkpoint(at time.Time) {
	if it.checkpoints == nil || it.subscriberID == "" {
		return
	}
	go func() {
		if err := it.checkpoints.Save(context.Background(), it.subscriberID, it.streamName, at); err != nil {
			it.logger.Warn("iterator: checkpoint save failed",
				"subscriber", it.subscriberID, "stream", it.streamName, "error", err)
		}
	}()
}

// Finish unsubscribes from the Live Bus, releasing the Iterator's
// resources. It is safe to call once; Next must not be called afterward.
func (it *Iterator) Finish() {
	it.liveBus.Unsubscribe(it.sub)
}
