package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/955Gmy/ncnotify/internal/bus"
	"github.com/955Gmy/ncnotify/internal/streamstore"
)

// HistorySink is the optional best-effort mirror a Publisher records every
// attempted publish to, whether or not the target stream's allow-rule store
// admitted the event. Failures are logged, never propagated: the history
// mirror is a convenience index, not part of the durability contract, which
// only requires the stream file append to succeed. errMsg is the append
// failure message, or "" if there was none.
type HistorySink interface {
	RecordPublish(ctx context.Context, streamName string, timestamp time.Time, eventName string, payload []byte, accepted bool, errMsg string) error
}

// Directory is the subset of *streamstore.Directory the Publisher needs.
type Directory interface {
	ListStreams() []string
	OpenOrLoad(name string) (*streamstore.Stream, error)
}

// Publisher implements the Event Publisher: it synthesizes a notification
// payload, fans it out to every stream whose Allow-Rule Store
// admits the event name, appends under lock to every such stream with
// replay enabled, and broadcasts on the Live Event Bus regardless of the
// replay flag.
type Publisher struct {
	dir     Directory
	bus     *bus.Bus
	history HistorySink
	logger  *slog.Logger
}

// Option configures a Publisher at construction time.
type Option func(*Publisher)

// WithHistory attaches a best-effort publish-history mirror.
func WithHistory(h HistorySink) Option {
	return func(p *Publisher) { p.history = h }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// NewPublisher constructs a Publisher over dir and liveBus.
func NewPublisher(dir Directory, liveBus *bus.Bus, opts ...Option) *Publisher {
	p := &Publisher{dir: dir, bus: liveBus, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result reports the outcome of one Publish call: which streams matched the
// event (by allow-list), and which of those failed to durably append.
type Result struct {
	Timestamp      time.Time
	EventName      string
	MatchedStreams []string
	FailedStreams  map[string]error
}

// Publish synthesizes payload's XML, resolves its timestamp (timeOverride if
// non-nil, else wall-clock now), and fans it out across every registered
// stream whose allow-list admits the synthesized event name.
//
// Publish returns success (nil error) iff every targeted stream accepted the
// append. A partial failure across streams is reported as a *Error with
// Kind KindStorage, but the fan-out to every other stream and the live
// broadcast still completed: this is a best-effort pipeline, not an
// all-or-nothing transaction. Bus delivery never fails synchronously (see
// internal/bus), so a bus-error classification never arises from this
// implementation: a full bus outage only manifests as dropped live
// messages, counted on each Subscription's Dropped field.
func (p *Publisher) Publish(ctx context.Context, timeOverride *time.Time, payload Payload) (*Result, error) {
	elementName, innerXML, err := payload.synthesize()
	if err != nil {
		return nil, wrap(KindInvalidArgument, "publish", err)
	}

	ts := time.Now()
	if timeOverride != nil {
		ts = *timeOverride
	}
	record := envelope(ts, innerXML)

	result := &Result{
		Timestamp:     ts,
		EventName:     elementName,
		FailedStreams: make(map[string]error),
	}

	for _, name := range p.dir.ListStreams() {
		stream, err := p.dir.OpenOrLoad(name)
		if err != nil {
			continue
		}
		rules, err := stream.Rules()
		if err != nil {
			p.logger.Warn("publish: rule store unavailable", "stream", name, "error", err)
			continue
		}
		if !rules.IsAllowed(elementName) {
			if p.history != nil {
				if err := p.history.RecordPublish(ctx, name, ts, elementName, record, false, ""); err != nil {
					p.logger.Warn("publish: history mirror failed", "stream", name, "error", err)
				}
			}
			continue
		}

		result.MatchedStreams = append(result.MatchedStreams, name)

		var appendErrMsg string
		if stream.ReplayEnabled() {
			if err := stream.Append(record, ts); err != nil {
				result.FailedStreams[name] = err
				appendErrMsg = err.Error()
				p.logger.Warn("publish: append failed", "stream", name, "error", err)
			}
		}

		p.bus.Publish(name, bus.Message{Timestamp: ts, Payload: record})

		if p.history != nil {
			if err := p.history.RecordPublish(ctx, name, ts, elementName, record, true, appendErrMsg); err != nil {
				p.logger.Warn("publish: history mirror failed", "stream", name, "error", err)
			}
		}
	}

	if len(result.FailedStreams) > 0 {
		return result, wrap(KindStorage, "publish", fmt.Errorf("append failed on %d of %d matched streams", len(result.FailedStreams), len(result.MatchedStreams)))
	}
	return result, nil
}
