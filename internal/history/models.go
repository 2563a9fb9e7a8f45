// Package history provides a PostgreSQL-backed mirror of every publish
// fan-out attempt. It is a best-effort secondary index the Event Publisher
// writes one row to per stream it considered, whether the stream rejected
// the event, accepted it, or failed to append it; it is never consulted by the
// Replay-then-Live Iterator, whose authoritative source remains the stream
// file itself.
package history

import "time"

// Entry maps to the `publish_history` table: one row per (stream, publish)
// pair the Event Publisher attempted, whether or not the stream's
// allow-rule store admitted it.
type Entry struct {
	ID         int64     `json:"id"`
	StreamName string    `json:"stream_name"`
	Timestamp  time.Time `json:"timestamp"`
	EventName  string    `json:"event_name"`
	Payload    []byte    `json:"payload"`
	// Accepted reports whether the stream's allow-rule store admitted
	// EventName. A rejected entry carries no append/bus-delivery outcome:
	// the event never reached the stream.
	Accepted bool `json:"accepted"`
	// Error holds the append failure message when Accepted is true but the
	// durable append to the stream file failed. Nil otherwise.
	Error      *string   `json:"error,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Query carries the filter and pagination parameters for QueryHistory.
//
// From (inclusive) and To (exclusive) bracket the timestamp column. Limit defaults to 100 when
// ≤ 0. An empty StreamName matches every stream; an empty EventName matches
// every event.
type Query struct {
	StreamName string
	EventName  string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}
