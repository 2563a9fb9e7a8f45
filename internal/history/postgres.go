package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of history rows held in memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending rows even when the batch has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed publish-history mirror.
//
// RecordPublish is batched: callers enqueue individual Entry values, which
// accumulate in memory and flush to the database either when the buffer
// reaches batchSize or when the background ticker fires, whichever comes
// first. It implements notify.HistorySink.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Entry
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("history: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Entry, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// entries, and closes the connection pool. Safe to call more than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// RecordPublish implements notify.HistorySink: it buffers one history row
// for deferred batch insertion, flushing synchronously if the buffer is
// full after appending. errMsg is stored as a nullable column; an empty
// string is recorded as NULL.
func (s *Store) RecordPublish(ctx context.Context, streamName string, timestamp time.Time, eventName string, payload []byte, accepted bool, errMsg string) error {
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}

	s.mu.Lock()
	s.batch = append(s.batch, Entry{
		StreamName: streamName,
		Timestamp:  timestamp,
		EventName:  eventName,
		Payload:    payload,
		Accepted:   accepted,
		Error:      errPtr,
		ReceivedAt: time.Now().UTC(),
	})
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current entry buffer and sends all rows to PostgreSQL in
// a single pgx.Batch round-trip. Safe to call concurrently.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Entry, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO publish_history
			(stream_name, timestamp, event_name, payload, accepted, error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	b := &pgx.Batch{}
	for i := range toInsert {
		e := &toInsert[i]
		b.Queue(query, e.StreamName, e.Timestamp, e.EventName, e.Payload, e.Accepted, e.Error, e.ReceivedAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("history: batch exec: %w", err)
		}
	}
	return nil
}

// QueryHistory returns paginated history entries matching q, ordered by
// timestamp descending.
func (s *Store) QueryHistory(ctx context.Context, q Query) ([]Entry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE timestamp >= $1 AND timestamp < $2"
	argIdx := 5

	if q.StreamName != "" {
		where += fmt.Sprintf(" AND stream_name = $%d", argIdx)
		args = append(args, q.StreamName)
		argIdx++
	}
	if q.EventName != "" {
		where += fmt.Sprintf(" AND event_name = $%d", argIdx)
		args = append(args, q.EventName)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sqlText := fmt.Sprintf(`
		SELECT id, stream_name, timestamp, event_name, payload, accepted, error, received_at
		FROM   publish_history
		%s
		ORDER  BY timestamp DESC
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.StreamName, &e.Timestamp, &e.EventName, &e.Payload, &e.Accepted, &e.Error, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
