//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/history/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package history_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/955Gmy/ncnotify/internal/history"
)

// migrationsDir returns the absolute path to db/migrations relative to this
// test file, so the tests work regardless of the working directory.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "db", "migrations")
}

func setupDB(t *testing.T) (*history.Store, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("ncnotify_test"),
		tcpostgres.WithUsername("ncnotify"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect for migrations: %v", err)
	}
	applyMigrations(t, ctx, rawPool, migrationsDir(t))
	rawPool.Close()

	store, err := history.New(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("history.New: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		_ = pgContainer.Terminate(ctx)
	}
	return store, cleanup
}

func applyMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool, dir string) {
	t.Helper()
	files := []string{"001_publish_history.sql"}
	for _, f := range files {
		path := filepath.Join(dir, f)
		sql, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read migration %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply migration %s: %v", f, err)
		}
	}
}

func TestRecordPublishAndQueryHistory(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	ts := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.RecordPublish(ctx, "A", ts, "netconf-session-start", []byte("<x/>"), true, ""); err != nil {
		t.Fatalf("RecordPublish: %v", err)
	}
	if err := store.RecordPublish(ctx, "A", ts, "netconf-capability-change", []byte("<y/>"), false, ""); err != nil {
		t.Fatalf("RecordPublish: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	entries, err := store.QueryHistory(ctx, history.Query{
		StreamName: "A",
		From:       ts.Add(-time.Minute),
		To:         ts.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("QueryHistory: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	var accepted, rejected *history.Entry
	for i := range entries {
		if entries[i].Accepted {
			accepted = &entries[i]
		} else {
			rejected = &entries[i]
		}
	}
	if accepted == nil || accepted.EventName != "netconf-session-start" {
		t.Errorf("accepted entry missing or wrong EventName: %+v", accepted)
	}
	if accepted != nil && accepted.Error != nil {
		t.Errorf("accepted entry Error = %v, want nil", *accepted.Error)
	}
	if rejected == nil || rejected.Accepted {
		t.Errorf("expected a rejected (accepted=false) entry, got %+v", rejected)
	}
}

func TestRecordPublishAutoFlushesAtBatchSize(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	ts := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 10; i++ {
		if err := store.RecordPublish(ctx, "A", ts, "netconf-session-start", []byte("<x/>"), true, ""); err != nil {
			t.Fatalf("RecordPublish[%d]: %v", i, err)
		}
	}

	entries, err := store.QueryHistory(ctx, history.Query{
		StreamName: "A",
		From:       ts.Add(-time.Minute),
		To:         ts.Add(time.Minute),
		Limit:      100,
	})
	if err != nil {
		t.Fatalf("QueryHistory: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("got %d entries, want 10 (auto-flushed at batch size)", len(entries))
	}
}
