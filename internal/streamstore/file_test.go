package streamstore_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/955Gmy/ncnotify/internal/streamstore"
)

func tmpPaths(t *testing.T) (logPath, rulesPath string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "TEST"), filepath.Join(dir, "TEST.rules")
}

func TestCreate_HeaderRoundTrip(t *testing.T) {
	logPath, rulesPath := tmpPaths(t)

	s, err := streamstore.Create(logPath, rulesPath, "TEST", "a test stream", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if s.Name() != "TEST" {
		t.Errorf("Name() = %q, want TEST", s.Name())
	}
	if s.Description() != "a test stream" {
		t.Errorf("Description() = %q", s.Description())
	}
	if !s.ReplayEnabled() {
		t.Errorf("ReplayEnabled() = false, want true")
	}
	if s.Size() != s.DataOffset() {
		t.Errorf("Size() = %d, want %d (empty log)", s.Size(), s.DataOffset())
	}

	loaded, err := streamstore.Load(logPath, rulesPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = loaded.Close() })

	if loaded.Name() != s.Name() || loaded.Description() != s.Description() {
		t.Errorf("loaded fields = (%q,%q), want (%q,%q)", loaded.Name(), loaded.Description(), s.Name(), s.Description())
	}
	if loaded.DataOffset() != s.DataOffset() {
		t.Errorf("loaded DataOffset() = %d, want %d", loaded.DataOffset(), s.DataOffset())
	}
}

func TestLoad_RejectsBadMagic(t *testing.T) {
	logPath, rulesPath := tmpPaths(t)
	s, err := streamstore.Create(logPath, rulesPath, "TEST", "", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = s.Close()

	// Corrupt the first byte of the magic.
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	data[0] = 'X'
	if err := os.WriteFile(logPath, data, 0o644); err != nil {
		t.Fatalf("write back: %v", err)
	}

	_, err = streamstore.Load(logPath, rulesPath)
	if err == nil {
		t.Fatal("Load succeeded on corrupted magic, want error")
	}
	var serr *streamstore.Error
	if !errors.As(err, &serr) || serr.Kind != streamstore.KindCorrupt {
		t.Errorf("error = %v, want KindCorrupt", err)
	}
}

func TestAppendAndReadNextFrom(t *testing.T) {
	logPath, rulesPath := tmpPaths(t)
	s, err := streamstore.Create(logPath, rulesPath, "TEST", "", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ts := time.Unix(1_700_000_000, 0).UTC()
	if err := s.Append([]byte("hello\x00"), ts); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append([]byte("world\x00"), ts.Add(time.Second)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	payload, gotTS, next, err := s.ReadNextFrom(s.DataOffset())
	if err != nil {
		t.Fatalf("ReadNextFrom(first): %v", err)
	}
	if string(payload) != "hello\x00" {
		t.Errorf("payload = %q, want %q", payload, "hello\x00")
	}
	if !gotTS.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", gotTS, ts)
	}

	payload, _, next, err = s.ReadNextFrom(next)
	if err != nil {
		t.Fatalf("ReadNextFrom(second): %v", err)
	}
	if string(payload) != "world\x00" {
		t.Errorf("payload = %q, want %q", payload, "world\x00")
	}

	_, _, _, err = s.ReadNextFrom(next)
	if !errors.Is(err, io.EOF) {
		t.Errorf("ReadNextFrom(end) = %v, want io.EOF", err)
	}
}

func TestAppend_ConcurrentWritersPreserveAllRecords(t *testing.T) {
	logPath, rulesPath := tmpPaths(t)
	s, err := streamstore.Create(logPath, rulesPath, "TEST", "", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Append([]byte("x\x00"), time.Now())
		}()
	}
	wg.Wait()

	count := 0
	off := s.DataOffset()
	for {
		_, _, next, err := s.ReadNextFrom(off)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadNextFrom: %v", err)
		}
		count++
		off = next
	}
	if count != n {
		t.Errorf("recovered %d records, want %d", count, n)
	}
}
