package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/955Gmy/ncnotify/internal/notify"
	"github.com/955Gmy/ncnotify/internal/registry"
	"github.com/955Gmy/ncnotify/internal/streamstore"
)

func openTestRegistry(t *testing.T, opts ...registry.Option) *registry.Registry {
	t.Helper()
	t.Setenv(streamstore.EnvStreamsDir, t.TempDir())

	r, err := registry.Open(opts...)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestOpen_CreatesDefaultStreamAndWiresPublisher(t *testing.T) {
	r := openTestRegistry(t)

	names := r.Directory().ListStreams()
	if len(names) != 1 || names[0] != streamstore.DefaultStreamName {
		t.Fatalf("ListStreams() = %v, want [%s]", names, streamstore.DefaultStreamName)
	}

	sub := r.Bus().Subscribe(context.Background(), streamstore.DefaultStreamName)
	t.Cleanup(func() { r.Bus().Unsubscribe(sub) })

	_, err := r.Publisher().Publish(context.Background(), nil, notify.SessionStart{
		Username: "alice", SessionID: "1", SourceHost: "h",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-sub.Messages():
	case <-time.After(time.Second):
		t.Fatal("publisher did not broadcast on the registry's bus")
	}
}

func TestClose_UnblocksBusSubscribers(t *testing.T) {
	t.Setenv(streamstore.EnvStreamsDir, t.TempDir())
	r, err := registry.Open()
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}

	sub := r.Bus().Subscribe(context.Background(), streamstore.DefaultStreamName)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected closed channel after Registry.Close")
		}
	default:
		t.Error("expected channel to be immediately readable (closed)")
	}
}
