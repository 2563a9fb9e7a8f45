package rest

import (
	"context"

	"github.com/955Gmy/ncnotify/internal/history"
	"github.com/955Gmy/ncnotify/internal/streamstore"
)

// Directory is the subset of *streamstore.Directory the REST handlers need.
// Defining an interface allows handlers to be tested with a fake directory
// without an on-disk streams tree.
type Directory interface {
	ListStreams() []string
	StreamExists(name string) bool
	Create(name, description string, replay bool) (*streamstore.Stream, error)
	OpenOrLoad(name string) (*streamstore.Stream, error)
}

// History is the subset of *history.Store the /api/v1/history handler needs.
// A Server constructed with a nil History reports the endpoint as disabled.
type History interface {
	QueryHistory(ctx context.Context, q history.Query) ([]history.Entry, error)
}
