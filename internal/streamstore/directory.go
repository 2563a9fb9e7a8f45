package streamstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// streamFileExt is the filename suffix every stream's event log carries on
// disk, distinguishing it from its companion ".rules" file.
const streamFileExt = ".events"

// EnvStreamsDir is the environment variable that overrides the default
// streams directory.
const EnvStreamsDir = "LIBNETCONF_STREAMS"

// DefaultStreamsDir is the compile-time fallback streams directory used when
// EnvStreamsDir is unset.
const DefaultStreamsDir = "/var/lib/libnetconf/streams"

// DefaultStreamName is the name of the stream that Directory guarantees
// exists after Open returns successfully.
const DefaultStreamName = "NETCONF"

// baseEventTypes are pre-allowed on the default stream.
var baseEventTypes = []string{
	"netconf-config-change",
	"netconf-capability-change",
	"netconf-session-start",
	"netconf-session-end",
	"netconf-confirmed-commit",
}

// Directory discovers, creates, and lists stream files under one root
// directory. It owns every Stream it has opened or created and keeps them
// open for the process lifetime; callers look streams up by name rather than
// managing file handles themselves.
//
// Directory is safe for concurrent use. Callers that also touch a Stream
// returned by Directory must respect a fixed lock ordering: acquire the
// Directory lookup before any per-stream or bus lock, and release it before
// performing blocking I/O on the stream or bus.
type Directory struct {
	root string

	mu      sync.Mutex
	streams map[string]*Stream
	order   []string // insertion order, for list_streams()
}

// Open resolves the streams root directory (env override, else
// DefaultStreamsDir), creates it if absent, scans it for existing stream
// files, and ensures the default stream exists. A directory that exists but
// is not a directory is a fatal configuration error; a file in the
// directory that does not parse as a stream is logged and skipped.
func Open(logger *slog.Logger) (*Directory, error) {
	root := os.Getenv(EnvStreamsDir)
	if root == "" {
		root = DefaultStreamsDir
	}
	return OpenAt(root, logger)
}

// OpenAt is Open with an explicit root directory, primarily for tests.
func OpenAt(root string, logger *slog.Logger) (*Directory, error) {
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(root, 0o777); err != nil {
			return nil, wrap(KindConfiguration, "directory.open", fmt.Errorf("create streams directory %q: %w", root, err))
		}
	case err != nil:
		return nil, wrap(KindConfiguration, "directory.open", fmt.Errorf("stat streams directory %q: %w", root, err))
	case !info.IsDir():
		return nil, wrap(KindConfiguration, "directory.open", fmt.Errorf("streams path %q is not a directory", root))
	}

	d := &Directory{
		root:    root,
		streams: make(map[string]*Stream),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, wrap(KindConfiguration, "directory.open", fmt.Errorf("read streams directory %q: %w", root, err))
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != streamFileExt {
			continue
		}
		info, err := ent.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		name := strings.TrimSuffix(ent.Name(), streamFileExt)
		path := filepath.Join(root, ent.Name())
		s, err := Load(path, rulesPathFor(root, name))
		if err != nil {
			logger.Warn("skipping non-conforming stream file", "path", path, "error", err)
			continue
		}
		d.addLocked(s)
	}

	if _, ok := d.streams[DefaultStreamName]; !ok {
		s, err := d.createLocked(DefaultStreamName, "default NETCONF event stream", true)
		if err != nil {
			return nil, wrap(KindStorageIO, "directory.open", fmt.Errorf("create default stream: %w", err))
		}
		rules, err := s.Rules()
		if err != nil {
			return nil, wrap(KindStorageIO, "directory.open", fmt.Errorf("open default stream rules: %w", err))
		}
		for _, evt := range baseEventTypes {
			if err := rules.Allow(evt); err != nil {
				return nil, wrap(KindStorageIO, "directory.open", fmt.Errorf("pre-allow %q on default stream: %w", evt, err))
			}
		}
	}

	return d, nil
}

// addLocked records an already-open stream. Callers must hold d.mu or be
// inside Open/OpenAt before any other goroutine can observe d.
func (d *Directory) addLocked(s *Stream) {
	if _, exists := d.streams[s.Name()]; exists {
		return
	}
	d.streams[s.Name()] = s
	d.order = append(d.order, s.Name())
}

// createLocked creates a new stream file under root and records it.
func (d *Directory) createLocked(name, description string, replay bool) (*Stream, error) {
	path := filepath.Join(d.root, name+streamFileExt)
	s, err := Create(path, rulesPathFor(d.root, name), name, description, replay)
	if err != nil {
		return nil, err
	}
	d.addLocked(s)
	return s, nil
}

// ListStreams returns the names of every known stream, sorted by name.
func (d *Directory) ListStreams() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	sort.Strings(out)
	return out
}

// StreamExists reports whether name names a known stream.
func (d *Directory) StreamExists(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.streams[name]
	return ok
}

// OpenOrLoad returns the handle for an already-known stream, or a
// KindNotFound error if no such stream exists.
func (d *Directory) OpenOrLoad(name string) (*Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[name]
	if !ok {
		return nil, wrap(KindNotFound, "directory.open_or_load", fmt.Errorf("stream %q not found", name))
	}
	return s, nil
}

// Create registers and returns a brand-new stream. It fails with
// KindAlreadyExists if name is already in use.
func (d *Directory) Create(name, description string, replay bool) (*Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.streams[name]; exists {
		return nil, wrap(KindAlreadyExists, "directory.create", fmt.Errorf("stream %q already exists", name))
	}
	return d.createLocked(name, description, replay)
}

// Close closes every stream this Directory has opened.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, name := range d.order {
		if err := d.streams[name].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// rulesPathFor derives a stream's companion allow-rule file path from its
// event-log path: the same name with a ".rules" suffix.
func rulesPathFor(root, name string) string {
	return filepath.Join(root, name+".rules")
}
