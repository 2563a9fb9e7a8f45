package streamstore

import (
	"bytes"
	"os"
	"sync"
)

// RuleStore is the memory-mapped, newline-delimited allow-list backing one
// stream's ".rules" file. It is a fixed-size sparse file of exactly
// rulesRegionSize bytes, zero-padded past the last registered entry.
//
// RuleStore is safe for concurrent use: IsAllowed and Allow take mu
// themselves, so two goroutines registering rules on the same stream
// concurrently cannot race on the used-length frontier. Across processes,
// Allow is not atomic; coordination across processes is expected at a
// higher level.
type RuleStore struct {
	mu   sync.Mutex
	file *os.File
	data []byte // mmap(MAP_SHARED) view of the whole rulesRegionSize region
}

// openRules opens (creating if absent, as a sparse file of exactly
// rulesRegionSize bytes) and maps the allow-rule file at path.
func openRules(path string) (*RuleStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, wrap(KindStorageIO, "rules.open", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrap(KindStorageIO, "rules.open", err)
	}
	if info.Size() != rulesRegionSize {
		if err := f.Truncate(rulesRegionSize); err != nil {
			f.Close()
			return nil, wrap(KindStorageIO, "rules.open", err)
		}
	}

	data, err := mmapShared(f, rulesRegionSize)
	if err != nil {
		f.Close()
		return nil, wrap(KindStorageIO, "rules.open", err)
	}

	return &RuleStore{file: f, data: data}, nil
}

// Close unmaps the region and closes the underlying file.
func (r *RuleStore) Close() error {
	err := munmapShared(r.data)
	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// IsAllowed reports whether eventName exactly matches one of the
// newline-delimited entries currently registered in the store.
func (r *RuleStore) IsAllowed(eventName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isAllowedLocked(eventName)
}

func (r *RuleStore) isAllowedLocked(eventName string) bool {
	for _, line := range splitLines(r.data) {
		if string(line) == eventName {
			return true
		}
	}
	return false
}

// Allow registers eventName if not already present. It is a no-op if the
// name is already allowed. It returns a *Error with Kind KindExhausted,
// leaving the store's bytes unchanged, if the remaining capacity would be
// exceeded.
func (r *RuleStore) Allow(eventName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isAllowedLocked(eventName) {
		return nil
	}

	used := usedLength(r.data)
	entry := append([]byte(eventName), '\n')

	if used+len(entry) > rulesRegionSize-1 {
		return wrap(KindExhausted, "rules.allow", nil)
	}

	copy(r.data[used:used+len(entry)], entry)
	_ = msyncShared(r.data)
	return nil
}

// Rules returns the stream's allow-rule store, opening and mapping it lazily
// on first access.
func (s *Stream) Rules() (*RuleStore, error) {
	s.rulesOnce.Do(func() {
		s.rules, s.rulesErr = openRules(s.rulesPath)
	})
	if s.rulesErr != nil {
		return nil, s.rulesErr
	}
	return s.rules, nil
}

// usedLength returns the offset of the first zero byte in buf, i.e. the
// length of the text region actually written so far. The region starts
// life as an all-zero sparse file, so this frontier is exact as long as
// registered event names never contain a NUL byte.
func usedLength(buf []byte) int {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return i
	}
	return len(buf)
}

// splitLines splits the used portion of buf on '\n', discarding the final
// empty element produced by the trailing newline (if any) and ignoring the
// zero-padding past the frontier.
func splitLines(buf []byte) [][]byte {
	used := buf[:usedLength(buf)]
	if len(used) == 0 {
		return nil
	}
	lines := bytes.Split(used, []byte{'\n'})
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}
