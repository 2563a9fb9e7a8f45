package streamstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"
)

// magic identifies a libnetconf-compatible stream file.
const magic = "NCSTREAM"

// versionMagic packs the format-version marker: high byte 0xFF, low byte the
// format version (currently 1). Stored and read with binary.LittleEndian so
// the on-disk representation is portable; see DESIGN.md for the endianness
// decision.
const versionMagic uint16 = 0xFF01

// rulesRegionSize is R, the fixed size of the memory-mapped allow-rule
// region backing each stream's ".rules" file.
const rulesRegionSize = 1 << 20 // 1 MiB

// Stream is a single named, append-only notification event log together
// with its lazily-opened allow-rule store.
//
// A Stream must be created with Create or Load; do not construct one
// directly. It is safe for concurrent use: Append serializes writers with an
// in-process mutex before taking the OS-level advisory lock, and ReadNextFrom
// uses pread-style random access so replay never disturbs the append cursor.
type Stream struct {
	// mu serializes appends from this process. It must be held before the
	// OS-level advisory lock is taken, and released only after that lock is
	// released, so that the in-process file offset stays coherent and two
	// goroutines in this process never race for the OS lock.
	mu sync.Mutex

	file *os.File

	name          string
	description   string
	replayEnabled bool
	createdAt     time.Time

	// dataOffset is the byte offset immediately after the header; it never
	// changes after the header is written.
	dataOffset int64

	// endOffset is the current end-of-file offset; Append writes occur at
	// this offset and it advances by the record size on success.
	endOffset int64

	rulesOnce sync.Once
	rules     *RuleStore
	rulesPath string
	rulesErr  error
}

// Name returns the stream's name.
func (s *Stream) Name() string { return s.name }

// Description returns the stream's free-text description.
func (s *Stream) Description() string { return s.description }

// ReplayEnabled reports whether this stream retains history on disk.
func (s *Stream) ReplayEnabled() bool { return s.replayEnabled }

// CreatedAt returns the stream's creation time (second resolution).
func (s *Stream) CreatedAt() time.Time { return s.createdAt }

// DataOffset returns the byte offset immediately following the header.
func (s *Stream) DataOffset() int64 { return s.dataOffset }

// Create truncates-or-creates the stream file at path, writes the header,
// and returns the resulting Stream positioned for appends. rulesPath names
// the companion allow-rule file (opened lazily on first use).
func Create(path, rulesPath, name, description string, replay bool) (*Stream, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, wrap(KindStorageIO, "create", err)
	}

	created := time.Now()
	hdr, err := encodeHeader(name, description, replay, created)
	if err != nil {
		f.Close()
		return nil, wrap(KindInvalidArgument, "create", err)
	}
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, wrap(KindStorageIO, "create", err)
	}

	return &Stream{
		file:          f,
		name:          name,
		description:   description,
		replayEnabled: replay,
		createdAt:     created,
		dataOffset:    int64(len(hdr)),
		endOffset:     int64(len(hdr)),
		rulesPath:     rulesPath,
	}, nil
}

// Load opens the stream file at path for read-write, parses its header, and
// positions the stream so that reads/appends continue after any existing
// records. It returns a *Error with Kind KindCorrupt if the leading magic
// bytes do not match; that failure is non-fatal to directory enumeration.
func Load(path, rulesPath string) (*Stream, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, wrap(KindStorageIO, "load", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrap(KindStorageIO, "load", err)
	}

	hdrBuf := make([]byte, info.Size())
	if info.Size() > 4096 {
		hdrBuf = hdrBuf[:4096]
	}
	n, err := f.ReadAt(hdrBuf, 0)
	if err != nil && err != io.EOF {
		f.Close()
		return nil, wrap(KindStorageIO, "load", err)
	}
	hdrBuf = hdrBuf[:n]

	name, description, replay, created, dataOffset, err := decodeHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, wrap(KindCorrupt, "load", err)
	}

	return &Stream{
		file:          f,
		name:          name,
		description:   description,
		replayEnabled: replay,
		createdAt:     created,
		dataOffset:    dataOffset,
		endOffset:     info.Size(),
		rulesPath:     rulesPath,
	}, nil
}

// Close releases the file handle and, if opened, unmaps and closes the
// allow-rule store.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.rules != nil {
		if cerr := s.rules.Close(); cerr != nil {
			err = cerr
		}
	}
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// encodeHeader serialises the stream header per the on-disk layout: magic,
// version marker, NUL-terminated name, NUL-terminated description, replay
// flag, creation time.
//
// A known bug in the original C implementation wrote the address of the
// header buffer rather than its bytes; this implementation always writes
// the buffer contents.
func encodeHeader(name, description string, replay bool, created time.Time) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("stream name must not be empty")
	}

	nameBytes := append([]byte(name), 0)
	descBytes := append([]byte(description), 0)

	if len(nameBytes) > 1<<16-1 || len(descBytes) > 1<<16-1 {
		return nil, fmt.Errorf("name or description too long")
	}

	buf := new(bytes.Buffer)
	buf.WriteString(magic)
	binary.Write(buf, binary.LittleEndian, versionMagic)
	binary.Write(buf, binary.LittleEndian, uint16(len(nameBytes)))
	buf.Write(nameBytes)
	binary.Write(buf, binary.LittleEndian, uint16(len(descBytes)))
	buf.Write(descBytes)
	var replayByte byte
	if replay {
		replayByte = 1
	}
	buf.WriteByte(replayByte)
	binary.Write(buf, binary.LittleEndian, uint64(created.Unix()))

	return buf.Bytes(), nil
}

// decodeHeader is the inverse of encodeHeader. It returns the data offset
// (the byte immediately following the header) alongside the parsed fields.
func decodeHeader(buf []byte) (name, description string, replay bool, created time.Time, dataOffset int64, err error) {
	if len(buf) < len(magic)+2 {
		return "", "", false, time.Time{}, 0, fmt.Errorf("short header")
	}
	if string(buf[:len(magic)]) != magic {
		return "", "", false, time.Time{}, 0, fmt.Errorf("bad magic")
	}
	off := len(magic)

	gotVersion := binary.LittleEndian.Uint16(buf[off:])
	if gotVersion&0xFF00 != 0xFF00 {
		return "", "", false, time.Time{}, 0, fmt.Errorf("bad version magic %#x", gotVersion)
	}
	off += 2

	nameLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if off+nameLen > len(buf) {
		return "", "", false, time.Time{}, 0, fmt.Errorf("short header: name")
	}
	name = cstring(buf[off : off+nameLen])
	off += nameLen

	if off+2 > len(buf) {
		return "", "", false, time.Time{}, 0, fmt.Errorf("short header: desc_len")
	}
	descLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if off+descLen > len(buf) {
		return "", "", false, time.Time{}, 0, fmt.Errorf("short header: desc")
	}
	description = cstring(buf[off : off+descLen])
	off += descLen

	if off+1+8 > len(buf) {
		return "", "", false, time.Time{}, 0, fmt.Errorf("short header: tail")
	}
	replay = buf[off] != 0
	off++
	createdSecs := binary.LittleEndian.Uint64(buf[off:])
	off += 8

	return name, description, replay, time.Unix(int64(createdSecs), 0).UTC(), int64(off), nil
}

// cstring returns the content of buf up to (excluding) the first NUL byte.
func cstring(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}

// Append acquires the stream's in-process mutex, then the OS-level advisory
// lock, and writes one event record: a little-endian u32 length (including
// the payload's trailing NUL), a little-endian u64 timestamp, and the
// payload bytes, assembled into one buffer and written contiguously,
// retried on a short or interrupted write. Any
// write error truncates the file back to the pre-append end offset before
// returning.
func (s *Stream) Append(payload []byte, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := lockExclusive(s.file); err != nil {
		return wrap(KindStorageIO, "append", err)
	}
	defer unlockFile(s.file)

	start := s.endOffset

	var rec bytes.Buffer
	binary.Write(&rec, binary.LittleEndian, uint32(len(payload)))
	binary.Write(&rec, binary.LittleEndian, uint64(timestamp.Unix()))
	rec.Write(payload)

	if err := writeAllAt(s.file, rec.Bytes(), start); err != nil {
		_ = s.file.Truncate(start)
		return wrap(KindStorageIO, "append", err)
	}

	s.endOffset = start + int64(rec.Len())
	return nil
}

// writeAllAt writes the whole of buf at offset off, retrying on a short
// write or an EINTR-interrupted syscall, as required for an atomic append.
func writeAllAt(f *os.File, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := f.WriteAt(buf, off)
		if n > 0 {
			buf = buf[n:]
			off += int64(n)
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
	}
	return nil
}

// ReadNextFrom reads the event record starting at byte offset off under a
// shared advisory lock and returns its payload, timestamp, and the offset
// of the following record. io.EOF indicates a clean end of file (no
// partial record present); any other error indicates corruption.
func (s *Stream) ReadNextFrom(off int64) (payload []byte, timestamp time.Time, nextOffset int64, err error) {
	if err := lockShared(s.file); err != nil {
		return nil, time.Time{}, off, wrap(KindStorageIO, "read_next_from", err)
	}
	defer unlockFile(s.file)

	var hdr [12]byte
	n, err := s.file.ReadAt(hdr[:], off)
	if n == 0 && err == io.EOF {
		return nil, time.Time{}, off, io.EOF
	}
	if n < len(hdr) {
		return nil, time.Time{}, off, wrap(KindCorrupt, "read_next_from", fmt.Errorf("short record header"))
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	secs := binary.LittleEndian.Uint64(hdr[4:12])

	payload = make([]byte, length)
	n, err = s.file.ReadAt(payload, off+12)
	if uint32(n) < length {
		if err == io.EOF || err == nil {
			return nil, time.Time{}, off, wrap(KindCorrupt, "read_next_from", fmt.Errorf("short record payload"))
		}
		return nil, time.Time{}, off, wrap(KindStorageIO, "read_next_from", err)
	}

	return payload, time.Unix(int64(secs), 0).UTC(), off + 12 + int64(length), nil
}

// Size returns the current end-of-file offset, i.e. the offset at which the
// next Append will write.
func (s *Stream) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endOffset
}
