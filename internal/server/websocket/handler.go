// Package websocket implements the live-push transport for notification
// subscriptions: it upgrades an HTTP connection per RFC 6455 and drives one
// Replay-then-Live Iterator per connection, pushing one JSON frame per
// delivered event.
package websocket

import (
	"bufio"
	"context"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/955Gmy/ncnotify/internal/bus"
	"github.com/955Gmy/ncnotify/internal/iterator"
	"github.com/955Gmy/ncnotify/internal/validator"
)

// maxFrameSize is the maximum WebSocket payload length (in bytes) that the
// server will accept from clients.  Frames exceeding this limit cause the
// read loop to drop the connection rather than allocating unbounded memory.
// Browser clients never send frames anywhere near this size; 64 KiB is a
// conservative guard against misbehaving or malicious clients.
const maxFrameSize = 64 * 1024 // 64 KiB

// wsGUID is the fixed GUID defined in RFC 6455 §4.1 for computing the
// Sec-WebSocket-Accept header value.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Directory is the subset of *streamstore.Directory the handler needs.
type Directory interface {
	iterator.Directory
	StreamExists(name string) bool
}

// frame is the JSON envelope pushed to a live subscriber, one per delivered
// Iterator event.
type frame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload,omitempty"`
}

// Handler is an http.Handler that upgrades HTTP connections to WebSocket and
// drives a Replay-then-Live Iterator per connection.
//
// Route: GET /api/v1/streams/{name}/live?start=&stop=&subscription_id=
// start and stop are RFC3339 timestamps; subscription_id, combined with a
// configured checkpoint store, resumes a prior subscription's last-delivered
// position across reconnects.
type Handler struct {
	dir           Directory
	liveBus       *bus.Bus
	checkpoints   iterator.Checkpoints // nil disables resume
	defaultStream string
	logger        *slog.Logger

	// writeTimeout is how long the handler waits for a write to complete
	// before closing the connection.
	writeTimeout time.Duration
}

// NewHandler creates a Handler driving Iterators against dir and liveBus.
// checkpoints may be nil, in which case subscription_id is ignored.
//
// writeTimeout ≤ 0 defaults to 10 seconds.
func NewHandler(dir Directory, liveBus *bus.Bus, checkpoints iterator.Checkpoints, defaultStream string, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dir:           dir,
		liveBus:       liveBus,
		checkpoints:   checkpoints,
		defaultStream: defaultStream,
		logger:        logger,
		writeTimeout:  writeTimeout,
	}
}

// ServeHTTP handles the HTTP → WebSocket upgrade and drives the connection
// lifecycle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// --- 1. Validate the upgrade request and the subscription request ------------
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	req, err := parseSubscriptionRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sub, err := validator.Validate(h.dir, req.Request, h.defaultStream, time.Now)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// --- 2. Hijack the TCP connection so we can take over the framing ------------
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}

	conn, bufrw, err := hj.Hijack()
	if err != nil {
		h.logger.Error("websocket: hijack failed", slog.Any("error", err))
		return
	}

	// A client that did not supply subscription_id cannot resume across
	// reconnects; mint one here so it can on its next connection. The ID has
	// no meaning to the Iterator beyond being the checkpoint store's key.
	if req.subscriptionID == "" {
		req.subscriptionID = uuid.NewString()
	}

	// --- 3. Send the 101 Switching Protocols handshake response ------------------
	accept := computeAcceptKey(key)
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n" +
		"X-Subscription-Id: " + req.subscriptionID + "\r\n\r\n"

	if _, err := bufrw.WriteString(resp); err != nil {
		h.logger.Error("websocket: handshake write failed", slog.Any("error", err))
		conn.Close()
		return
	}
	if err := bufrw.Flush(); err != nil {
		h.logger.Error("websocket: handshake flush failed", slog.Any("error", err))
		conn.Close()
		return
	}

	// --- 4. Start the Iterator for this subscription ------------------------------
	ctx, cancel := context.WithCancel(context.Background())

	var opts []iterator.Option
	opts = append(opts, iterator.WithWindow(sub.StartTime, sub.StopTime))
	if h.checkpoints != nil && req.subscriptionID != "" {
		opts = append(opts, iterator.WithCheckpoints(h.checkpoints, req.subscriptionID))
	}

	it, err := iterator.Start(ctx, h.dir, h.liveBus, sub.StreamName, opts...)
	if err != nil {
		h.logger.Error("websocket: iterator start failed", slog.String("stream", sub.StreamName), slog.Any("error", err))
		cancel()
		conn.Close()
		return
	}
	defer it.Finish()

	h.logger.Info("websocket: client connected",
		slog.String("stream", sub.StreamName),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	// closed is an atomic flag to prevent double-close when the reader or
	// writer goroutine exits first.
	var closed atomic.Bool
	closeOnce := func() {
		if closed.CompareAndSwap(false, true) {
			cancel()
			conn.Close()
		}
	}

	// --- 5. Start reader goroutine (discards client frames, detects close) -------
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("websocket: readLoop panic recovered", slog.Any("recover", r))
			}
		}()
		readLoop(conn, h.logger)
		closeOnce()
	}()

	// --- 6. Write loop: drive Next() and push one frame per event ----------------
	for {
		select {
		case <-done:
			return
		default:
		}

		evt, err := it.Next(ctx)
		if err != nil {
			closeOnce()
			return
		}

		raw, err := json.Marshal(frameFor(evt))
		if err != nil {
			h.logger.Error("websocket: marshal frame failed", slog.Any("error", err))
			continue
		}

		if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
			h.logger.Warn("websocket: set write deadline failed", slog.Any("error", err))
			closeOnce()
			return
		}
		if err := writeTextFrame(conn, raw); err != nil {
			h.logger.Warn("websocket: write frame failed", slog.Any("error", err))
			closeOnce()
			return
		}
	}
}

// subscriptionParams wraps validator.Request with the extra query parameter
// the live endpoint accepts but a create-subscription request does not.
type subscriptionParams = struct {
	validator.Request
	subscriptionID string
}

// parseSubscriptionRequest extracts the stream name path parameter and the
// start/stop/subscription_id query parameters from r.
func parseSubscriptionRequest(r *http.Request) (subscriptionParams, error) {
	q := r.URL.Query()
	req := subscriptionParams{
		Request:        validator.Request{StreamName: chi.URLParam(r, "name")},
		subscriptionID: q.Get("subscription_id"),
	}

	if s := q.Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return req, fmt.Errorf("'start' must be a valid RFC3339 timestamp")
		}
		req.StartTime = &t
	}
	if s := q.Get("stop"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return req, fmt.Errorf("'stop' must be a valid RFC3339 timestamp")
		}
		req.StopTime = &t
	}
	return req, nil
}

// frameFor converts an Iterator event into its wire frame.
func frameFor(evt *iterator.Event) frame {
	if evt.EventName != "" {
		return frame{Type: "replayComplete", Timestamp: evt.Timestamp}
	}
	return frame{Type: "notification", Timestamp: evt.Timestamp, Payload: trimRecordTerminator(evt.Payload)}
}

// trimRecordTerminator strips the single trailing NUL byte every stream
// record and bus message carries so the JSON payload field is clean XML
// text.
func trimRecordTerminator(payload []byte) string {
	if n := len(payload); n > 0 && payload[n-1] == 0 {
		payload = payload[:n-1]
	}
	return string(payload)
}

// --- helpers -------------------------------------------------------------------

// isWebSocketUpgrade returns true when the request carries the WebSocket
// upgrade headers as specified in RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// computeAcceptKey derives the Sec-WebSocket-Accept value from the client's
// Sec-WebSocket-Key as defined in RFC 6455 §4.1.
func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeTextFrame encodes payload as a single, unfragmented WebSocket text
// frame (FIN=1, opcode=0x1) and writes it to conn.
//
// Server-to-client frames must NOT be masked (RFC 6455 §5.1).
func writeTextFrame(conn net.Conn, payload []byte) error {
	n := len(payload)
	var header []byte

	switch {
	case n < 126:
		header = []byte{0x81, byte(n)}
	case n < 65536:
		header = []byte{0x81, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x81
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readLoop reads and discards incoming WebSocket frames from conn until the
// connection is closed or a close frame is received.  It exists to detect
// client disconnection and to prevent the receive buffer from filling up.
func readLoop(conn net.Conn, logger *slog.Logger) {
	buf := bufio.NewReader(conn)
	for {
		// Read the 2-byte frame header.
		b0, err := buf.ReadByte()
		if err != nil {
			break
		}
		b1, err := buf.ReadByte()
		if err != nil {
			break
		}

		opcode := b0 & 0x0F
		masked := (b1 & 0x80) != 0
		length := int64(b1 & 0x7F)

		// Extended payload length.
		switch length {
		case 126:
			var ext [2]byte
			if _, err := buf.Read(ext[:]); err != nil {
				return
			}
			length = int64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := buf.Read(ext[:]); err != nil {
				return
			}
			// Guard against int64 overflow: binary.BigEndian.Uint64 returns a
			// uint64; values > math.MaxInt64 would wrap to a negative int64 and
			// cause make([]byte, length) to panic.  Reject any frame that
			// exceeds maxFrameSize; browser clients never send frames this large.
			rawLen := binary.BigEndian.Uint64(ext[:])
			if rawLen > maxFrameSize {
				return
			}
			length = int64(rawLen)
		}

		// Read and discard the 4-byte masking key if present.
		if masked {
			var maskKey [4]byte
			if _, err := buf.Read(maskKey[:]); err != nil {
				return
			}
		}

		// Discard the payload without allocating a full buffer; io.CopyN reads
		// in small chunks and prevents memory exhaustion from large frames.
		if length > 0 {
			if _, err := io.CopyN(io.Discard, buf, length); err != nil {
				return
			}
		}

		// Close frame (opcode 8): graceful client disconnect.
		if opcode == 0x08 {
			logger.Debug("websocket: received close frame")
			return
		}
	}
}

