package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/955Gmy/ncnotify/internal/history"
	"github.com/955Gmy/ncnotify/internal/streamstore"
	"github.com/955Gmy/ncnotify/internal/validator"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	dir           Directory
	history       History // nil disables GET /api/v1/history
	defaultStream string
	logger        *slog.Logger
}

// NewServer creates a new Server backed by dir. hist may be nil if no
// publish-history mirror is configured. defaultStream names the stream a
// subscription request with no explicit stream resolves to.
func NewServer(dir Directory, hist History, defaultStream string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{dir: dir, history: hist, defaultStream: defaultStream, logger: logger}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// streamInfo is the JSON representation of one stream returned by
// handleListStreams.
type streamInfo struct {
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	ReplayEnabled bool      `json:"replay_enabled"`
	CreatedAt     time.Time `json:"created_at"`
}

// handleListStreams responds to GET /api/v1/streams with every stream known
// to the directory, in the order streamstore.Directory.ListStreams returns
// them.
func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	names := s.dir.ListStreams()
	out := make([]streamInfo, 0, len(names))
	for _, name := range names {
		stream, err := s.dir.OpenOrLoad(name)
		if err != nil {
			s.logger.Warn("rest: stream vanished during list", "stream", name, "error", err)
			continue
		}
		out = append(out, streamInfo{
			Name:          stream.Name(),
			Description:   stream.Description(),
			ReplayEnabled: stream.ReplayEnabled(),
			CreatedAt:     stream.CreatedAt(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

// createStreamRequest is the JSON body of POST /api/v1/streams.
type createStreamRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Replay      bool   `json:"replay"`
}

// handleCreateStream responds to POST /api/v1/streams (JWT required).
func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "'name' is required")
		return
	}

	stream, err := s.dir.Create(req.Name, req.Description, req.Replay)
	if err != nil {
		var serr *streamstore.Error
		if errors.As(err, &serr) && serr.Kind == streamstore.KindAlreadyExists {
			writeError(w, http.StatusConflict, "stream already exists")
			return
		}
		s.logger.Error("rest: create stream failed", "stream", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create stream")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(streamInfo{
		Name:          stream.Name(),
		Description:   stream.Description(),
		ReplayEnabled: stream.ReplayEnabled(),
		CreatedAt:     stream.CreatedAt(),
	})
}

// allowRuleRequest is the JSON body of POST /api/v1/streams/{name}/rules.
type allowRuleRequest struct {
	EventName string `json:"event_name"`
}

// handleAllowRule responds to POST /api/v1/streams/{name}/rules (JWT
// required): it adds eventName to the named stream's allow-rule store.
func (s *Server) handleAllowRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req allowRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EventName == "" {
		writeError(w, http.StatusBadRequest, "'event_name' is required")
		return
	}

	stream, err := s.dir.OpenOrLoad(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}

	rules, err := stream.Rules()
	if err != nil {
		s.logger.Error("rest: open rule store failed", "stream", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open rule store")
		return
	}

	if err := rules.Allow(req.EventName); err != nil {
		var serr *streamstore.Error
		if errors.As(err, &serr) && serr.Kind == streamstore.KindExhausted {
			writeError(w, http.StatusInsufficientStorage, "allow-rule store is full")
			return
		}
		s.logger.Error("rest: allow rule failed", "stream", name, "event", req.EventName, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register rule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// validateSubscriptionRequest is the JSON body of
// POST /api/v1/subscriptions/validate.
type validateSubscriptionRequest struct {
	Stream    string     `json:"stream"`
	StartTime *time.Time `json:"start_time"`
	StopTime  *time.Time `json:"stop_time"`
	Filter    string     `json:"filter"`
}

// handleValidateSubscription responds to POST /api/v1/subscriptions/validate
// by running the Subscription Validator against the request body. A
// rejected request is reported as HTTP 400 with the structured
// validator.Error kind and offending element in the JSON body; it is never
// logged, since a malformed subscription request is a client error, not an
// operational one.
func (s *Server) handleValidateSubscription(w http.ResponseWriter, r *http.Request) {
	var req validateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub, err := validator.Validate(s.dir, validator.Request{
		StreamName: req.Stream,
		StartTime:  req.StartTime,
		StopTime:   req.StopTime,
		Filter:     req.Filter,
	}, s.defaultStream, time.Now)

	if err != nil {
		var verr *validator.Error
		if errors.As(err, &verr) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error-tag":  string(verr.Kind),
				"error-path": verr.Element,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "validation failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sub)
}

// handleGetHistory responds to GET /api/v1/history.
//
// Supported query parameters:
//
//	stream – exact stream name filter (optional)
//	from   – RFC3339 start of the event-timestamp window (required)
//	to     – RFC3339 end of the event-timestamp window (required)
//	limit  – maximum number of results (default 100)
//	offset – pagination offset (default 0)
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history mirror is not configured")
		return
	}

	q := r.URL.Query()

	fromStr, toStr := q.Get("from"), q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	hq := history.Query{StreamName: q.Get("stream"), From: from, To: to}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		hq.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		hq.Offset = offset
	}

	entries, err := s.history.QueryHistory(r.Context(), hq)
	if err != nil {
		s.logger.Error("rest: query history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(entries)
}
