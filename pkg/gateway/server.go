// Package gateway is the admission and query surface of researchd. It
// validates requests synchronously, hands admitted sessions to the work
// queue, and serves session state, live event streams, health, and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"researchd/pkg/dispatch"
	"researchd/pkg/eventbus"
	"researchd/pkg/logx"
	"researchd/pkg/metrics"
	"researchd/pkg/store"
)

// Enqueuer is the slice of the dispatcher the gateway uses.
type Enqueuer interface {
	Enqueue(msg dispatch.Msg) error
	Depth() int
}

// HealthRunner is the slice of the health aggregator the gateway uses.
type HealthRunner interface {
	RunNow(ctx context.Context) (*store.HealthCheckResult, error)
	Latest() (*store.HealthCheckResult, error)
}

// MetricsQuerier is the slice of the metrics query service the gateway uses.
// Nil when no Prometheus server is configured.
type MetricsQuerier interface {
	GetSessionMetrics(ctx context.Context, sessionID string) (*metrics.SessionMetrics, error)
}

// Server is the HTTP admission gateway.
type Server struct {
	store         *store.Store
	bus           *eventbus.Bus
	queue         Enqueuer
	health        HealthRunner
	metrics       MetricsQuerier
	adminPassHash string
	httpServer    *http.Server
	logger        *logx.Logger
}

// Config wires a Server's collaborators.
type Config struct {
	ListenAddr    string
	Store         *store.Store
	Bus           *eventbus.Bus
	Queue         Enqueuer
	Health        HealthRunner
	Metrics       MetricsQuerier // optional
	AdminPassHash string         // bcrypt; empty disables admin auth
}

// New creates the gateway server with its routes registered.
func New(cfg Config) *Server {
	s := &Server{
		store:         cfg.Store,
		bus:           cfg.Bus,
		queue:         cfg.Queue,
		health:        cfg.Health,
		metrics:       cfg.Metrics,
		adminPassHash: cfg.AdminPassHash,
		logger:        logx.NewLogger("gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /research", s.handleResearch)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/download", s.handleDownload)
	mux.HandleFunc("GET /sessions/{id}/live", s.handleLive)
	mux.HandleFunc("GET /sessions/{id}/metrics", s.handleSessionMetrics)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /health/latest", s.handleHealthLatest)
	mux.HandleFunc("POST /health/run", s.requireAdmin(s.handleHealthRun))
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleResearch admits one research request: validate, persist, enqueue,
// 202. Validation failures are synchronous and leave no trace.
func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req ResearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := req.payload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode payload")
		return
	}

	id := store.NewSessionID()
	if err := s.store.CreateSession(id, req.Mode, payload); err != nil {
		s.logger.Error("failed to create session: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	if err := s.queue.Enqueue(dispatch.Msg{SessionID: id, Mode: req.Mode, Payload: payload}); err != nil {
		// The session exists but will never be picked up; fail it so the
		// client sees a consistent record rather than a stuck Queued row.
		_ = s.store.FinalizeSession(id, store.SessionQueued, store.SessionFailed, "", "admission queue full")
		s.logger.Warn("rejecting session %s: %v", id, err)
		writeError(w, http.StatusServiceUnavailable, "service is at capacity, try again later")
		return
	}

	s.store.LogAction(id, "session_admitted", req.Mode, map[string]any{"queueDepth": s.queue.Depth()}, false)
	metrics.IncAdmitted(req.Mode)
	metrics.SetQueueDepth(s.queue.Depth())
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	sessions, err := s.store.RecentSessions(limit)
	if err != nil {
		s.logger.Error("failed to list sessions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(id)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load session %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	attempts, err := s.store.StageAttempts(id)
	if err != nil {
		s.logger.Error("failed to load attempts for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if attempts == nil {
		attempts = []*store.StageAttempt{}
	}
	logs, err := s.store.ActionLogs(id, 200)
	if err != nil {
		s.logger.Error("failed to load logs for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if logs == nil {
		logs = []*store.ActionLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":       sess,
		"stageAttempts": attempts,
		"logs":          logs,
	})
}

// sessionTrace is the downloadable record of everything that happened to a
// session: its state, every stage attempt, the audit log, the full event
// history, and the final report when one exists.
type sessionTrace struct {
	Session       *store.Session          `json:"session"`
	StageAttempts []*store.StageAttempt   `json:"stageAttempts"`
	Logs          []*store.ActionLogEntry `json:"logs"`
	Events        []*eventbus.Event       `json:"events"`
	Report        string                  `json:"report,omitempty"`
}

// handleDownload serves the full session trace as a JSON attachment.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(id)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	trace := sessionTrace{Session: sess, Events: s.bus.History(id)}
	if trace.StageAttempts, err = s.store.StageAttempts(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session trace")
		return
	}
	if trace.Logs, err = s.store.ActionLogs(id, 0); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session trace")
		return
	}
	if sess.ArtifactRef != "" {
		report, err := os.ReadFile(sess.ArtifactRef)
		if err != nil {
			s.logger.Warn("artifact missing for %s at %s: %v", id, sess.ArtifactRef, err)
		} else {
			trace.Report = string(report)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote("session-"+id+".json"))
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(trace)
}

// handleSessionMetrics serves the Prometheus-backed token rollup for one
// session when a Prometheus server is configured.
func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotImplemented, "no prometheus server is configured")
		return
	}
	id := r.PathValue("id")
	if _, err := s.store.GetSession(id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	m, err := s.metrics.GetSessionMetrics(r.Context(), id)
	if err != nil {
		s.logger.Error("metrics query for %s failed: %v", id, err)
		writeError(w, http.StatusBadGateway, "failed to query session metrics")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.RequestCancel(id)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to request cancel for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to request cancellation")
		return
	}
	s.store.LogAction(id, "cancel_requested", "", nil, false)
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": id, "status": "cancellation requested"})
}

func (s *Server) handleHealthLatest(w http.ResponseWriter, _ *http.Request) {
	result, err := s.health.Latest()
	if errors.Is(err, store.ErrNoHealthChecks) {
		writeError(w, http.StatusNotFound, "no health checks recorded yet")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load health state")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealthRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.health.RunNow(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLogs exposes the recent in-memory log tail, optionally filtered by
// component.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := logx.Recent(r.URL.Query().Get("component"))
	if entries == nil {
		entries = []logx.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

// requireAdmin guards mutating operator endpoints with basic auth against
// the configured bcrypt hash. An empty hash disables the guard for local
// development.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminPassHash == "" {
			next(w, r)
			return
		}
		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.adminPassHash), []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="researchd admin"`)
			writeError(w, http.StatusUnauthorized, "admin credentials required")
			return
		}
		next(w, r)
	}
}
