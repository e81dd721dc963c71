package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/workflow/engine"
	"github.com/kingrea/stageflow/internal/workflow/gate"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// ErrServerDisabled is returned by Start when the bridge is disabled.
var ErrServerDisabled = errors.New("eventbridge: server disabled")

// Controller is the part of the engine the bridge drives.
type Controller interface {
	CompleteStage(ctx context.Context, instanceID, stage string, attempt int, c agent.Completion) error
	RecordApproval(ctx context.Context, gateID, approverID string, verdict gate.Verdict, comment string) error
	GetStatus(ctx context.Context, id string) (engine.Status, error)
}

// Server exposes completion callbacks, approval decisions, status queries
// and event streams over HTTP.
type Server struct {
	settings   Settings
	controller Controller
	router     *Router
	logger     *slog.Logger
	clock      func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithRouter enables the event stream endpoints.
func WithRouter(r *Router) Option {
	return func(s *Server) {
		s.router = r
	}
}

// WithLogger overrides the default discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a bridge server in front of controller.
func NewServer(settings Settings, controller Controller, opts ...Option) *Server {
	s := &Server{
		settings:   settings,
		controller: controller,
		logger:     slog.New(slog.DiscardHandler),
		clock:      func() time.Time { return time.Now().UTC() },
		status:     StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the bridge routes without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/completions", s.handleCompletion)
	mux.HandleFunc("POST /v1/approvals", s.handleApproval)
	mux.HandleFunc("GET /v1/instances/{id}", s.handleStatus)
	mux.HandleFunc("GET /v1/instances/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("eventbridge: server is nil")
	}
	if !s.settings.Enabled {
		return ErrServerDisabled
	}
	if s.controller == nil {
		return fmt.Errorf("eventbridge: controller is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("eventbridge: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: s.settings.ReadTimeout,
		// Event streams outlive any write deadline, so it is applied per
		// handler instead.
		IdleTimeout: s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("eventbridge: serve error", "err", err)
		}
	}()
	s.logger.Info("eventbridge: listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) now() time.Time {
	return s.clock().UTC()
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.now().Sub(s.startTime).Seconds())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		Version:       ProtocolVersion,
		UptimeSeconds: s.uptimeSeconds(),
	})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	s.withWriteDeadline(w)
	var req CompletionRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.normalize()
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.controller.CompleteStage(r.Context(), req.InstanceID, req.Stage, req.Attempt, req.Completion())
	if err != nil {
		s.fail(w, "completion", err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", ServerTime: s.now()})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	s.withWriteDeadline(w)
	var req ApprovalRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.normalize()
	verdict, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.controller.RecordApproval(r.Context(), req.GateID, req.Approver, verdict, req.Comment); err != nil {
		s.fail(w, "approval", err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "recorded", ServerTime: s.now()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.withWriteDeadline(w)
	status, err := s.controller.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleEvents streams router events as server-sent events until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeError(w, http.StatusNotFound, "event streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	key := r.PathValue("id")
	if key == "" {
		key = AllInstances
	}
	sub := s.router.Subscribe(key)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("eventbridge: encode event", "type", ev.Type, "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "unable to read body")
		return false
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("eventbridge: request failed", "op", op, "err", err)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) withWriteDeadline(w http.ResponseWriter) {
	if s.settings.WriteTimeout <= 0 {
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
}

// statusFor maps engine and gate errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gate.ErrUnauthorizedApprover):
		return http.StatusForbidden
	case errors.Is(err, gate.ErrGateClosed),
		errors.Is(err, gate.ErrDuplicateApprover),
		errors.Is(err, engine.ErrStaleCompletion),
		errors.Is(err, engine.ErrInstanceTerminal):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnknownGate),
		errors.Is(err, engine.ErrUnknownStage),
		errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
