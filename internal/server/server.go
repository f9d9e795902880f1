// Package server exposes the voice session over HTTP, WebSocket and gRPC health
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"google.golang.org/grpc/health"

	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/orchestrator"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/settings"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/trace"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/usage"
)

// Session is the part of the orchestrator the server drives.
type Session interface {
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	AskQuestion(ctx context.Context, text string) error
	Cancel()
	HandleDeepLink(ctx context.Context, raw string) error
	Snapshot() orchestrator.Snapshot
	Subscribe() (<-chan orchestrator.Event, func())
}

// SettingsStore reads and updates voice settings.
type SettingsStore interface {
	Get() settings.Values
	Apply(p settings.Patch) (settings.Values, error)
}

// UsageStatus reports and changes the daily allowance.
type UsageStatus interface {
	CanUse() usage.Result
	SetPremium(premium bool) error
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

// CommandMessage is sent by WebSocket clients.
type CommandMessage struct {
	Type     string `json:"type"` // start, stop, ask, cancel
	Question string `json:"question,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// SnapshotMessage is sent on connect.
type SnapshotMessage struct {
	Type    string                `json:"type"`
	Session orchestrator.Snapshot `json:"session"`
}

// ErrorMessage reports a rejected command.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type askRequest struct {
	Question string `json:"question"`
}

type premiumRequest struct {
	IsPremium bool `json:"isPremium"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
	now        func() time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{now: time.Now}
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP, WebSocket and health traffic.
type Server struct {
	session  Session
	settings SettingsStore
	usage    UsageStatus
	health   *health.Server
	draining atomic.Bool

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

// New creates a server. usageStatus may be nil when limits are disabled.
func New(session Session, st SettingsStore, usageStatus UsageStatus) *Server {
	s := &Server{
		session:  session,
		settings: st,
		usage:    usageStatus,
		health:   health.NewServer(),
		conns:    make(map[*websocket.Conn]struct{}),
	}
	s.health.SetServingStatus(HealthService, servingStatus(true))
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/listen/start", s.handleListenStart)
	mux.HandleFunc("POST /api/listen/stop", s.handleListenStop)
	mux.HandleFunc("POST /api/ask", s.handleAsk)
	mux.HandleFunc("POST /api/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("GET /api/settings", s.handleSettingsGet)
	mux.HandleFunc("PUT /api/settings", s.handleSettingsPut)
	mux.HandleFunc("GET /api/usage", s.handleUsageGet)
	mux.HandleFunc("PUT /api/usage", s.handleUsagePut)
	mux.HandleFunc("GET /deeplink", s.handleDeepLink)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

// Shutdown marks the server as draining, flips health to NOT_SERVING and
// closes open WebSocket connections.
func (s *Server) Shutdown() {
	if s.draining.Swap(true) {
		return
	}
	s.health.Shutdown()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListenStart(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.session.StartListening(r.Context()))
}

// handleListenStop returns after the answer has been spoken.
func (s *Server) handleListenStop(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.session.StopListening(r.Context()))
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	s.respond(w, r, s.session.AskQuestion(r.Context(), req.Question))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.session.Cancel()
	s.respond(w, r, nil)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, nil)
}

func (s *Server) handleDeepLink(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.session.HandleDeepLink(r.Context(), r.URL.Query().Get("url")))
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.settings.Apply(patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleUsageGet(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeJSON(w, http.StatusOK, usage.Result{Allowed: true, Remaining: usage.Unlimited, Limit: usage.Unlimited})
		return
	}
	writeJSON(w, http.StatusOK, s.usage.CanUse())
}

func (s *Server) handleUsagePut(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidRequest, "usage limits are disabled"))
		return
	}
	var req premiumRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.usage.SetPremium(req.IsPremium); err != nil {
		writeError(w, r, apperrors.Wrap(err, apperrors.CodeInternal, "save usage state"))
		return
	}
	writeJSON(w, http.StatusOK, s.usage.CanUse())
}

// respond writes the session snapshot, or err when it is set.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	if s.draining.Load() {
		s.mu.Unlock()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	events, unsubscribe := s.session.Subscribe()
	defer unsubscribe()

	if err := write(ctx, conn, SnapshotMessage{Type: "snapshot", Session: s.session.Snapshot()}); err != nil {
		return
	}
	go s.forwardEvents(ctx, conn, events)

	rl := newRateLimiter()
	for {
		var cmd CommandMessage
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = write(ctx, conn, ErrorMessage{Type: "error", Code: string(apperrors.CodeRateLimited), Message: "rate limit exceeded"})
			continue
		}

		cctx := ctx
		if cmd.TraceID != "" {
			cctx = trace.WithContext(ctx, trace.NewChild(trace.Context{TraceID: cmd.TraceID}))
		} else {
			cctx, _ = trace.EnsureContext(cctx)
		}
		s.handleCommand(cctx, conn, cmd)
	}
}

// handleCommand runs long commands in the background so the read loop can
// still receive a cancel.
func (s *Server) handleCommand(ctx context.Context, conn *websocket.Conn, cmd CommandMessage) {
	log := trace.Logger(ctx)
	log.Debug("websocket command", "type", cmd.Type)

	run := func(fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil {
				_ = write(ctx, conn, errorMessage(err))
			}
		}()
	}

	switch cmd.Type {
	case "start":
		if err := s.session.StartListening(ctx); err != nil {
			_ = write(ctx, conn, errorMessage(err))
		}
	case "stop":
		run(s.session.StopListening)
	case "ask":
		run(func(ctx context.Context) error { return s.session.AskQuestion(ctx, cmd.Question) })
	case "cancel":
		s.session.Cancel()
	default:
		_ = write(ctx, conn, ErrorMessage{
			Type:    "error",
			Code:    string(apperrors.CodeInvalidRequest),
			Message: "unknown command " + cmd.Type,
		})
	}
}

func (s *Server) forwardEvents(ctx context.Context, conn *websocket.Conn, events <-chan orchestrator.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := write(ctx, conn, evt); err != nil {
				trace.Logger(ctx).Debug("websocket write error", "error", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func errorMessage(err error) ErrorMessage {
	code := apperrors.CodeUnknown
	if appErr, ok := apperrors.As(err); ok {
		code = appErr.Code
	}
	return ErrorMessage{Type: "error", Code: string(code), Message: apperrors.UserMessage(err)}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInvalidRequest, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	msg := errorMessage(err)
	status := httpStatus(apperrors.Code(msg.Code))
	if status >= http.StatusInternalServerError {
		trace.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, msg)
}

// httpStatus maps an error code to the status returned to API clients.
func httpStatus(code apperrors.Code) int {
	switch code {
	case apperrors.CodeInvalidRequest:
		return http.StatusBadRequest
	case apperrors.CodeUsageLimit, apperrors.CodeRateLimited, apperrors.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case apperrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperrors.CodeNoAudio, apperrors.CodeNotRecognized, apperrors.CodeHallucination, apperrors.CodeEmptyAnswer:
		return http.StatusUnprocessableEntity
	case apperrors.CodeCancelled:
		return http.StatusConflict
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeNetwork, apperrors.CodeUnavailable:
		return http.StatusBadGateway
	case apperrors.CodeCaptureInit, apperrors.CodePlayback:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
