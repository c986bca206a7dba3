// Package server exposes the control-plane HTTP surface: REST handlers
// for the dashboard, a websocket endpoint bridging the broadcast hub,
// and bearer-token auth matching the gateway's conventions. With no
// token configured, access is open; the dashboard typically runs on a
// loopback bind.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/gateway"
	"github.com/basket/mission-control/internal/heartbeat"
	"github.com/basket/mission-control/internal/jobs"
	"github.com/basket/mission-control/internal/otel"
	"github.com/basket/mission-control/internal/prefs"
	"github.com/basket/mission-control/internal/sampler"
	"github.com/basket/mission-control/internal/session"
	"github.com/basket/mission-control/internal/shared"
	"github.com/basket/mission-control/internal/store"
)

// Config holds the server's dependencies.
type Config struct {
	Logger    *slog.Logger
	Bus       *bus.Bus
	Gateway   *gateway.Client
	Store     *store.Store
	Heartbeat *heartbeat.Engine
	Prefs     *prefs.Queue
	Sessions  *session.Manager
	Jobs      *jobs.Mirror
	Sampler   *sampler.Sampler
	Metrics   *otel.Metrics
	Tracer    trace.Tracer

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	start  time.Time

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

// New builds a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "server"),
		start:   time.Now(),
		clients: map[*wsClient]struct{}{},
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)

	// Public auth probes.
	mux.HandleFunc("/api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("/api/auth/login", s.handleAuthLogin)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/activity", s.handleActivity)

	mux.HandleFunc("/api/heartbeat/checks", s.handleChecks)
	mux.HandleFunc("/api/heartbeat/checks/", s.handleCheckByID)

	mux.HandleFunc("/api/preferences", s.handlePreferences)
	mux.HandleFunc("/api/preferences/", s.handlePreferenceByID)

	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/spawn", s.handleSessionSpawn)
	mux.HandleFunc("/api/sessions/cleanup", s.handleSessionCleanup)
	mux.HandleFunc("/api/sessions/", s.handleSessionByKey)

	mux.HandleFunc("/api/cron", s.handleCron)
	mux.HandleFunc("/api/cron/", s.handleCronByID)

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentByID)

	return s.withRequestLog(mux)
}

// withRequestLog tags every request with a trace id and logs it on
// completion. The websocket endpoint is skipped: its connections live
// for hours and get their own connect/disconnect lines.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
			defer span.End()
		}
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"trace_id", shared.TraceID(ctx),
		)
	})
}

// authorize checks the bearer token. No configured token means open
// access; the ?token= query form exists for the websocket handshake,
// where browsers cannot set headers.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	provided := bearerToken(r)
	if provided == "" {
		provided = r.URL.Query().Get("token")
	}
	return provided != "" && provided == s.cfg.AuthToken
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.authorize(r) {
		return true
	}
	writeError(w, http.StatusUnauthorized, "unauthorized")
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// writeDomainError maps the domain error taxonomy onto HTTP statuses.
// Gateway exhaustion means the dependency is down, not that we are.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, heartbeat.ErrNotFound),
		errors.Is(err, prefs.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, store.ErrUnknownDoc):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, heartbeat.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, prefs.ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(into)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"healthy":       true,
		"uptimeSeconds": int(time.Since(s.start).Seconds()),
		"subscribers":   s.cfg.Bus.SubscriberCount(),
	}
	if s.cfg.Gateway != nil {
		payload["gatewayStatus"] = string(s.cfg.Gateway.Status().State())
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	required := s.cfg.AuthToken != ""
	writeJSON(w, http.StatusOK, map[string]any{
		"authRequired":  required,
		"authenticated": !required || bearerToken(r) == s.cfg.AuthToken,
	})
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.AuthToken == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Token != s.cfg.AuthToken {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleStatus answers with the current snapshot plus a best-effort
// gateway config summary. A down gateway degrades the summary to null
// rather than failing the whole status call.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	payload := map[string]any{
		"system":        s.cfg.Sampler.Current(),
		"uptimeSeconds": int(time.Since(s.start).Seconds()),
		"gateway":       nil,
	}
	if views, _, err := s.cfg.Heartbeat.List(); err == nil {
		overdue := 0
		for _, v := range views {
			if v.Overdue {
				overdue++
			}
		}
		payload["heartbeat"] = map[string]any{"checks": len(views), "overdue": overdue}
	} else {
		s.logger.Debug("heartbeat summary unavailable", "error", err)
	}
	if s.cfg.Gateway != nil {
		if raw, err := s.cfg.Gateway.InvokeRetries(r.Context(), "gateway", map[string]any{"action": "config.get"}, 1); err == nil {
			payload["gateway"] = json.RawMessage(raw)
		}
		payload["gatewayStatus"] = string(s.cfg.Gateway.Status().State())
	}
	writeJSON(w, http.StatusOK, payload)
}
