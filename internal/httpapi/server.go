// Package httpapi provides the local HTTP API consumed by the desktop and
// web UIs. Every response is a JSON object with a success flag; errors carry
// {"success": false, "error": "..."} and a status in {400, 404, 500, 503}.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/happy-ai/happyd/internal/agent"
	"github.com/happy-ai/happyd/internal/bridge"
	"github.com/happy-ai/happyd/internal/channels/simulator"
	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/internal/extension"
	"github.com/happy-ai/happyd/internal/ledger"
	"github.com/happy-ai/happyd/internal/permission"
	"github.com/happy-ai/happyd/internal/router"
	"github.com/happy-ai/happyd/internal/settings"
	"github.com/happy-ai/happyd/internal/supervisor"
)

// AgentSupervisor is the supervisor surface the API needs. *supervisor.Supervisor
// satisfies it; tests substitute a fake to avoid spawning processes.
type AgentSupervisor interface {
	EnsureRunning(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() supervisor.Info
}

// Deps collects the components the API fronts. Simulator and FeishuWebhook
// may be nil when the corresponding channel is disabled.
type Deps struct {
	Router        *router.Router
	Bridge        *bridge.Bridge
	Broker        *permission.Broker
	Supervisor    AgentSupervisor
	Settings      *settings.Store
	Ledger        *ledger.Ledger
	Tokens        *extension.Tokens
	Simulator     *simulator.Adapter
	FeishuWebhook http.HandlerFunc
	WSHandler     http.HandlerFunc // local WebSocket push endpoint, mounted at /ws
}

// Server is the local HTTP API server.
type Server struct {
	cfg       config.ServerConfig
	deps      Deps
	logger    *slog.Logger
	mux       *chi.Mux
	startTime time.Time
}

// NewServer creates the API server and builds its route table.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(makeCORSMiddleware(cfg.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/api/status", srv.handleStatus)

	mux.Post("/api/auth/token", srv.handleAuthToken)

	if deps.WSHandler != nil {
		mux.Get("/ws", deps.WSHandler)
	}

	mux.Group(func(r chi.Router) {
		r.Use(srv.bodyLimitMiddleware)

		r.Get("/api/ai/status", srv.handleAIStatus)
		r.Post("/api/ai/connect", srv.handleConnect)
		r.Post("/api/ai/disconnect", srv.handleDisconnect)
		r.Post("/api/ai/message", srv.handleMessage)
		r.Get("/api/ai/messages", srv.handleMessages)
		r.Get("/api/ai/usage", srv.handleUsage)
		r.Post("/api/ai/abort", srv.handleAbort)
		r.Get("/api/ai/sessions", srv.handleListSessions)
		r.Get("/api/ai/session/{name}", srv.handleGetSession)
		r.Post("/api/ai/session/reconnect", srv.handleReconnect)
		r.Post("/api/ai/workspace", srv.handleSwitchWorkspace)

		r.Get("/api/ai/permissions", srv.handleListPermissions)
		r.Post("/api/ai/permission/allow", srv.handlePermissionAllow)
		r.Post("/api/ai/permission/deny", srv.handlePermissionDeny)

		r.Get("/api/daemon/status", srv.handleDaemonStatus)
		r.Post("/api/daemon/start", srv.handleDaemonStart)
		r.Post("/api/daemon/stop", srv.handleDaemonStop)
		r.Post("/api/daemon/restart", srv.handleDaemonRestart)

		r.Get("/api/settings", srv.handleGetSettings)
		r.Put("/api/settings", srv.handlePutSettings)
		r.Put("/api/settings/secure", srv.handlePutSecureSettings)

		r.Get("/api/bridge/stats", srv.handleBridgeStats)
		r.Get("/api/channels/{name}/history", srv.handleChannelHistory)

		if deps.Simulator != nil {
			r.Post("/api/channels/simulator/inbound", srv.handleSimulatorInbound)
			r.Get("/api/channels/simulator/outbox", srv.handleSimulatorOutbox)
		}
		if deps.FeishuWebhook != nil {
			r.Post("/api/channels/feishu/events", deps.FeishuWebhook)
		}
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func makeCORSMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (len(allowed) == 0 || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- health and status ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, keyErr := s.deps.Settings.AccessKey()
	writeOK(w, map[string]any{
		"uptime":      time.Since(s.startTime).Truncate(time.Second).String(),
		"needs_login": keyErr != nil,
		"sessions":    s.deps.Router.List(),
		"daemon":      s.deps.Supervisor.Status(),
		"bridge":      s.deps.Bridge.Stats(),
	})
}

// --- auth ---

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "extension control plane disabled")
		return
	}
	var req struct {
		Client string `json:"client"`
	}
	// An empty body is fine; the client name is optional.
	_ = json.NewDecoder(r.Body).Decode(&req)

	token, err := s.deps.Tokens.Issue(req.Client)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not mint token")
		return
	}
	writeOK(w, map[string]any{"token": token})
}

// --- AI control ---

func (s *Server) handleAIStatus(w http.ResponseWriter, r *http.Request) {
	cur := s.deps.Router.Current()
	if cur == nil {
		_, keyErr := s.deps.Settings.AccessKey()
		writeOK(w, map[string]any{"connected": false, "needs_login": keyErr != nil})
		return
	}
	writeOK(w, map[string]any{
		"connected":       cur.State() == agent.StateConnected,
		"session":         cur.Name,
		"session_id":      cur.SessionID(),
		"state":           cur.State(),
		"workspace":       cur.Workspace(),
		"permission_mode": cur.PermissionMode(),
		"event_status":    cur.EventStatus(),
		"usage":           cur.Usage(),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Session        string `json:"session"`
		Workspace      string `json:"workspace"`
		PermissionMode string `json:"permission_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Session == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}

	id, err := s.deps.Router.Connect(r.Context(), req.Session, req.Workspace, req.PermissionMode)
	if err != nil {
		if errors.Is(err, agent.ErrCredentialsMissing) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"success": false, "error": err.Error(), "needs_login": true,
			})
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"session": req.Session, "session_id": id})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Session string `json:"session"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := s.sessionName(req.Session)
	if name == "" {
		writeError(w, http.StatusNotFound, "no session connected")
		return
	}
	if err := s.deps.Router.Disconnect(name); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"session": name})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Session string `json:"session"`
		Text    string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	name := s.sessionName(req.Session)
	if name == "" {
		writeError(w, http.StatusNotFound, "no session connected")
		return
	}

	requestID, err := s.deps.Router.SendMessage(name, req.Text, map[string]string{"channel": "api"})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"session": name, "request_id": requestID})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	name := s.sessionName(r.URL.Query().Get("session"))
	if name == "" {
		writeError(w, http.StatusNotFound, "no session connected")
		return
	}

	fromSeq := int64(0)
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid from_seq")
			return
		}
		fromSeq = n
	}

	events := s.deps.Ledger.Snapshot(name, fromSeq, 0)
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}

	count, oldest, newest := s.deps.Ledger.Size(name)
	writeOK(w, map[string]any{
		"session":    name,
		"events":     events,
		"count":      count,
		"oldest_seq": oldest,
		"newest_seq": newest,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	name := s.sessionName(r.URL.Query().Get("session"))
	sess, ok := s.deps.Router.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeOK(w, map[string]any{"session": name, "usage": sess.Usage()})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Session   string `json:"session"`
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := s.sessionName(req.Session)
	if name == "" {
		writeError(w, http.StatusNotFound, "no session connected")
		return
	}
	if err := s.deps.Router.Abort(name, req.RequestID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"session": name})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"sessions": s.deps.Router.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sess, ok := s.deps.Router.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	count, oldest, newest := s.deps.Ledger.Size(name)
	writeOK(w, map[string]any{
		"session": router.SessionInfo{
			Name:           sess.Name,
			SessionID:      sess.SessionID(),
			State:          sess.State(),
			Workspace:      sess.Workspace(),
			PermissionMode: sess.PermissionMode(),
			EventStatus:    sess.EventStatus(),
			Usage:          sess.Usage(),
		},
		"ledger": map[string]any{"count": count, "oldest_seq": oldest, "newest_seq": newest},
	})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Session string `json:"session"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := s.sessionName(req.Session)
	sess, ok := s.deps.Router.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	workspace := sess.Workspace()
	mode := sess.PermissionMode()
	_ = s.deps.Router.Disconnect(name)
	id, err := s.deps.Router.Connect(r.Context(), name, workspace, mode)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"session": name, "session_id": id})
}

func (s *Server) handleSwitchWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Session string `json:"session"`
		Path    string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	name := s.sessionName(req.Session)
	if name == "" {
		writeError(w, http.StatusNotFound, "no session connected")
		return
	}

	id, err := s.deps.Router.SwitchWorkspace(r.Context(), name, req.Path)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"session": name, "session_id": id, "workspace": req.Path})
}

// --- permissions ---

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	prompts := s.deps.Broker.Pending(r.URL.Query().Get("session"))
	writeOK(w, map[string]any{"prompts": prompts})
}

func (s *Server) handlePermissionAllow(w http.ResponseWriter, r *http.Request) {
	s.resolvePermission(w, r, permission.DecisionAllow)
}

func (s *Server) handlePermissionDeny(w http.ResponseWriter, r *http.Request) {
	s.resolvePermission(w, r, permission.DecisionDeny)
}

func (s *Server) resolvePermission(w http.ResponseWriter, r *http.Request, decision string) {
	var req struct {
		PromptID     string   `json:"prompt_id"`
		Mode         string   `json:"mode"`
		AllowedTools []string `json:"allowed_tools"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PromptID == "" {
		writeError(w, http.StatusBadRequest, "prompt_id is required")
		return
	}
	if err := s.deps.Broker.Resolve(req.PromptID, decision, req.Mode, req.AllowedTools); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"prompt_id": req.PromptID, "decision": decision})
}

// --- daemon ---

func (s *Server) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"daemon": s.deps.Supervisor.Status()})
}

func (s *Server) handleDaemonStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Supervisor.EnsureRunning(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"daemon": s.deps.Supervisor.Status()})
}

func (s *Server) handleDaemonStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Supervisor.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"daemon": s.deps.Supervisor.Status()})
}

func (s *Server) handleDaemonRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Supervisor.Restart(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"daemon": s.deps.Supervisor.Status()})
}

// --- settings ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"settings": s.deps.Settings.Settings()})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settings.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.deps.Settings.Update(func(cur *settings.Settings) { *cur = req })
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"settings": s.deps.Settings.Settings()})
}

// handlePutSecureSettings rotates credential material. Empty fields keep
// their current value, so clients can rotate one secret at a time.
func (s *Server) handlePutSecureSettings(w http.ResponseWriter, r *http.Request) {
	var req settings.Secure
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.deps.Settings.UpdateSecure(func(cur *settings.Secure) {
		if req.AccessKey != "" {
			cur.AccessKey = req.AccessKey
		}
		if req.AnthropicAuthToken != "" {
			cur.AnthropicAuthToken = req.AnthropicAuthToken
		}
		if req.AnthropicBaseURL != "" {
			cur.AnthropicBaseURL = req.AnthropicBaseURL
		}
		if req.Model != "" {
			cur.Model = req.Model
		}
		if req.SmallFastModel != "" {
			cur.SmallFastModel = req.SmallFastModel
		}
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"status": "updated"})
}

// --- channels ---

func (s *Server) handleBridgeStats(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"stats": s.deps.Bridge.Stats()})
}

func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.deps.Bridge.History(name, limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"channel": name, "messages": msgs})
}

func (s *Server) handleSimulatorInbound(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sender  string `json:"sender"`
		Text    string `json:"text"`
		ReplyTo string `json:"reply_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.deps.Simulator.Inject(req.Sender, req.Text, req.ReplyTo); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeOK(w, map[string]any{"status": "accepted"})
}

func (s *Server) handleSimulatorOutbox(w http.ResponseWriter, r *http.Request) {
	var msgs []bridge.OutboundMessage
	if r.URL.Query().Get("drain") == "true" {
		msgs = s.deps.Simulator.Drain()
	} else {
		msgs = s.deps.Simulator.Outbox()
	}
	if msgs == nil {
		msgs = []bridge.OutboundMessage{}
	}
	writeOK(w, map[string]any{"messages": msgs})
}

// --- helpers ---

// sessionName resolves an optional request session name: explicit name wins,
// otherwise the current session.
func (s *Server) sessionName(requested string) string {
	if requested != "" {
		return requested
	}
	if cur := s.deps.Router.Current(); cur != nil {
		return cur.Name
	}
	return ""
}

// statusFor maps component errors onto the API status contract.
func statusFor(err error) int {
	switch {
	case errors.Is(err, router.ErrUnknownSession),
		errors.Is(err, permission.ErrUnknownPrompt),
		errors.Is(err, bridge.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, router.ErrInvalidMode),
		errors.Is(err, permission.ErrAlreadyResolved):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrSwitchInProgress),
		errors.Is(err, agent.ErrNotConnected),
		errors.Is(err, agent.ErrCredentialsMissing),
		errors.Is(err, agent.ErrNetworkUnavailable),
		errors.Is(err, settings.ErrNoAccessKey),
		errors.Is(err, supervisor.ErrFatal):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeOK(w http.ResponseWriter, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["success"] = true
	writeJSON(w, http.StatusOK, data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}
