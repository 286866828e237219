package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Request is one control-plane call from the extension.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Exactly one of Result and Error is set.
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// MethodFunc handles one control-plane method.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

const maxRequestBytes = 256 * 1024

// Server terminates the extension WebSocket and dispatches requests to
// registered method handlers.
type Server struct {
	tokens *Tokens
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	methods map[string]MethodFunc
}

// NewServer creates a control-plane server validating tokens from t.
func NewServer(t *Tokens, logger *slog.Logger) *Server {
	return &Server{
		tokens: t,
		logger: logger.With("component", "extension"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		methods: make(map[string]MethodFunc),
	}
}

// RegisterMethod binds a handler to a method name. Later registrations for
// the same name replace earlier ones.
func (s *Server) RegisterMethod(name string, fn MethodFunc) {
	s.mu.Lock()
	s.methods[name] = fn
	s.mu.Unlock()
}

// Handler returns the HTTP handler for the control-plane port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = r.Header.Get("Authorization")
		if strings.HasPrefix(tokenStr, "Bearer ") {
			tokenStr = tokenStr[len("Bearer "):]
		}
	}
	client, err := s.tokens.Validate(tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("extension upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	s.logger.Info("extension connected", "client", client)
	defer s.logger.Info("extension disconnected", "client", client)

	var writeMu sync.Mutex
	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		// Each request runs on its own goroutine so a slow method does not
		// stall the rest of the control plane.
		go func(req Request) {
			resp := s.dispatch(r.Context(), req)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(resp); err != nil {
				s.logger.Warn("extension write failed", "error", err)
			}
		}(req)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	s.mu.RLock()
	fn, ok := s.methods[req.Method]
	s.mu.RUnlock()
	if !ok {
		return Response{ID: req.ID, Error: fmt.Sprintf("unknown method %q", req.Method)}
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, Result: result}
}
