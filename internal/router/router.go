// Package router owns the set of live agent sessions. It enforces at most
// one session per name, tracks which session is current, and serializes
// workspace switches so a half-switched session is never observable.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/happy-ai/happyd/internal/agent"
	"github.com/happy-ai/happyd/internal/event"
	"github.com/happy-ai/happyd/internal/eventbus"
	"github.com/happy-ai/happyd/pkg/protocol"
)

var (
	ErrUnknownSession        = errors.New("unknown session")
	ErrSwitchInProgress      = errors.New("workspace switch in progress")
	ErrInvalidMode           = errors.New("invalid permission mode")
	ErrDirectoryNotCreatable = errors.New("workspace directory not creatable")
)

// SessionInfo is a point-in-time snapshot of one session.
type SessionInfo struct {
	Name           string            `json:"name"`
	SessionID      string            `json:"session_id,omitempty"`
	State          agent.State       `json:"state"`
	Workspace      string            `json:"workspace,omitempty"`
	PermissionMode string            `json:"permission_mode,omitempty"`
	EventStatus    string            `json:"event_status"`
	Usage          event.UsageUpdate `json:"usage"`
}

// Router maps session names to live sessions and fans their events into the
// bus via the supplied emit function.
type Router struct {
	opts   agent.Options
	emit   agent.EmitFunc
	bus    *eventbus.Bus
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*agent.Session
	current   string
	switching map[string]bool
}

// New creates a router. emit is attached to every session it creates.
func New(opts agent.Options, emit agent.EmitFunc, bus *eventbus.Bus, logger *slog.Logger) *Router {
	return &Router{
		opts:      opts,
		emit:      emit,
		bus:       bus,
		logger:    logger.With("component", "router"),
		sessions:  make(map[string]*agent.Session),
		switching: make(map[string]bool),
	}
}

// Connect opens (or reuses) the named session and makes it current.
// Returns the agent-issued session id.
func (r *Router) Connect(ctx context.Context, name, workspaceDir, permissionMode string) (string, error) {
	if permissionMode == "" {
		permissionMode = protocol.ModeDefault
	}
	if !protocol.ValidPermissionMode(permissionMode) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, permissionMode)
	}

	r.mu.Lock()
	if r.switching[name] {
		r.mu.Unlock()
		return "", ErrSwitchInProgress
	}
	s, ok := r.sessions[name]
	if !ok {
		s = agent.New(name, r.emit, r.opts, r.logger)
		r.sessions[name] = s
	}
	r.mu.Unlock()

	id, err := s.Connect(ctx, workspaceDir, permissionMode)
	if err != nil {
		if errors.Is(err, agent.ErrAlreadyConnected) {
			// Reuse: the name already has a live link.
			r.mu.Lock()
			r.current = name
			r.mu.Unlock()
			return s.SessionID(), nil
		}
		return "", err
	}

	r.mu.Lock()
	r.current = name
	r.mu.Unlock()

	r.bus.PublishFrame(protocol.TopicConnected, map[string]any{
		"session":    name,
		"session_id": id,
		"workspace":  workspaceDir,
	})
	return id, nil
}

// Get returns the named session.
func (r *Router) Get(name string) (*agent.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Current returns the current session, or nil when none is connected.
func (r *Router) Current() *agent.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" {
		return nil
	}
	return r.sessions[r.current]
}

// Switching reports whether the named session is mid workspace switch.
// The bridge buffers inbound messages for it while this is true.
func (r *Router) Switching(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.switching[name]
}

// SendMessage routes one user turn to the named session.
func (r *Router) SendMessage(name, text string, metadata map[string]string) (string, error) {
	r.mu.Lock()
	if r.switching[name] {
		r.mu.Unlock()
		return "", ErrSwitchInProgress
	}
	s, ok := r.sessions[name]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSession, name)
	}
	return s.SendUserMessage(text, metadata)
}

// Abort cancels the named session's in-flight turn.
func (r *Router) Abort(name, requestID string) error {
	s, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, name)
	}
	s.Abort(requestID)
	return nil
}

// SwitchWorkspace moves the named session to a new working directory by
// tearing the link down and reconnecting. At most one switch per session
// runs at a time; a concurrent attempt fails fast.
func (r *Router) SwitchWorkspace(ctx context.Context, name, newDir string) (string, error) {
	// Validate the target before tearing anything down: a switch to an
	// uncreatable directory must leave the old link untouched.
	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrDirectoryNotCreatable, newDir, err)
	}

	r.mu.Lock()
	s, ok := r.sessions[name]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownSession, name)
	}
	if r.switching[name] {
		r.mu.Unlock()
		return "", ErrSwitchInProgress
	}
	r.switching[name] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.switching, name)
		r.mu.Unlock()
	}()

	oldDir := s.Workspace()
	mode := s.PermissionMode()
	r.logger.Info("switching workspace", "session", name, "from", oldDir, "to", newDir)

	s.Disconnect()

	id, err := s.Connect(ctx, newDir, mode)
	if err != nil {
		// The old link is gone; leave the session down rather than
		// silently reconnecting to the old workspace.
		r.logger.Error("workspace switch failed", "session", name, "error", err)
		return "", fmt.Errorf("reconnect in %s: %w", newDir, err)
	}

	r.bus.PublishFrame(protocol.TopicWorkDirSwitched, map[string]any{
		"session":    name,
		"session_id": id,
		"from":       oldDir,
		"to":         newDir,
	})
	return id, nil
}

// Disconnect tears down the named session's link. The session entry stays so
// sequence numbers continue on a later reconnect.
func (r *Router) Disconnect(name string) error {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok && r.current == name {
		r.current = ""
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, name)
	}
	s.Disconnect()
	r.bus.PublishFrame(protocol.TopicDisconnected, map[string]any{"session": name})
	return nil
}

// DisconnectAll tears down every live session, used at shutdown.
func (r *Router) DisconnectAll() {
	r.mu.Lock()
	all := make([]*agent.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.current = ""
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *agent.Session) {
			defer wg.Done()
			s.Disconnect()
		}(s)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("timed out waiting for sessions to disconnect")
	}
}

// List snapshots all known sessions.
func (r *Router) List() []SessionInfo {
	r.mu.Lock()
	names := make([]string, 0, len(r.sessions))
	sessions := make([]*agent.Session, 0, len(r.sessions))
	for name, s := range r.sessions {
		names = append(names, name)
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = SessionInfo{
			Name:           names[i],
			SessionID:      s.SessionID(),
			State:          s.State(),
			Workspace:      s.Workspace(),
			PermissionMode: s.PermissionMode(),
			EventStatus:    s.EventStatus(),
			Usage:          s.Usage(),
		}
	}
	return out
}
