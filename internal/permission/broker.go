// Package permission tracks pending tool-permission prompts and enforces
// single resolution: every prompt is decided exactly once, whether by the
// user, by expiry, or by a session teardown denying the remainder.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownPrompt   = errors.New("unknown permission prompt")
	ErrAlreadyResolved = errors.New("permission prompt already resolved")
)

// Decisions accepted by Resolve.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Prompt is one pending permission request.
type Prompt struct {
	ID           string          `json:"id"`
	SessionName  string          `json:"session"`
	ToolName     string          `json:"tool_name"`
	Input        json.RawMessage `json:"input,omitempty"`
	ProposedMode string          `json:"proposed_mode,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ForwardFunc delivers a decision to the agent link for the prompt's session.
type ForwardFunc func(sessionName, promptID, decision, mode string, allowedTools []string) error

// Broker is the single registry of pending prompts.
type Broker struct {
	forward ForwardFunc
	logger  *slog.Logger

	mu       sync.Mutex
	pending  map[string]*Prompt
	resolved map[string]time.Time // prompt id -> resolution time, for idempotency errors
}

// resolvedRetention bounds how long a resolved id is remembered so a late
// duplicate resolve gets AlreadyResolved instead of UnknownPrompt.
const resolvedRetention = 10 * time.Minute

// New creates a broker. forward is invoked outside the broker lock.
func New(forward ForwardFunc, logger *slog.Logger) *Broker {
	return &Broker{
		forward:  forward,
		logger:   logger.With("component", "permission-broker"),
		pending:  make(map[string]*Prompt),
		resolved: make(map[string]time.Time),
	}
}

// Register records a prompt surfaced by the event stream. Re-registering a
// known or already-resolved id is a no-op, covering remote retries.
func (b *Broker) Register(p Prompt) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[p.ID]; ok {
		return
	}
	if _, ok := b.resolved[p.ID]; ok {
		return
	}
	b.pending[p.ID] = &p
	b.logger.Info("prompt registered", "prompt_id", p.ID, "session", p.SessionName, "tool", p.ToolName)
}

// Resolve decides a pending prompt and forwards the decision to the agent.
// A second resolve of the same id fails with ErrAlreadyResolved.
func (b *Broker) Resolve(promptID, decision, mode string, allowedTools []string) error {
	if decision != DecisionAllow && decision != DecisionDeny {
		return fmt.Errorf("invalid decision %q", decision)
	}

	b.mu.Lock()
	p, ok := b.pending[promptID]
	if !ok {
		if _, was := b.resolved[promptID]; was {
			b.mu.Unlock()
			return ErrAlreadyResolved
		}
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrompt, promptID)
	}
	delete(b.pending, promptID)
	b.resolved[promptID] = time.Now()
	b.mu.Unlock()

	if err := b.forward(p.SessionName, promptID, decision, mode, allowedTools); err != nil {
		return fmt.Errorf("forward decision: %w", err)
	}
	b.logger.Info("prompt resolved", "prompt_id", promptID, "decision", decision)
	return nil
}

// Pending snapshots the open prompts, oldest first. sessionName "" matches
// all sessions.
func (b *Broker) Pending(sessionName string) []Prompt {
	b.mu.Lock()
	out := make([]Prompt, 0, len(b.pending))
	for _, p := range b.pending {
		if sessionName == "" || p.SessionName == sessionName {
			out = append(out, *p)
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExpireOlderThan denies prompts that have waited longer than age. The deny
// is forwarded best-effort; a dead link does not block expiry. Returns the
// expired prompt ids. Also prunes stale resolution records.
func (b *Broker) ExpireOlderThan(age time.Duration) []string {
	cutoff := time.Now().Add(-age)

	b.mu.Lock()
	var expired []*Prompt
	for id, p := range b.pending {
		if p.CreatedAt.Before(cutoff) {
			expired = append(expired, p)
			delete(b.pending, id)
			b.resolved[id] = time.Now()
		}
	}
	retention := time.Now().Add(-resolvedRetention)
	for id, at := range b.resolved {
		if at.Before(retention) {
			delete(b.resolved, id)
		}
	}
	b.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, p := range expired {
		ids = append(ids, p.ID)
		if err := b.forward(p.SessionName, p.ID, DecisionDeny, "", nil); err != nil {
			b.logger.Warn("expiry deny not delivered", "prompt_id", p.ID, "error", err)
		}
		b.logger.Info("prompt expired", "prompt_id", p.ID, "waited", time.Since(p.CreatedAt))
	}
	return ids
}

// DenyAll denies every pending prompt for the session. Used on disconnect,
// when the link that would carry an allow is already gone; nothing is
// forwarded. Returns the denied prompt ids.
func (b *Broker) DenyAll(sessionName string) []string {
	b.mu.Lock()
	var ids []string
	for id, p := range b.pending {
		if p.SessionName == sessionName {
			ids = append(ids, id)
			delete(b.pending, id)
			b.resolved[id] = time.Now()
		}
	}
	b.mu.Unlock()

	if len(ids) > 0 {
		b.logger.Info("denied all pending prompts", "session", sessionName, "count", len(ids))
	}
	return ids
}
