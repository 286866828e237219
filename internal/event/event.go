// Package event defines the typed agent event stream shared by the session
// layer, the ledger, and the event bus. Every event carries a per-session
// sequence number and a content-derived fingerprint used for de-duplication
// of remote retries.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Kind discriminates the event union.
type Kind string

const (
	KindAssistantText    Kind = "assistant_text"
	KindToolCall         Kind = "tool_call"
	KindPermissionPrompt Kind = "permission_prompt"
	KindUsageUpdate      Kind = "usage_update"
	KindStatusChange     Kind = "status_change"
	KindError            Kind = "error"
)

// Tool call lifecycle states, in advancement order.
const (
	ToolRunning            = "running"
	ToolAwaitingPermission = "awaiting-permission"
	ToolSucceeded          = "succeeded"
	ToolFailed             = "failed"
)

// Event statuses reported via StatusChange.
const (
	StatusIdle       = "idle"
	StatusProcessing = "processing"
	StatusThinking   = "thinking"
	StatusReady      = "ready"
)

// AssistantText is a streaming assistant reply fragment.
type AssistantText struct {
	RequestID string `json:"request_id,omitempty"`
	Content   string `json:"content"`
	IsFinal   bool   `json:"is_final"`
}

// ToolCall is a tool invocation with its lifecycle state.
type ToolCall struct {
	ToolID     string          `json:"tool_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	State      string          `json:"state"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// PermissionPrompt awaits a user decision.
type PermissionPrompt struct {
	PromptID     string          `json:"prompt_id"`
	ToolName     string          `json:"tool_name"`
	Input        json.RawMessage `json:"input,omitempty"`
	ProposedMode string          `json:"proposed_mode,omitempty"`
}

// UsageUpdate is a usage accounting snapshot.
type UsageUpdate struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_tokens"`
	ContextSize     int64 `json:"context_size"`
}

// StatusChange is an event-status transition. A processing→ready transition
// marks a turn boundary.
type StatusChange struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Error is a surfaced error condition.
type Error struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// Event is the tagged union. Exactly one variant pointer matching Kind is
// non-nil; downstream code switches on Kind.
type Event struct {
	SessionID   string    `json:"session_id"`
	Seq         int64     `json:"seq"`
	Timestamp   time.Time `json:"ts"`
	Fingerprint string    `json:"fingerprint"`
	Kind        Kind      `json:"kind"`

	AssistantText    *AssistantText    `json:"assistant_text,omitempty"`
	ToolCall         *ToolCall         `json:"tool_call,omitempty"`
	PermissionPrompt *PermissionPrompt `json:"permission_prompt,omitempty"`
	UsageUpdate      *UsageUpdate      `json:"usage_update,omitempty"`
	StatusChange     *StatusChange     `json:"status_change,omitempty"`
	Error            *Error            `json:"error,omitempty"`
}

// IsTurnBoundary reports whether the event closes a turn
// (StatusChange to ready).
func (e *Event) IsTurnBoundary() bool {
	return e.Kind == KindStatusChange && e.StatusChange != nil && e.StatusChange.To == StatusReady
}

// ComputeFingerprint derives the de-duplication fingerprint for an event.
// The hash covers the kind plus the variant fields that identify the content;
// sequence numbers and timestamps are local properties and excluded, so a
// remote retry of the same fragment hashes identically.
func ComputeFingerprint(e *Event) string {
	h := sha256.New()
	h.Write([]byte(e.Kind))
	h.Write([]byte{0})
	switch e.Kind {
	case KindAssistantText:
		if t := e.AssistantText; t != nil {
			h.Write([]byte(t.RequestID))
			h.Write([]byte{0})
			h.Write([]byte(t.Content))
			if t.IsFinal {
				h.Write([]byte{1})
			}
		}
	case KindToolCall:
		if t := e.ToolCall; t != nil {
			h.Write([]byte(t.ToolID))
			h.Write([]byte{0})
			h.Write([]byte(t.State))
			h.Write([]byte{0})
			h.Write([]byte(t.Result))
			h.Write([]byte{0})
			h.Write([]byte(t.Error))
		}
	case KindPermissionPrompt:
		if p := e.PermissionPrompt; p != nil {
			h.Write([]byte(p.PromptID))
		}
	case KindUsageUpdate:
		if u := e.UsageUpdate; u != nil {
			raw, _ := json.Marshal(u)
			h.Write(raw)
		}
	case KindStatusChange:
		if s := e.StatusChange; s != nil {
			h.Write([]byte(s.From))
			h.Write([]byte{0})
			h.Write([]byte(s.To))
			h.Write([]byte{0})
			h.Write([]byte(s.Reason))
		}
	case KindError:
		if er := e.Error; er != nil {
			h.Write([]byte(er.Kind))
			h.Write([]byte{0})
			h.Write([]byte(er.Message))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Gap is an out-of-band marker delivered to a subscriber when events in
// (From, To) were dropped for it. Gaps let downstream decide to replay.
type Gap struct {
	SessionID string `json:"session_id"`
	From      int64  `json:"from"` // last delivered seq
	To        int64  `json:"to"`   // next delivered seq
}
