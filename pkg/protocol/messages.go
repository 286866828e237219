// Package protocol defines the wire protocol messages exchanged between
// happyd and the remote agent service over the encrypted WebSocket link.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field that determines the payload structure. The transport itself (key
// exchange, framing) is owned by the server; happyd only sees these shapes.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"` // message ID for idempotency
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// DecodePayload re-marshals the envelope payload into a typed struct.
func (e Envelope) DecodePayload(v any) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// --- happyd → server ---

// SessionConnect opens (or resumes) a named session.
type SessionConnect struct {
	SessionName    string `json:"session_name"`
	WorkspaceDir   string `json:"workspace_dir"`
	PermissionMode string `json:"permission_mode"` // default, plan, acceptEdits, bypassPermissions
}

// UserMessage carries one user turn toward the agent.
type UserMessage struct {
	SessionID string            `json:"session_id"`
	RequestID string            `json:"request_id"` // echoed back on reply events when supported
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PermissionResolve answers a pending permission prompt.
type PermissionResolve struct {
	SessionID    string   `json:"session_id"`
	PromptID     string   `json:"prompt_id"`
	Decision     string   `json:"decision"` // "allow" or "deny"
	Mode         string   `json:"mode,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// TurnAbort cancels the in-flight turn. RequestID may be empty (current turn).
type TurnAbort struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id,omitempty"`
}

// SessionDisconnect tears down the session link.
type SessionDisconnect struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// --- server → happyd ---

// SessionConnected acknowledges SessionConnect with the issued session id.
type SessionConnected struct {
	SessionID    string `json:"session_id"`
	SessionName  string `json:"session_name"`
	WorkspaceDir string `json:"workspace_dir"`
}

// AssistantText is a streaming assistant reply fragment.
type AssistantText struct {
	RequestID string `json:"request_id,omitempty"`
	Content   string `json:"content"`
	Final     bool   `json:"final"`
}

// ToolCall reports a tool invocation state transition. Input may stream as
// partial payloads; the latest input wins.
type ToolCall struct {
	ToolID string          `json:"tool_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	State  string          `json:"state"` // running, awaiting-permission, succeeded, failed
	Result string          `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PermissionPrompt asks the user to approve a tool invocation.
type PermissionPrompt struct {
	PromptID     string          `json:"prompt_id"`
	ToolName     string          `json:"tool_name"`
	Input        json.RawMessage `json:"input,omitempty"`
	ProposedMode string          `json:"proposed_mode,omitempty"`
}

// UsageUpdate carries token accounting for the session.
type UsageUpdate struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_tokens"`
	ContextSize     int64 `json:"context_size"`
}

// StatusChange reports an event-status transition.
type StatusChange struct {
	From   string `json:"from"`
	To     string `json:"to"` // idle, processing, thinking, ready
	Reason string `json:"reason,omitempty"`
}

// ServerError reports an error condition on the link or the session.
type ServerError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// --- Heartbeat ---

// Ping/Pong for connection liveness.
type Ping struct{}
type Pong struct{}

// --- Message type constants ---

const (
	// happyd → server
	TypeSessionConnect    = "session.connect"
	TypeUserMessage       = "user.message"
	TypePermissionResolve = "permission.resolve"
	TypeTurnAbort         = "turn.abort"
	TypeSessionDisconnect = "session.disconnect"
	TypePing              = "ping"

	// server → happyd
	TypeSessionConnected = "session.connected"
	TypeAssistantText    = "assistant.text"
	TypeToolCall         = "tool.call"
	TypePermissionPrompt = "permission.prompt"
	TypeUsageUpdate      = "usage.update"
	TypeStatusChange     = "status.change"
	TypeError            = "error"
	TypePong             = "pong"
)

// Permission modes accepted on SessionConnect and PermissionResolve.
const (
	ModeDefault           = "default"
	ModePlan              = "plan"
	ModeAcceptEdits       = "acceptEdits"
	ModeBypassPermissions = "bypassPermissions"
)

// ValidPermissionMode reports whether m is one of the four known modes.
func ValidPermissionMode(m string) bool {
	switch m {
	case ModeDefault, ModePlan, ModeAcceptEdits, ModeBypassPermissions:
		return true
	}
	return false
}
