// Package agent maintains the duplex link to the remote agent service for a
// single named session: it decodes wire events into typed agent events,
// filters remote retries by fingerprint, assigns per-session sequence
// numbers, and survives transient link loss with backoff reconnect.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/happy-ai/happyd/internal/dedupe"
	"github.com/happy-ai/happyd/internal/event"
	"github.com/happy-ai/happyd/pkg/protocol"
)

// State is the link lifecycle state.
type State string

const (
	StateUnconnected   State = "unconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// Connect error conditions.
var (
	ErrAlreadyConnected   = errors.New("session already connected")
	ErrNotConnected       = errors.New("session not connected")
	ErrCredentialsMissing = errors.New("agent credentials missing")
	ErrNetworkUnavailable = errors.New("agent server unreachable")
	ErrServerRejected     = errors.New("agent server rejected connection")
)

// EmitFunc receives every decoded event, in sequence order.
type EmitFunc func(*event.Event)

// Options configures a Session.
type Options struct {
	ServerURL       string
	AccessKey       func() (string, error)
	Liveness        time.Duration // silent-link threshold, default 60s
	BackoffBase     time.Duration // default 1s
	BackoffCap      time.Duration // default 30s
	Retries         int           // default 5
	ReconnectWindow time.Duration // whole-cycle cap, default 5m
	TLSSkipVerify   bool
	Dial            Dialer // defaults to DialWebSocket
}

func (o *Options) defaults() {
	if o.Liveness == 0 {
		o.Liveness = 60 * time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.Retries == 0 {
		o.Retries = 5
	}
	if o.ReconnectWindow == 0 {
		o.ReconnectWindow = 5 * time.Minute
	}
	if o.Dial == nil {
		o.Dial = DialWebSocket
	}
}

type toolState struct {
	name      string
	input     []byte
	state     string
	startedAt time.Time
}

// Session owns the link for one named session. All wire reads happen on a
// single goroutine; outbound writes are serialized by the Conn.
type Session struct {
	Name string

	opts   Options
	emit   EmitFunc
	logger *slog.Logger
	seen   *dedupe.Cache

	// emitMu orders fingerprint check, sequence assignment and delivery so
	// subscribers observe strictly increasing sequences.
	emitMu sync.Mutex
	seq    int64

	mu        sync.Mutex
	state     State
	sessionID string
	workspace string
	permMode  string
	conn      Conn
	gen       int // connection generation; stale read loops detect themselves
	closing   bool
	lastRead  time.Time
	status    string
	usage     event.UsageUpdate
	tools     map[string]*toolState
	currReq   string

	// Aborted request ids are double-buffered across turn boundaries: an
	// abort synthesizes a boundary itself, so a marker must survive that one
	// and get purged at the next. Lookups consult both maps.
	aborted     map[string]struct{}
	abortedPrev map[string]struct{}
}

// New creates a session for the given name. Events flow to emit.
func New(name string, emit EmitFunc, opts Options, logger *slog.Logger) *Session {
	opts.defaults()
	return &Session{
		Name:        name,
		opts:        opts,
		emit:        emit,
		logger:      logger.With("component", "agent-session", "session", name),
		seen:        dedupe.New(10*time.Minute, 8192),
		state:       StateUnconnected,
		status:      event.StatusIdle,
		tools:       make(map[string]*toolState),
		aborted:     make(map[string]struct{}),
		abortedPrev: make(map[string]struct{}),
	}
}

// Connect establishes the link. Returns the agent-issued session id.
func (s *Session) Connect(ctx context.Context, workspaceDir, permissionMode string) (string, error) {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return "", ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.closing = false
	s.workspace = workspaceDir
	s.permMode = permissionMode
	s.mu.Unlock()

	id, conn, err := s.dialAndHello(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateUnconnected
		s.mu.Unlock()
		return "", err
	}

	s.mu.Lock()
	s.sessionID = id
	s.conn = conn
	s.state = StateConnected
	s.lastRead = time.Now()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	go s.watchdog(gen)

	s.logger.Info("connected", "session_id", id, "workspace", workspaceDir)
	return id, nil
}

// dialAndHello dials, sends session.connect and waits for the ack.
func (s *Session) dialAndHello(ctx context.Context) (string, Conn, error) {
	token, err := s.opts.AccessKey()
	if err != nil || token == "" {
		return "", nil, ErrCredentialsMissing
	}

	conn, err := s.opts.Dial(ctx, s.opts.ServerURL, token, s.opts.TLSSkipVerify)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return "", nil, ErrServerRejected
		}
		return "", nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	hello := protocol.Envelope{
		Type:      protocol.TypeSessionConnect,
		Timestamp: time.Now(),
		Payload: protocol.SessionConnect{
			SessionName:    s.Name,
			WorkspaceDir:   s.workspace,
			PermissionMode: s.permMode,
		},
	}
	if err := conn.WriteEnvelope(hello); err != nil {
		_ = conn.Close()
		return "", nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	// The server acks with session.connected before any event flows.
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			_ = conn.Close()
			return "", nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		switch env.Type {
		case protocol.TypeSessionConnected:
			var ack protocol.SessionConnected
			if err := env.DecodePayload(&ack); err != nil {
				_ = conn.Close()
				return "", nil, ErrServerRejected
			}
			return ack.SessionID, conn, nil
		case protocol.TypeError:
			var se protocol.ServerError
			_ = env.DecodePayload(&se)
			_ = conn.Close()
			if se.Kind == event.ErrCredentialsInvalid {
				return "", nil, ErrServerRejected
			}
			return "", nil, fmt.Errorf("%w: %s", ErrServerRejected, se.Message)
		case protocol.TypePong:
			// ignore
		default:
			// Pre-ack replay is tolerated but not expected; skip.
		}
	}
}

// SendUserMessage enqueues one user turn. Returns a request id used to
// correlate the eventual reply.
func (s *Session) SendUserMessage(text string, metadata map[string]string) (string, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return "", ErrNotConnected
	}
	conn := s.conn
	sessionID := s.sessionID
	requestID := uuid.New().String()
	s.currReq = requestID
	s.mu.Unlock()

	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md["request_id"] = requestID

	err := conn.WriteEnvelope(protocol.Envelope{
		Type:      protocol.TypeUserMessage,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload: protocol.UserMessage{
			SessionID: sessionID,
			RequestID: requestID,
			Text:      text,
			Metadata:  md,
		},
	})
	if err != nil {
		return "", fmt.Errorf("send user message: %w", err)
	}
	return requestID, nil
}

// ResolvePermission forwards a prompt decision to the agent.
func (s *Session) ResolvePermission(promptID, decision, mode string, allowedTools []string) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	sessionID := s.sessionID
	s.mu.Unlock()

	return conn.WriteEnvelope(protocol.Envelope{
		Type:      protocol.TypePermissionResolve,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload: protocol.PermissionResolve{
			SessionID:    sessionID,
			PromptID:     promptID,
			Decision:     decision,
			Mode:         mode,
			AllowedTools: allowedTools,
		},
	})
}

// Abort cancels the in-flight turn (or the one named by requestID).
// Idempotent: it succeeds even when the turn already completed.
func (s *Session) Abort(requestID string) {
	s.mu.Lock()
	if requestID == "" {
		requestID = s.currReq
	}
	if requestID != "" {
		s.aborted[requestID] = struct{}{}
	}
	conn := s.conn
	sessionID := s.sessionID
	status := s.status
	connected := s.state == StateConnected
	s.mu.Unlock()

	if connected && conn != nil {
		_ = conn.WriteEnvelope(protocol.Envelope{
			Type:      protocol.TypeTurnAbort,
			SessionID: sessionID,
			Timestamp: time.Now(),
			Payload:   protocol.TurnAbort{SessionID: sessionID, RequestID: requestID},
		})
	}

	// Close the turn locally so subscribers see the boundary even if the
	// server's own status change is lost.
	if status == event.StatusProcessing || status == event.StatusThinking {
		s.setStatus(event.StatusReady, "aborted")
	}
}

// Disconnect tears the link down. Safe in any state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.closing = true
	s.state = StateDisconnecting
	conn := s.conn
	sessionID := s.sessionID
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteEnvelope(protocol.Envelope{
			Type:      protocol.TypeSessionDisconnect,
			SessionID: sessionID,
			Timestamp: time.Now(),
			Payload:   protocol.SessionDisconnect{SessionID: sessionID, Reason: "disconnect"},
		})
		_ = conn.Close()
	}

	s.mu.Lock()
	s.state = StateUnconnected
	s.mu.Unlock()
	s.logger.Info("disconnected")
}

// --- accessors ---

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) Workspace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspace
}

func (s *Session) PermissionMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permMode
}

func (s *Session) EventStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Usage() event.UsageUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *Session) isAborted(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aborted[requestID]; ok {
		return true
	}
	_, ok := s.abortedPrev[requestID]
	return ok
}

// --- read path ---

func (s *Session) readLoop(conn Conn, gen int) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			s.mu.Lock()
			stale := gen != s.gen
			closing := s.closing
			s.mu.Unlock()
			if stale || closing {
				return
			}
			s.logger.Warn("link lost", "error", err)
			s.reconnect(gen)
			return
		}

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.lastRead = time.Now()
		s.mu.Unlock()

		s.handleWire(env)
	}
}

func (s *Session) handleWire(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAssistantText:
		var p protocol.AssistantText
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		if p.RequestID != "" && s.isAborted(p.RequestID) {
			return
		}
		s.emitEvent(env.ID, event.KindAssistantText, &event.Event{
			AssistantText: &event.AssistantText{
				RequestID: p.RequestID,
				Content:   p.Content,
				IsFinal:   p.Final,
			},
		})

	case protocol.TypeToolCall:
		var p protocol.ToolCall
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		s.handleToolCall(env.ID, p)

	case protocol.TypePermissionPrompt:
		var p protocol.PermissionPrompt
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		s.emitEvent(env.ID, event.KindPermissionPrompt, &event.Event{
			PermissionPrompt: &event.PermissionPrompt{
				PromptID:     p.PromptID,
				ToolName:     p.ToolName,
				Input:        p.Input,
				ProposedMode: p.ProposedMode,
			},
		})

	case protocol.TypeUsageUpdate:
		var p protocol.UsageUpdate
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		u := event.UsageUpdate{
			InputTokens:     p.InputTokens,
			OutputTokens:    p.OutputTokens,
			CacheReadTokens: p.CacheReadTokens,
			ContextSize:     p.ContextSize,
		}
		s.mu.Lock()
		s.usage = u
		s.mu.Unlock()
		s.emitEvent(env.ID, event.KindUsageUpdate, &event.Event{UsageUpdate: &u})

	case protocol.TypeStatusChange:
		var p protocol.StatusChange
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		s.applyStatus(env.ID, p.From, p.To, p.Reason)

	case protocol.TypeError:
		var p protocol.ServerError
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		s.emitEvent(env.ID, event.KindError, &event.Event{
			Error: &event.Error{Kind: p.Kind, Message: p.Message, Retriable: p.Retriable},
		})

	case protocol.TypePong, protocol.TypePing:
		// liveness only

	default:
		s.logger.Debug("unknown wire message", "type", env.Type)
	}
}

// toolRank orders tool lifecycle states; regressions are dropped.
func toolRank(state string) int {
	switch state {
	case event.ToolRunning:
		return 1
	case event.ToolAwaitingPermission:
		return 2
	case event.ToolSucceeded, event.ToolFailed:
		return 3
	}
	return 0
}

func (s *Session) handleToolCall(wireID string, p protocol.ToolCall) {
	s.mu.Lock()
	ts, ok := s.tools[p.ToolID]
	if !ok {
		ts = &toolState{name: p.Name, startedAt: time.Now()}
		s.tools[p.ToolID] = ts
	}
	if len(p.Input) > 0 {
		ts.input = p.Input // partial inputs stream; latest wins
	}
	newRank := toolRank(p.State)
	oldRank := toolRank(ts.state)
	advance := ok && newRank > oldRank || !ok && newRank > 0
	if !advance {
		s.mu.Unlock()
		return
	}
	ts.state = p.State

	tc := &event.ToolCall{
		ToolID:    p.ToolID,
		Name:      ts.name,
		Input:     append([]byte(nil), ts.input...),
		State:     p.State,
		StartedAt: ts.startedAt,
		Result:    p.Result,
		Error:     p.Error,
	}
	if newRank == 3 {
		now := time.Now()
		tc.FinishedAt = &now
		delete(s.tools, p.ToolID)
	}
	s.mu.Unlock()

	s.emitEvent(wireID, event.KindToolCall, &event.Event{ToolCall: tc})
}

func (s *Session) applyStatus(wireID, from, to, reason string) {
	s.mu.Lock()
	if from == "" {
		from = s.status
	}
	s.status = to
	if to == event.StatusReady {
		// Turn boundary: purge markers that have already survived one
		// boundary, rotate the fresh ones so late fragments of a turn
		// aborted just before this boundary still drop.
		s.abortedPrev = s.aborted
		s.aborted = make(map[string]struct{})
		s.currReq = ""
	}
	s.mu.Unlock()

	s.emitEvent(wireID, event.KindStatusChange, &event.Event{
		StatusChange: &event.StatusChange{From: from, To: to, Reason: reason},
	})
}

// setStatus emits a locally synthesized status transition.
func (s *Session) setStatus(to, reason string) {
	s.applyStatus("", s.EventStatus(), to, reason)
}

// emitEvent stamps, de-duplicates and delivers one event. The remote may
// resend fragments after its own retry; duplicates are filtered by
// fingerprint before a sequence number is spent.
func (s *Session) emitEvent(wireID string, kind event.Kind, e *event.Event) {
	e.SessionID = s.Name
	e.Kind = kind
	e.Timestamp = time.Now()

	fp := wireID
	if fp == "" {
		fp = event.ComputeFingerprint(e)
	}
	e.Fingerprint = fp

	// Delivery stays inside the critical section that assigned the sequence:
	// two emitters racing here must not let seq N+1 reach the ledger or bus
	// before seq N.
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.seen.CheckAndMark(fp) {
		return
	}
	s.seq++
	e.Seq = s.seq
	if s.emit != nil {
		s.emit(e)
	}
}

// emitError surfaces a link-level error as an event.
func (s *Session) emitError(kind, msg string, retriable bool) {
	s.emitEvent("", event.KindError, &event.Event{
		Error: &event.Error{Kind: kind, Message: msg, Retriable: retriable},
	})
}

// --- liveness and reconnect ---

func (s *Session) watchdog(gen int) {
	interval := s.opts.Liveness / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		if gen != s.gen || s.state != StateConnected {
			s.mu.Unlock()
			return
		}
		conn := s.conn
		silent := time.Since(s.lastRead)
		s.mu.Unlock()

		if silent > s.opts.Liveness {
			s.logger.Warn("upstream silent beyond liveness threshold", "silent", silent)
			// Closing the conn fails the read loop, which reconnects.
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if conn != nil {
			_ = conn.WriteEnvelope(protocol.Envelope{
				Type:      protocol.TypePing,
				Timestamp: time.Now(),
				Payload:   protocol.Ping{},
			})
		}
	}
}

// reconnect runs the backoff cycle after an unexpected link loss. Sequence
// numbers continue; the server's replay after reconnect is absorbed by the
// fingerprint cache.
func (s *Session) reconnect(gen int) {
	s.emitError(event.ErrLinkLost, "link to agent server lost", true)

	s.mu.Lock()
	if gen != s.gen || s.closing {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.conn = nil
	s.mu.Unlock()

	deadline := time.Now().Add(s.opts.ReconnectWindow)
	delay := s.opts.BackoffBase

	for attempt := 1; attempt <= s.opts.Retries; attempt++ {
		jittered := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
		s.logger.Info("reconnecting", "attempt", attempt, "delay", jittered)
		time.Sleep(jittered)

		s.mu.Lock()
		if gen != s.gen || s.closing {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		id, conn, err := s.dialAndHello(ctx)
		cancel()
		if err == nil {
			s.mu.Lock()
			if s.closing {
				s.mu.Unlock()
				_ = conn.Close()
				return
			}
			if id != s.sessionID {
				s.logger.Info("agent issued new session id on reconnect",
					"old", s.sessionID, "new", id)
				s.sessionID = id
			}
			s.conn = conn
			s.state = StateConnected
			s.lastRead = time.Now()
			s.gen++
			newGen := s.gen
			s.mu.Unlock()

			go s.readLoop(conn, newGen)
			go s.watchdog(newGen)
			s.logger.Info("reconnected", "session_id", id)
			return
		}

		if errors.Is(err, ErrServerRejected) || errors.Is(err, ErrCredentialsMissing) {
			s.emitError(event.ErrCredentialsInvalid, "agent server rejected credentials", false)
			s.mu.Lock()
			s.state = StateUnconnected
			s.mu.Unlock()
			return
		}
		s.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)

		delay *= 2
		if delay > s.opts.BackoffCap {
			delay = s.opts.BackoffCap
		}
	}

	s.emitError(event.ErrReconnectExhausted, "reconnect attempts exhausted", false)
	s.mu.Lock()
	s.state = StateUnconnected
	s.mu.Unlock()
}
