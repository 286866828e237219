// Package bridge connects messaging channels to agent sessions. Each
// registered adapter feeds inbound user messages into a session and gets the
// assistant's replies back, correlated by request id where the agent echoes
// it and by arrival order where it does not.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/happy-ai/happyd/internal/event"
	"github.com/happy-ai/happyd/internal/eventbus"
	"github.com/happy-ai/happyd/internal/router"
	"github.com/happy-ai/happyd/pkg/protocol"
)

var (
	ErrDuplicateChannel = errors.New("channel already registered")
	ErrUnknownChannel   = errors.New("unknown channel")
)

// Sessions is the session surface the bridge needs. *router.Router
// satisfies it.
type Sessions interface {
	SendMessage(name, text string, metadata map[string]string) (string, error)
	Abort(name, requestID string) error
	Switching(name string) bool
}

// Stats counts bridge activity since start.
type Stats struct {
	Delivered        int64 `json:"delivered"`
	Timeouts         int64 `json:"timeouts"`
	FallbackMatches  int64 `json:"fallback_matches"`
	PolicyRejections int64 `json:"policy_rejections"`
	ScrollbackHeld   int64 `json:"scrollback_held"`
	SwitchBuffered   int64 `json:"switch_buffered"`
	SwitchRejected   int64 `json:"switch_rejected"`
}

// Options tunes bridge behavior.
type Options struct {
	TurnTimeout     time.Duration // default 120s
	SwitchBufferCap int           // default 100
	ScrollbackCap   int           // unforwarded inbounds kept per chat, default 20
	HistoryCap      int           // outbound history per channel, default 200
}

func (o *Options) defaults() {
	if o.TurnTimeout == 0 {
		o.TurnTimeout = 120 * time.Second
	}
	if o.SwitchBufferCap == 0 {
		o.SwitchBufferCap = 100
	}
	if o.ScrollbackCap == 0 {
		o.ScrollbackCap = 20
	}
	if o.HistoryCap == 0 {
		o.HistoryCap = 200
	}
}

type channelState struct {
	adapter  Adapter
	session  string
	policy   Policy
	outbound chan OutboundMessage
	history  *ring

	// scrollback holds inbounds a decorative policy rejection kept off the
	// session, per chat. They ride along as context on the next forwarded
	// turn in that chat, then the chat's buffer clears. Guarded by Bridge.mu.
	scrollback map[string][]InboundMessage
}

type pendingRequest struct {
	requestID string
	channel   string
	session   string
	replyTo   string
	createdAt time.Time
	buf       strings.Builder
	timer     *time.Timer
	done      bool
}

// Bridge is the channel fan-in/fan-out hub.
type Bridge struct {
	sessions Sessions
	bus      *eventbus.Bus
	opts     Options
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    *eventbus.Subscription
	wg     sync.WaitGroup

	mu        sync.Mutex
	channels  map[string]*channelState
	byRequest map[string]*pendingRequest
	fifo      map[string][]*pendingRequest // per session, oldest first
	switchBuf map[string][]InboundMessage  // per session, while switching
	stats     Stats
	started   bool
}

// New creates a bridge. Call Start to begin moving traffic.
func New(sessions Sessions, bus *eventbus.Bus, opts Options, logger *slog.Logger) *Bridge {
	opts.defaults()
	return &Bridge{
		sessions:  sessions,
		bus:       bus,
		opts:      opts,
		logger:    logger.With("component", "bridge"),
		channels:  make(map[string]*channelState),
		byRequest: make(map[string]*pendingRequest),
		fifo:      make(map[string][]*pendingRequest),
		switchBuf: make(map[string][]InboundMessage),
	}
}

// Register binds an adapter to a session. policy nil admits everything.
func (b *Bridge) Register(adapter Adapter, session string, policy Policy) error {
	name := adapter.Name()
	if policy == nil {
		policy = func(InboundMessage) error { return nil }
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateChannel, name)
	}
	cs := &channelState{
		adapter:    adapter,
		session:    session,
		policy:     policy,
		outbound:   make(chan OutboundMessage, 64),
		history:    newRing(b.opts.HistoryCap),
		scrollback: make(map[string][]InboundMessage),
	}
	b.channels[name] = cs

	if b.started {
		b.startChannel(cs)
	}
	return nil
}

// Start subscribes to the event stream and starts all registered adapters.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.sub = b.bus.Subscribe(eventbus.Filter{
		Kinds: map[event.Kind]bool{
			event.KindAssistantText: true,
			event.KindStatusChange:  true,
			event.KindError:         true,
		},
		Topics: map[string]bool{protocol.TopicWorkDirSwitched: true},
	}, 512, eventbus.DropOldest, b.onBusMessage)

	b.mu.Lock()
	b.started = true
	all := make([]*channelState, 0, len(b.channels))
	for _, cs := range b.channels {
		all = append(all, cs)
	}
	b.mu.Unlock()

	for _, cs := range all {
		b.startChannel(cs)
	}
	return nil
}

func (b *Bridge) startChannel(cs *channelState) {
	if err := cs.adapter.Start(b.ctx, b.inboundSink(cs)); err != nil {
		b.logger.Error("adapter start failed", "channel", cs.adapter.Name(), "error", err)
		return
	}
	b.wg.Add(1)
	go b.outboundWorker(cs)
	b.logger.Info("channel started", "channel", cs.adapter.Name(), "session", cs.session)
}

// outboundWorker serializes deliveries per channel so replies keep order.
func (b *Bridge) outboundWorker(cs *channelState) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-cs.outbound:
			ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
			err := cs.adapter.Send(ctx, msg)
			cancel()
			if err != nil {
				b.logger.Warn("outbound delivery failed",
					"channel", msg.Channel, "kind", msg.Kind, "error", err)
				continue
			}
			cs.history.push(msg)
			if msg.Kind == OutboundReply {
				b.mu.Lock()
				b.stats.Delivered++
				b.mu.Unlock()
			}
		}
	}
}

// Close stops adapters and the event subscription.
func (b *Bridge) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.sub != nil {
		b.bus.Unsubscribe(b.sub)
	}

	b.mu.Lock()
	all := make([]*channelState, 0, len(b.channels))
	for _, cs := range b.channels {
		all = append(all, cs)
	}
	for _, p := range b.byRequest {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	b.mu.Unlock()

	for _, cs := range all {
		if err := cs.adapter.Stop(); err != nil {
			b.logger.Warn("adapter stop failed", "channel", cs.adapter.Name(), "error", err)
		}
	}
	b.wg.Wait()
}

// History returns up to n most recent outbound messages for the channel,
// oldest first.
func (b *Bridge) History(channel string, n int) ([]OutboundMessage, error) {
	b.mu.Lock()
	cs, ok := b.channels[channel]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	return cs.history.last(n), nil
}

// Stats snapshots the counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// --- inbound path ---

func (b *Bridge) inboundSink(cs *channelState) InboundSink {
	return func(in InboundMessage) {
		in.Channel = cs.adapter.Name()
		b.handleInbound(cs, in)
	}
}

func (b *Bridge) handleInbound(cs *channelState, in InboundMessage) {
	if err := cs.policy(in); err != nil {
		if errors.Is(err, ErrIgnoreMessage) {
			// Decorative rejection: not addressed to the agent, but worth
			// keeping as context for the next forwarded turn in this chat.
			b.archiveScrollback(cs, in)
			return
		}
		// Hostile rejection: no archival, the sender is told.
		b.mu.Lock()
		b.stats.PolicyRejections++
		b.mu.Unlock()
		b.send(cs, OutboundMessage{
			Channel: in.Channel,
			Kind:    OutboundError,
			Text:    fmt.Sprintf("message rejected (%s): %v", event.ErrPolicyRejected, err),
			ReplyTo: in.ReplyTo,
		})
		return
	}

	if b.sessions.Switching(cs.session) {
		b.mu.Lock()
		if len(b.switchBuf[cs.session]) < b.opts.SwitchBufferCap {
			b.switchBuf[cs.session] = append(b.switchBuf[cs.session], in)
			b.stats.SwitchBuffered++
			b.mu.Unlock()
			return
		}
		b.stats.SwitchRejected++
		b.mu.Unlock()
		b.send(cs, OutboundMessage{
			Channel: in.Channel,
			Kind:    OutboundError,
			Text:    "workspace switch in progress, try again shortly",
			ReplyTo: in.ReplyTo,
		})
		return
	}

	b.dispatch(cs, in)
}

// chatKey scopes scrollback to one conversation: the channel's chat id where
// the adapter provides one, the sender otherwise.
func chatKey(in InboundMessage) string {
	if c := in.Metadata["chat"]; c != "" {
		return c
	}
	if in.Sender != "" {
		return in.Sender
	}
	return in.Channel
}

// archiveScrollback retains an unforwarded inbound, bounded per chat with the
// oldest evicted first.
func (b *Bridge) archiveScrollback(cs *channelState, in InboundMessage) {
	key := chatKey(in)
	b.mu.Lock()
	q := append(cs.scrollback[key], in)
	if over := len(q) - b.opts.ScrollbackCap; over > 0 {
		q = q[over:]
	}
	cs.scrollback[key] = q
	b.stats.ScrollbackHeld++
	b.mu.Unlock()
}

func (b *Bridge) drainScrollback(cs *channelState, key string) []InboundMessage {
	b.mu.Lock()
	held := cs.scrollback[key]
	delete(cs.scrollback, key)
	b.mu.Unlock()
	return held
}

func (b *Bridge) dispatch(cs *channelState, in InboundMessage) {
	md := map[string]string{"channel": in.Channel}
	if in.Sender != "" {
		md["sender"] = in.Sender
	}

	// A forwarded turn carries the chat's unforwarded backlog as context
	// lines, then the backlog clears.
	text := in.Text
	if held := b.drainScrollback(cs, chatKey(in)); len(held) > 0 {
		var sb strings.Builder
		for _, prev := range held {
			sb.WriteString("[earlier in chat] ")
			if prev.Sender != "" {
				sb.WriteString(prev.Sender)
				sb.WriteString(": ")
			}
			sb.WriteString(prev.Text)
			sb.WriteByte('\n')
		}
		sb.WriteString(text)
		text = sb.String()
	}

	if tn, ok := cs.adapter.(TypingNotifier); ok {
		go func(to string) {
			ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
			defer cancel()
			if err := tn.SendTyping(ctx, to); err != nil {
				b.logger.Debug("typing signal failed", "channel", in.Channel, "error", err)
			}
		}(in.ReplyTo)
	}

	requestID, err := b.sessions.SendMessage(cs.session, text, md)
	if err != nil {
		b.logger.Warn("inbound dispatch failed",
			"channel", in.Channel, "session", cs.session, "error", err)
		b.send(cs, OutboundMessage{
			Channel: in.Channel,
			Kind:    OutboundError,
			Text:    "could not reach agent: " + err.Error(),
			ReplyTo: in.ReplyTo,
		})
		return
	}

	p := &pendingRequest{
		requestID: requestID,
		channel:   in.Channel,
		session:   cs.session,
		replyTo:   in.ReplyTo,
		createdAt: time.Now(),
	}
	p.timer = time.AfterFunc(b.opts.TurnTimeout, func() { b.onTimeout(p) })

	b.mu.Lock()
	b.byRequest[requestID] = p
	b.fifo[cs.session] = append(b.fifo[cs.session], p)
	b.mu.Unlock()
}

func (b *Bridge) onTimeout(p *pendingRequest) {
	b.mu.Lock()
	if p.done {
		b.mu.Unlock()
		return
	}
	b.completeLocked(p)
	b.stats.Timeouts++
	cs := b.channels[p.channel]
	b.mu.Unlock()

	b.logger.Warn("turn timed out", "session", p.session, "request_id", p.requestID)
	_ = b.sessions.Abort(p.session, p.requestID)
	if cs != nil {
		b.send(cs, OutboundMessage{
			Channel: p.channel,
			Kind:    OutboundError,
			Text:    "the agent did not answer in time; the turn was aborted",
			ReplyTo: p.replyTo,
		})
	}
}

// completeLocked removes p from the correlation tables. Caller holds b.mu.
func (b *Bridge) completeLocked(p *pendingRequest) {
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(b.byRequest, p.requestID)
	q := b.fifo[p.session]
	for i, cand := range q {
		if cand == p {
			b.fifo[p.session] = append(q[:i], q[i+1:]...)
			break
		}
	}
}

// --- outbound path (event stream) ---

func (b *Bridge) onBusMessage(m eventbus.Message) {
	switch {
	case m.Event != nil:
		b.onEvent(m.Event)
	case m.Topic == protocol.TopicWorkDirSwitched:
		b.onSwitchDone(m.Data)
	}
}

func (b *Bridge) onEvent(e *event.Event) {
	switch e.Kind {
	case event.KindAssistantText:
		b.onAssistantText(e)
	case event.KindStatusChange:
		if e.IsTurnBoundary() {
			b.flushSession(e.SessionID, "")
		}
	case event.KindError:
		b.onError(e)
	}
}

// correlate finds the pending request an event belongs to. Direct match by
// echoed request id when present; otherwise the oldest in-flight request for
// the session (the agent answers in order, so FIFO is the best available
// guess; the match is counted so operators can see how often it happens).
func (b *Bridge) correlate(sessionID, requestID string) *pendingRequest {
	if requestID != "" {
		return b.byRequest[requestID]
	}
	if q := b.fifo[sessionID]; len(q) > 0 {
		b.stats.FallbackMatches++
		return q[0]
	}
	return nil
}

func (b *Bridge) onAssistantText(e *event.Event) {
	t := e.AssistantText

	b.mu.Lock()
	p := b.correlate(e.SessionID, t.RequestID)
	if p == nil || p.done {
		b.mu.Unlock()
		return
	}
	p.buf.WriteString(t.Content)
	if !t.IsFinal {
		b.mu.Unlock()
		return
	}
	text := p.buf.String()
	b.completeLocked(p)
	cs := b.channels[p.channel]
	b.mu.Unlock()

	if cs != nil && text != "" {
		b.send(cs, OutboundMessage{
			Channel: p.channel,
			Kind:    OutboundReply,
			Text:    text,
			ReplyTo: p.replyTo,
		})
	}
}

// flushSession closes out the oldest pending request for the session, used
// at turn boundaries when no final fragment arrived.
func (b *Bridge) flushSession(sessionID, reason string) {
	b.mu.Lock()
	q := b.fifo[sessionID]
	if len(q) == 0 {
		b.mu.Unlock()
		return
	}
	p := q[0]
	text := p.buf.String()
	b.completeLocked(p)
	cs := b.channels[p.channel]
	b.mu.Unlock()

	if cs == nil {
		return
	}
	switch {
	case text != "":
		b.send(cs, OutboundMessage{
			Channel: p.channel, Kind: OutboundReply, Text: text, ReplyTo: p.replyTo,
		})
	case reason != "":
		b.send(cs, OutboundMessage{
			Channel: p.channel, Kind: OutboundError, Text: reason, ReplyTo: p.replyTo,
		})
	}
}

func (b *Bridge) onError(e *event.Event) {
	// Retriable link errors resolve themselves; only terminal errors are
	// worth surfacing to the channel user.
	if e.Error.Retriable {
		return
	}
	b.flushSession(e.SessionID, fmt.Sprintf("agent error (%s): %s", e.Error.Kind, e.Error.Message))
}

func (b *Bridge) onSwitchDone(data any) {
	m, ok := data.(map[string]any)
	if !ok {
		return
	}
	session, _ := m["session"].(string)
	if session == "" {
		return
	}

	b.mu.Lock()
	buffered := b.switchBuf[session]
	delete(b.switchBuf, session)
	b.mu.Unlock()

	for _, in := range buffered {
		b.mu.Lock()
		cs := b.channels[in.Channel]
		b.mu.Unlock()
		if cs != nil {
			b.dispatch(cs, in)
		}
	}
	if len(buffered) > 0 {
		b.logger.Info("replayed buffered messages after workspace switch",
			"session", session, "count", len(buffered))
	}
}

func (b *Bridge) send(cs *channelState, msg OutboundMessage) {
	select {
	case cs.outbound <- msg:
	default:
		b.logger.Warn("outbound queue full, dropping message",
			"channel", msg.Channel, "kind", msg.Kind, "error_kind", event.ErrThrottled)
	}
}

var _ Sessions = (*router.Router)(nil)
