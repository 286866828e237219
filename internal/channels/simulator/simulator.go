// Package simulator provides an in-memory channel adapter used by the HTTP
// simulator endpoints and by tests: inbound messages are injected by hand,
// outbound replies collect in an inspectable outbox.
package simulator

import (
	"context"
	"errors"
	"sync"

	"github.com/happy-ai/happyd/internal/bridge"
)

// Adapter implements bridge.Adapter without any external transport.
type Adapter struct {
	mu      sync.Mutex
	sink    bridge.InboundSink
	outbox  []bridge.OutboundMessage
	typing  []string
	started bool
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "simulator" }

func (a *Adapter) Start(ctx context.Context, sink bridge.InboundSink) error {
	a.mu.Lock()
	a.sink = sink
	a.started = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Send(ctx context.Context, msg bridge.OutboundMessage) error {
	a.mu.Lock()
	a.outbox = append(a.outbox, msg)
	a.mu.Unlock()
	return nil
}

// SendTyping records the typing signal so tests and the simulator endpoints
// can observe it. Implements bridge.TypingNotifier.
func (a *Adapter) SendTyping(ctx context.Context, to string) error {
	a.mu.Lock()
	a.typing = append(a.typing, to)
	a.mu.Unlock()
	return nil
}

// TypingSignals snapshots the recorded typing targets.
func (a *Adapter) TypingSignals() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.typing...)
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	a.started = false
	a.mu.Unlock()
	return nil
}

// Inject delivers one inbound message as if a user had sent it.
func (a *Adapter) Inject(sender, text, replyTo string) error {
	a.mu.Lock()
	sink := a.sink
	started := a.started
	a.mu.Unlock()
	if !started || sink == nil {
		return errors.New("simulator not started")
	}
	sink(bridge.InboundMessage{Sender: sender, Text: text, ReplyTo: replyTo})
	return nil
}

// Outbox snapshots the collected outbound messages.
func (a *Adapter) Outbox() []bridge.OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bridge.OutboundMessage(nil), a.outbox...)
}

// Drain returns and clears the outbox.
func (a *Adapter) Drain() []bridge.OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.outbox
	a.outbox = nil
	return out
}
