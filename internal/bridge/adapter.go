package bridge

import (
	"context"
	"errors"
)

// InboundMessage is one user message arriving from a channel.
type InboundMessage struct {
	Channel  string            `json:"channel"`
	Sender   string            `json:"sender,omitempty"`
	Text     string            `json:"text"`
	ReplyTo  string            `json:"reply_to,omitempty"` // channel-native thread or message id
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Outbound message kinds.
const (
	OutboundReply  = "reply"
	OutboundError  = "error"
	OutboundNotice = "notice"
)

// OutboundMessage is one message the bridge delivers back to a channel.
type OutboundMessage struct {
	Channel string `json:"channel"`
	Kind    string `json:"kind"`
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// InboundSink receives messages an adapter pulls off its transport.
type InboundSink func(InboundMessage)

// Adapter is a pluggable channel transport. Start must not block; the
// adapter delivers inbound traffic to the sink until Stop.
type Adapter interface {
	Name() string
	Start(ctx context.Context, sink InboundSink) error
	Send(ctx context.Context, msg OutboundMessage) error
	Stop() error
}

// TypingNotifier is an optional adapter capability. Channels that can show a
// typing indicator implement it; the bridge signals it when an inbound is
// accepted for a turn, so the user sees activity before the reply lands.
type TypingNotifier interface {
	SendTyping(ctx context.Context, to string) error
}

// ErrIgnoreMessage is returned by a Policy for traffic that simply is not
// addressed to the agent (no mention, bot echo). The message is dropped
// without a rejection reply.
var ErrIgnoreMessage = errors.New("message not addressed to agent")

// Policy screens inbound messages before they reach a session. A nil error
// admits the message; ErrIgnoreMessage drops it silently; any other error
// produces a rejection reply on the channel.
type Policy func(InboundMessage) error
