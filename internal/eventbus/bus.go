// Package eventbus fans agent events and infrastructure frames out to an
// arbitrary number of subscribers. Each subscription owns a bounded queue, a
// drop policy, and a delivery worker; Publish never blocks.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/happy-ai/happyd/internal/event"
)

// DropPolicy selects what happens when a subscription queue is full.
type DropPolicy int

const (
	// DropNewest silently drops the incoming event for that subscriber and
	// reifies the loss as a Gap marker once space frees up.
	DropNewest DropPolicy = iota
	// DropOldest evicts the oldest queued message to make room.
	DropOldest
	// CoalesceUsage collapses UsageUpdate events into a single slot (newest
	// supersedes oldest); other events overflow as DropOldest.
	CoalesceUsage
)

// Filter selects which messages a subscription receives.
// SessionID "" matches all sessions; nil Kinds matches all event kinds.
// Frames (infrastructure pushes) are delivered only when Topics matches or
// AllFrames is set.
type Filter struct {
	SessionID string
	Kinds     map[event.Kind]bool
	Topics    map[string]bool
	AllFrames bool
}

func (f Filter) matchesEvent(e *event.Event) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if f.Kinds != nil && !f.Kinds[e.Kind] {
		return false
	}
	return true
}

func (f Filter) matchesFrame(topic string) bool {
	if f.AllFrames {
		return true
	}
	return f.Topics != nil && f.Topics[topic]
}

// Message is a single delivery: exactly one of Event, Gap, or Topic is set.
type Message struct {
	Event *event.Event
	Gap   *event.Gap
	Topic string
	Data  any
}

// DeliverFunc is invoked by the subscription worker for each message, in
// order. It must not call back into the bus for the same subscription.
type DeliverFunc func(Message)

// ReplaySource is the ledger-side contract for replay. Snapshot returns
// entries with fromSeq <= seq <= toSeq in sequence order; NewestSeq returns
// the current append cursor (0 when empty).
type ReplaySource interface {
	Snapshot(sessionID string, fromSeq, toSeq int64) []*event.Event
	NewestSeq(sessionID string) int64
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	ID     string
	filter Filter
	policy DropPolicy
	cap    int

	deliver DeliverFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Message
	lastSeq int64 // seq of the newest accepted event
	gapFrom int64 // last accepted seq before a drop-newest run; -1 when none
	minSeq     int64 // replay splice point: skip queued events at or below
	gated      bool  // true while a replay is delivering
	delivering bool  // worker is inside the delivery callback
	closed     bool
}

// Bus is the fan-out hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	source ReplaySource
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger.With("component", "eventbus"),
	}
}

// SetReplaySource attaches the ledger used by Replay. Must be called before
// the first Replay.
func (b *Bus) SetReplaySource(src ReplaySource) {
	b.mu.Lock()
	b.source = src
	b.mu.Unlock()
}

// Subscribe registers a subscriber and starts its delivery worker.
// queueCapacity <= 0 falls back to 256.
func (b *Bus) Subscribe(filter Filter, queueCapacity int, policy DropPolicy, deliver DeliverFunc) *Subscription {
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	sub := &Subscription{
		ID:      uuid.New().String(),
		filter:  filter,
		policy:  policy,
		cap:     queueCapacity,
		deliver: deliver,
		gapFrom: -1,
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	go sub.run()
	return sub
}

// Unsubscribe removes a subscription and stops its worker. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		sub.cond.Broadcast()
	}
	sub.mu.Unlock()
}

// Publish fans an event out to all matching subscriptions. Non-blocking:
// each subscription applies its drop policy on overflow.
func (b *Bus) Publish(e *event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter.matchesEvent(e) {
			sub.enqueueEvent(e)
		}
	}
}

// PublishFrame fans an infrastructure frame ({topic, data}) out to
// subscriptions whose filter admits the topic. Frames overflow as
// drop-oldest regardless of the subscription's event policy.
func (b *Bus) PublishFrame(topic string, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter.matchesFrame(topic) {
			sub.enqueueFrame(Message{Topic: topic, Data: data})
		}
	}
}

// Replay re-emits ledger entries matching the subscription's session filter
// with seq >= fromSeq, then resumes live delivery with events whose seq is
// strictly greater than the replay cursor. Concurrent appends are observed
// either in the snapshot or in the live stream, never lost and never twice.
func (b *Bus) Replay(sub *Subscription, fromSeq int64) {
	b.mu.RLock()
	src := b.source
	b.mu.RUnlock()
	if src == nil || sub == nil {
		return
	}

	sessionID := sub.filter.SessionID
	if sessionID == "" {
		b.logger.Warn("replay requires a session-scoped subscription", "sub_id", sub.ID)
		return
	}

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.gated = true
	// Let an in-flight delivery finish so replay cannot interleave with it.
	for sub.delivering {
		sub.cond.Wait()
	}
	sub.mu.Unlock()

	cursor := src.NewestSeq(sessionID)
	entries := src.Snapshot(sessionID, fromSeq, cursor)
	for _, e := range entries {
		if sub.filter.matchesEvent(e) {
			sub.deliver(Message{Event: e})
		}
	}

	sub.mu.Lock()
	if cursor > sub.minSeq {
		sub.minSeq = cursor
	}
	sub.gated = false
	sub.cond.Broadcast()
	sub.mu.Unlock()
}

func (s *Subscription) enqueueEvent(e *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	msg := Message{Event: e}

	if s.policy == CoalesceUsage && e.Kind == event.KindUsageUpdate {
		for i := range s.queue {
			if qe := s.queue[i].Event; qe != nil && qe.Kind == event.KindUsageUpdate && qe.SessionID == e.SessionID {
				s.queue[i] = msg
				s.lastSeq = e.Seq
				s.cond.Broadcast()
				return
			}
		}
	}

	if len(s.queue) >= s.cap {
		// Error events must always arrive: evict the oldest instead of
		// dropping the error, whatever the policy.
		dropNew := s.policy == DropNewest && e.Kind != event.KindError
		if dropNew {
			if s.gapFrom < 0 {
				s.gapFrom = s.lastSeq
			}
			return
		}
		s.queue = s.queue[1:]
	}

	// A pending gap is reified ahead of the first accepted event; the marker
	// is exempt from capacity so it cannot itself be dropped.
	if s.gapFrom >= 0 {
		s.queue = append(s.queue, Message{Gap: &event.Gap{
			SessionID: e.SessionID,
			From:      s.gapFrom,
			To:        e.Seq,
		}})
		s.gapFrom = -1
	}

	s.queue = append(s.queue, msg)
	s.lastSeq = e.Seq
	s.cond.Broadcast()
}

func (s *Subscription) enqueueFrame(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.cap {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, msg)
	s.cond.Broadcast()
}

// run is the delivery worker: it pulls messages in order and invokes the
// delivery callback outside the lock.
func (s *Subscription) run() {
	for {
		s.mu.Lock()
		for !s.closed && (len(s.queue) == 0 || s.gated) {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		if e := msg.Event; e != nil && s.minSeq > 0 &&
			e.SessionID == s.filter.SessionID && e.Seq <= s.minSeq {
			// Already delivered by replay.
			s.mu.Unlock()
			continue
		}
		s.delivering = true
		s.mu.Unlock()

		s.deliver(msg)

		s.mu.Lock()
		s.delivering = false
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}
