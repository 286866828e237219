// Package ledger keeps a bounded, ordered, de-duplicated record of agent
// events per session. It backs late-subscriber replay and survives restarts
// best-effort through a pluggable shard store.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/happy-ai/happyd/internal/event"
	"github.com/happy-ai/happyd/internal/eventbus"
	"github.com/happy-ai/happyd/pkg/protocol"
)

type entry struct {
	ev       *event.Event
	deadline time.Time // retention deadline; trimmed once passed
}

type sessionLedger struct {
	mu      sync.Mutex
	entries []entry
	fps     map[string]struct{}
}

// Ledger is the per-session event history. Appends obtain the sequence
// cursor and publish to the bus inside the same critical section boundary,
// so replay+subscribe observes a consistent splice (see eventbus.Replay).
type Ledger struct {
	maxEntries int
	maxAge     time.Duration
	bus        *eventbus.Bus
	store      Store // nil disables persistence
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionLedger

	writeCh chan *event.Event
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a ledger bounded to maxEntries and maxAge per session.
// store may be nil for memory-only operation.
func New(maxEntries int, maxAge time.Duration, bus *eventbus.Bus, store Store, logger *slog.Logger) *Ledger {
	l := &Ledger{
		maxEntries: maxEntries,
		maxAge:     maxAge,
		bus:        bus,
		store:      store,
		logger:     logger.With("component", "ledger"),
		sessions:   make(map[string]*sessionLedger),
		writeCh:    make(chan *event.Event, 512),
		done:       make(chan struct{}),
	}
	bus.SetReplaySource(l)
	if store != nil {
		l.wg.Add(1)
		go l.writeLoop()
	}
	return l
}

func (l *Ledger) session(id string) *sessionLedger {
	l.mu.RLock()
	s, ok := l.sessions[id]
	l.mu.RUnlock()
	if ok {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.sessions[id]; ok {
		return s
	}
	s = &sessionLedger{fps: make(map[string]struct{})}
	l.sessions[id] = s
	return s
}

// Append records an event and publishes it to the bus. Idempotent on
// fingerprint: a duplicate is dropped entirely (not published) and Append
// returns false.
func (l *Ledger) Append(e *event.Event) bool {
	s := l.session(e.SessionID)

	s.mu.Lock()
	if _, dup := s.fps[e.Fingerprint]; dup {
		s.mu.Unlock()
		return false
	}
	s.fps[e.Fingerprint] = struct{}{}
	s.entries = append(s.entries, entry{ev: e, deadline: e.Timestamp.Add(l.maxAge)})
	l.trimAge(s, time.Now())
	l.trimCount(s)
	// Publish before releasing the session lock. Publishing only enqueues,
	// and holding the lock keeps bus order identical to append order when
	// two appends for the same session race.
	l.bus.Publish(e)
	s.mu.Unlock()

	if l.store != nil {
		select {
		case l.writeCh <- e:
		default:
			l.logger.Warn("ledger persistence backlog full, dropping write",
				"session_id", e.SessionID, "seq", e.Seq)
		}
	}
	return true
}

// trimAge and trimCount enforce the retention bounds, from the front only.
// Callers hold s.mu.
func (l *Ledger) trimAge(s *sessionLedger, now time.Time) {
	for len(s.entries) > 0 && now.After(s.entries[0].deadline) {
		delete(s.fps, s.entries[0].ev.Fingerprint)
		s.entries = s.entries[1:]
	}
}

func (l *Ledger) trimCount(s *sessionLedger) {
	for len(s.entries) > l.maxEntries {
		delete(s.fps, s.entries[0].ev.Fingerprint)
		s.entries = s.entries[1:]
	}
}

// Snapshot returns retained events with fromSeq <= seq <= toSeq in order.
// toSeq <= 0 means "through the newest". Implements eventbus.ReplaySource.
func (l *Ledger) Snapshot(sessionID string, fromSeq, toSeq int64) []*event.Event {
	s := l.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*event.Event, 0, len(s.entries))
	for _, en := range s.entries {
		if en.ev.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && en.ev.Seq > toSeq {
			break
		}
		out = append(out, en.ev)
	}
	return out
}

// NewestSeq returns the newest retained sequence number, 0 when empty.
// Implements eventbus.ReplaySource.
func (l *Ledger) NewestSeq(sessionID string) int64 {
	s := l.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return 0
	}
	return s.entries[len(s.entries)-1].ev.Seq
}

// Size returns (count, oldestSeq, newestSeq) for a session.
func (l *Ledger) Size(sessionID string) (int, int64, int64) {
	s := l.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return 0, 0, 0
	}
	return len(s.entries), s.entries[0].ev.Seq, s.entries[len(s.entries)-1].ev.Seq
}

// Clear drops all retained entries for a session, in memory and in the store.
func (l *Ledger) Clear(sessionID string) {
	s := l.session(sessionID)
	s.mu.Lock()
	s.entries = nil
	s.fps = make(map[string]struct{})
	s.mu.Unlock()

	if l.store != nil {
		if err := l.store.Clear(context.Background(), sessionID); err != nil {
			l.logger.Warn("ledger store clear failed", "session_id", sessionID, "error", err)
		}
	}
}

// Restore loads persisted shards into memory and announces the restored
// sessions on the bus. Best-effort: store errors are logged, not fatal.
func (l *Ledger) Restore(ctx context.Context) {
	if l.store == nil {
		return
	}
	sessions, err := l.store.Sessions(ctx)
	if err != nil {
		l.logger.Warn("ledger restore: list sessions failed", "error", err)
		return
	}
	for _, id := range sessions {
		events, err := l.store.Load(ctx, id, l.maxEntries)
		if err != nil {
			l.logger.Warn("ledger restore failed", "session_id", id, "error", err)
			continue
		}
		s := l.session(id)
		s.mu.Lock()
		now := time.Now()
		for _, e := range events {
			if _, dup := s.fps[e.Fingerprint]; dup {
				continue
			}
			deadline := e.Timestamp.Add(l.maxAge)
			if now.After(deadline) {
				continue
			}
			s.fps[e.Fingerprint] = struct{}{}
			s.entries = append(s.entries, entry{ev: e, deadline: deadline})
		}
		l.trimCount(s)
		count := len(s.entries)
		s.mu.Unlock()

		if count > 0 {
			l.bus.PublishFrame(protocol.TopicMessagesRestored, map[string]any{
				"session_id": id,
				"count":      count,
			})
			l.logger.Info("ledger restored", "session_id", id, "events", count)
		}
	}
}

func (l *Ledger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.writeCh:
			if err := l.store.Append(context.Background(), e); err != nil {
				l.logger.Debug("ledger store append failed",
					"session_id", e.SessionID, "seq", e.Seq, "error", err)
			}
		case <-l.done:
			// Drain what is already queued.
			for {
				select {
				case e := <-l.writeCh:
					_ = l.store.Append(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

// Close flushes pending writes and closes the store.
func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return l.store.Close()
}
