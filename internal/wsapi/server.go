// Package wsapi pushes the event stream to local WebSocket clients as
// {topic, data} frames. A client connecting with ?session=NAME&from_seq=K
// gets a ledger replay from K spliced seamlessly into live delivery.
package wsapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/happy-ai/happyd/internal/event"
	"github.com/happy-ai/happyd/internal/eventbus"
	"github.com/happy-ai/happyd/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// Server owns the local push endpoint.
type Server struct {
	bus      *eventbus.Bus
	status   func() map[string]any // snapshot pushed as happy:status on connect
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the push server. status may be nil.
func NewServer(bus *eventbus.Bus, status func() map[string]any, logger *slog.Logger) *Server {
	return &Server{
		bus:    bus,
		status: status,
		logger: logger.With("component", "wsapi"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the WebSocket endpoint handler.
func (s *Server) Handler() http.HandlerFunc {
	return s.handleWS
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	fromSeq := int64(0)
	if v := r.URL.Query().Get("from_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			fromSeq = n
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeFrame := func(f protocol.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(f)
	}

	if s.status != nil {
		if err := writeFrame(protocol.Frame{Topic: protocol.TopicStatus, Data: s.status()}); err != nil {
			return
		}
	}

	closed := make(chan struct{})
	var closeOnce sync.Once
	sub := s.bus.Subscribe(eventbus.Filter{
		SessionID: session,
		AllFrames: true,
	}, 256, eventbus.CoalesceUsage, func(m eventbus.Message) {
		if err := writeFrame(frameFor(m)); err != nil {
			closeOnce.Do(func() { close(closed) })
		}
	})
	defer s.bus.Unsubscribe(sub)

	if session != "" && fromSeq > 0 {
		s.bus.Replay(sub, fromSeq)
	}

	s.logger.Info("client connected", "session", session, "from_seq", fromSeq)

	// The connection is push-only; the read loop just notices the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeOnce.Do(func() { close(closed) })
				return
			}
		}
	}()

	<-closed
	s.logger.Info("client disconnected", "session", session)
}

// frameFor maps a bus delivery onto the wire topic set.
func frameFor(m eventbus.Message) protocol.Frame {
	switch {
	case m.Gap != nil:
		return protocol.Frame{Topic: protocol.TopicMessage, Data: map[string]any{
			"gap":     true,
			"session": m.Gap.SessionID,
			"from":    m.Gap.From,
			"to":      m.Gap.To,
		}}
	case m.Event != nil:
		return protocol.Frame{Topic: topicFor(m.Event.Kind), Data: m.Event}
	default:
		return protocol.Frame{Topic: m.Topic, Data: m.Data}
	}
}

func topicFor(kind event.Kind) string {
	switch kind {
	case event.KindStatusChange:
		return protocol.TopicEventStatus
	case event.KindUsageUpdate:
		return protocol.TopicUsage
	case event.KindError:
		return protocol.TopicError
	default:
		// assistant text, tool calls and permission prompts all travel as
		// message frames.
		return protocol.TopicMessage
	}
}
