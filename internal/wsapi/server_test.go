package wsapi

import (
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/happy-ai/happyd/internal/event"
	"github.com/happy-ai/happyd/internal/eventbus"
	"github.com/happy-ai/happyd/internal/ledger"
	"github.com/happy-ai/happyd/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func textEvent(session string, seq int64) *event.Event {
	return &event.Event{
		SessionID:   session,
		Seq:         seq,
		Timestamp:   time.Now(),
		Fingerprint: fmt.Sprintf("%s-%d", session, seq),
		Kind:        event.KindAssistantText,
		AssistantText: &event.AssistantText{
			Content: fmt.Sprintf("fragment %d", seq),
		},
	}
}

type wsHarness struct {
	bus *eventbus.Bus
	led *ledger.Ledger
	srv *httptest.Server
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	bus := eventbus.New(testLogger())
	led := ledger.New(100, time.Hour, bus, nil, testLogger())
	srv := NewServer(bus, func() map[string]any {
		return map[string]any{"connected": true}
	}, testLogger())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &wsHarness{bus: bus, led: led, srv: ts}
}

func (h *wsHarness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestStatusSnapshotOnConnect(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, "")

	f := readFrame(t, conn)
	if f.Topic != protocol.TopicStatus {
		t.Fatalf("first topic = %q, want %q", f.Topic, protocol.TopicStatus)
	}
	data, _ := f.Data.(map[string]any)
	if data["connected"] != true {
		t.Errorf("status data = %v", f.Data)
	}
}

func TestEventTopicMapping(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, "")
	readFrame(t, conn) // status snapshot

	h.bus.Publish(textEvent("alpha", 1))
	h.bus.Publish(&event.Event{
		SessionID: "alpha", Seq: 2, Timestamp: time.Now(), Fingerprint: "u-2",
		Kind:        event.KindUsageUpdate,
		UsageUpdate: &event.UsageUpdate{InputTokens: 10},
	})
	h.bus.Publish(&event.Event{
		SessionID: "alpha", Seq: 3, Timestamp: time.Now(), Fingerprint: "s-3",
		Kind:         event.KindStatusChange,
		StatusChange: &event.StatusChange{From: event.StatusProcessing, To: event.StatusReady},
	})
	h.bus.PublishFrame(protocol.TopicFSChanged, map[string]any{"root": "/tmp"})

	want := []string{
		protocol.TopicMessage,
		protocol.TopicUsage,
		protocol.TopicEventStatus,
		protocol.TopicFSChanged,
	}
	for _, topic := range want {
		f := readFrame(t, conn)
		if f.Topic != topic {
			t.Errorf("topic = %q, want %q", f.Topic, topic)
		}
	}
}

func TestReplayThenLiveOverWebSocket(t *testing.T) {
	h := newWSHarness(t)
	for seq := int64(1); seq <= 3; seq++ {
		h.led.Append(textEvent("alpha", seq))
	}

	conn := h.dial(t, "?session=alpha&from_seq=2")
	readFrame(t, conn) // status snapshot

	h.led.Append(textEvent("alpha", 4))

	var seqs []int64
	for len(seqs) < 3 {
		f := readFrame(t, conn)
		if f.Topic != protocol.TopicMessage {
			t.Fatalf("topic = %q", f.Topic)
		}
		data, _ := f.Data.(map[string]any)
		seq, _ := data["seq"].(float64)
		seqs = append(seqs, int64(seq))
	}

	// Replay from 2 plus the live append: strictly increasing, no gap, no
	// duplicates.
	for i, want := range []int64{2, 3, 4} {
		if seqs[i] != want {
			t.Fatalf("seqs = %v, want [2 3 4]", seqs)
		}
	}
}

func TestSessionScopedFilter(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, "?session=alpha")
	readFrame(t, conn) // status snapshot

	h.bus.Publish(textEvent("beta", 1))
	h.bus.Publish(textEvent("alpha", 1))

	f := readFrame(t, conn)
	data, _ := f.Data.(map[string]any)
	if data["session_id"] != "alpha" {
		t.Errorf("leaked foreign session event: %v", f.Data)
	}
}
