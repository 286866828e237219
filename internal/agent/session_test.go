package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/happy-ai/happyd/internal/event"
	"github.com/happy-ai/happyd/pkg/protocol"
)

type fakeConn struct {
	mu      sync.Mutex
	in      chan protocol.Envelope
	writes  []protocol.Envelope
	onWrite func(protocol.Envelope)
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan protocol.Envelope, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadEnvelope() (protocol.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return protocol.Envelope{}, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteEnvelope(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, env)
	h := c.onWrite
	c.mu.Unlock()
	if h != nil {
		h(env)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written(msgType string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.writes {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// ackConnect wires the fake to answer session.connect with the ack, the way
// the server does.
func ackConnect(c *fakeConn, sessionID string) {
	c.mu.Lock()
	c.onWrite = func(env protocol.Envelope) {
		if env.Type == protocol.TypeSessionConnect {
			c.in <- protocol.Envelope{
				Type:      protocol.TypeSessionConnected,
				Timestamp: time.Now(),
				Payload:   protocol.SessionConnected{SessionID: sessionID},
			}
		}
	}
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitEvent(t *testing.T, ch <-chan *event.Event) *event.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func noEvent(t *testing.T, ch <-chan *event.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event: kind=%s seq=%d", e.Kind, e.Seq)
	case <-time.After(100 * time.Millisecond):
	}
}

// connected builds a session wired to a fake conn and connects it.
func connected(t *testing.T) (*Session, *fakeConn, chan *event.Event) {
	t.Helper()
	fc := newFakeConn()
	ackConnect(fc, "sess-1")

	events := make(chan *event.Event, 64)
	s := New("alpha", func(e *event.Event) { events <- e }, Options{
		ServerURL: "ws://test",
		AccessKey: func() (string, error) { return "key", nil },
		Dial: func(ctx context.Context, url, token string, skip bool) (Conn, error) {
			return fc, nil
		},
	}, testLogger())

	id, err := s.Connect(context.Background(), "/tmp/work", protocol.ModeDefault)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if id != "sess-1" {
		t.Fatalf("session id = %q, want sess-1", id)
	}
	t.Cleanup(s.Disconnect)
	return s, fc, events
}

func TestConnect(t *testing.T) {
	s, fc, _ := connected(t)

	if got := s.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
	if got := s.SessionID(); got != "sess-1" {
		t.Errorf("session id = %q", got)
	}
	if got := s.Workspace(); got != "/tmp/work" {
		t.Errorf("workspace = %q", got)
	}

	hellos := fc.written(protocol.TypeSessionConnect)
	if len(hellos) != 1 {
		t.Fatalf("session.connect writes = %d, want 1", len(hellos))
	}
}

func TestConnectAlreadyConnected(t *testing.T) {
	s, _, _ := connected(t)
	if _, err := s.Connect(context.Background(), "/tmp/other", protocol.ModeDefault); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnectCredentialsMissing(t *testing.T) {
	dialed := false
	s := New("alpha", nil, Options{
		AccessKey: func() (string, error) { return "", nil },
		Dial: func(ctx context.Context, url, token string, skip bool) (Conn, error) {
			dialed = true
			return nil, errors.New("should not dial")
		},
	}, testLogger())

	_, err := s.Connect(context.Background(), "/tmp", protocol.ModeDefault)
	if !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("err = %v, want ErrCredentialsMissing", err)
	}
	if dialed {
		t.Error("dialed despite missing credentials")
	}
	if got := s.State(); got != StateUnconnected {
		t.Errorf("state = %s, want unconnected", got)
	}
}

func TestConnectNetworkUnavailable(t *testing.T) {
	s := New("alpha", nil, Options{
		AccessKey: func() (string, error) { return "key", nil },
		Dial: func(ctx context.Context, url, token string, skip bool) (Conn, error) {
			return nil, errors.New("connection refused")
		},
	}, testLogger())

	_, err := s.Connect(context.Background(), "/tmp", protocol.ModeDefault)
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("err = %v, want ErrNetworkUnavailable", err)
	}
}

func TestConnectServerRejected(t *testing.T) {
	s := New("alpha", nil, Options{
		AccessKey: func() (string, error) { return "bad-key", nil },
		Dial: func(ctx context.Context, url, token string, skip bool) (Conn, error) {
			return nil, &AuthError{Status: 401}
		},
	}, testLogger())

	_, err := s.Connect(context.Background(), "/tmp", protocol.ModeDefault)
	if !errors.Is(err, ErrServerRejected) {
		t.Fatalf("err = %v, want ErrServerRejected", err)
	}
}

func TestSendUserMessageNotConnected(t *testing.T) {
	s := New("alpha", nil, Options{}, testLogger())
	if _, err := s.SendUserMessage("hi", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendUserMessageCarriesRequestID(t *testing.T) {
	s, fc, _ := connected(t)

	reqID, err := s.SendUserMessage("hello", map[string]string{"channel": "feishu"})
	if err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	if reqID == "" {
		t.Fatal("empty request id")
	}

	msgs := fc.written(protocol.TypeUserMessage)
	if len(msgs) != 1 {
		t.Fatalf("user.message writes = %d, want 1", len(msgs))
	}
	var p protocol.UserMessage
	if err := msgs[0].DecodePayload(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.RequestID != reqID {
		t.Errorf("payload request id = %q, want %q", p.RequestID, reqID)
	}
	if p.Metadata["request_id"] != reqID {
		t.Errorf("metadata request id = %q, want %q", p.Metadata["request_id"], reqID)
	}
	if p.Metadata["channel"] != "feishu" {
		t.Errorf("caller metadata lost: %v", p.Metadata)
	}
}

func TestEventSequenceAssignment(t *testing.T) {
	_, fc, events := connected(t)

	for i, content := range []string{"one", "two", "three"} {
		fc.in <- protocol.Envelope{
			Type:      protocol.TypeAssistantText,
			ID:        "msg-" + content,
			Timestamp: time.Now(),
			Payload:   protocol.AssistantText{Content: content, Final: i == 2},
		}
	}

	for want := int64(1); want <= 3; want++ {
		e := waitEvent(t, events)
		if e.Seq != want {
			t.Errorf("seq = %d, want %d", e.Seq, want)
		}
		if e.Kind != event.KindAssistantText {
			t.Errorf("kind = %s", e.Kind)
		}
		if e.SessionID != "alpha" {
			t.Errorf("session id = %q", e.SessionID)
		}
	}
}

func TestDuplicateWireIDFiltered(t *testing.T) {
	_, fc, events := connected(t)

	env := protocol.Envelope{
		Type:      protocol.TypeAssistantText,
		ID:        "msg-1",
		Timestamp: time.Now(),
		Payload:   protocol.AssistantText{Content: "hello"},
	}
	fc.in <- env
	fc.in <- env // remote retry

	e := waitEvent(t, events)
	if e.Seq != 1 {
		t.Errorf("seq = %d, want 1", e.Seq)
	}
	noEvent(t, events)
}

func TestDuplicateContentFiltered(t *testing.T) {
	// No wire ID: the content fingerprint must still catch the retry.
	_, fc, events := connected(t)

	env := protocol.Envelope{
		Type:      protocol.TypeAssistantText,
		Timestamp: time.Now(),
		Payload:   protocol.AssistantText{RequestID: "r1", Content: "hello"},
	}
	fc.in <- env
	fc.in <- env

	waitEvent(t, events)
	noEvent(t, events)
}

func TestToolCallLifecycle(t *testing.T) {
	_, fc, events := connected(t)

	send := func(id, state string, input string) {
		var raw []byte
		if input != "" {
			raw = []byte(input)
		}
		fc.in <- protocol.Envelope{
			Type:      protocol.TypeToolCall,
			ID:        "tc-" + id + "-" + state,
			Timestamp: time.Now(),
			Payload:   protocol.ToolCall{ToolID: "t1", Name: "Bash", Input: raw, State: state},
		}
	}

	send("1", event.ToolRunning, `{"command":"ls"}`)
	e := waitEvent(t, events)
	if e.Kind != event.KindToolCall || e.ToolCall.State != event.ToolRunning {
		t.Fatalf("first transition: kind=%s state=%v", e.Kind, e.ToolCall)
	}

	send("2", event.ToolAwaitingPermission, "")
	e = waitEvent(t, events)
	if e.ToolCall.State != event.ToolAwaitingPermission {
		t.Fatalf("state = %s, want awaiting-permission", e.ToolCall.State)
	}
	if string(e.ToolCall.Input) != `{"command":"ls"}` {
		t.Errorf("accumulated input lost: %s", e.ToolCall.Input)
	}

	// A late retry of the running fragment must not regress the state.
	send("3", event.ToolRunning, "")
	noEvent(t, events)

	send("4", event.ToolSucceeded, "")
	e = waitEvent(t, events)
	if e.ToolCall.State != event.ToolSucceeded {
		t.Fatalf("state = %s, want succeeded", e.ToolCall.State)
	}
	if e.ToolCall.FinishedAt == nil {
		t.Error("terminal transition missing finished timestamp")
	}
}

func TestAbortSynthesizesTurnBoundary(t *testing.T) {
	s, fc, events := connected(t)

	reqID, err := s.SendUserMessage("do something", nil)
	if err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}

	fc.in <- protocol.Envelope{
		Type:      protocol.TypeStatusChange,
		ID:        "st-1",
		Timestamp: time.Now(),
		Payload:   protocol.StatusChange{From: event.StatusIdle, To: event.StatusProcessing},
	}
	waitEvent(t, events)

	s.Abort(reqID)

	if len(fc.written(protocol.TypeTurnAbort)) != 1 {
		t.Error("turn.abort not sent")
	}

	e := waitEvent(t, events)
	if !e.IsTurnBoundary() {
		t.Fatalf("expected turn boundary, got kind=%s", e.Kind)
	}
	if e.StatusChange.Reason != "aborted" {
		t.Errorf("reason = %q, want aborted", e.StatusChange.Reason)
	}

	// Late fragments of the aborted turn are dropped.
	fc.in <- protocol.Envelope{
		Type:      protocol.TypeAssistantText,
		ID:        "late-1",
		Timestamp: time.Now(),
		Payload:   protocol.AssistantText{RequestID: reqID, Content: "stale"},
	}
	noEvent(t, events)

	// A second abort of the same turn is a no-op, not an error.
	s.Abort(reqID)
	noEvent(t, events)
}

func TestAbortMarkerSurvivesItsOwnBoundary(t *testing.T) {
	s, fc, events := connected(t)

	reqID, err := s.SendUserMessage("first", nil)
	if err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	fc.in <- protocol.Envelope{
		Type:      protocol.TypeStatusChange,
		ID:        "st-1",
		Timestamp: time.Now(),
		Payload:   protocol.StatusChange{From: event.StatusIdle, To: event.StatusProcessing},
	}
	waitEvent(t, events)

	// The abort synthesizes its own ready boundary; the marker must outlive
	// that boundary or late fragments of the aborted turn leak through.
	s.Abort(reqID)
	if e := waitEvent(t, events); !e.IsTurnBoundary() {
		t.Fatalf("expected turn boundary, got kind=%s", e.Kind)
	}

	fc.in <- protocol.Envelope{
		Type:      protocol.TypeAssistantText,
		ID:        "late-a",
		Timestamp: time.Now(),
		Payload:   protocol.AssistantText{RequestID: reqID, Content: "stale"},
	}
	noEvent(t, events)

	// A new turn is unaffected by the lingering marker.
	req2, err := s.SendUserMessage("second", nil)
	if err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	fc.in <- protocol.Envelope{
		Type:      protocol.TypeAssistantText,
		ID:        "fresh-1",
		Timestamp: time.Now(),
		Payload:   protocol.AssistantText{RequestID: req2, Content: "fresh"},
	}
	if e := waitEvent(t, events); e.AssistantText == nil || e.AssistantText.Content != "fresh" {
		t.Fatalf("new turn blocked by stale abort marker: %+v", e)
	}

	// And the aborted turn stays dropped while the new one is open.
	fc.in <- protocol.Envelope{
		Type:      protocol.TypeAssistantText,
		ID:        "late-b",
		Timestamp: time.Now(),
		Payload:   protocol.AssistantText{RequestID: reqID, Content: "stale again"},
	}
	noEvent(t, events)
}

func TestReconnectExhausted(t *testing.T) {
	fc := newFakeConn()
	ackConnect(fc, "sess-1")

	var mu sync.Mutex
	dials := 0
	events := make(chan *event.Event, 64)
	s := New("alpha", func(e *event.Event) { events <- e }, Options{
		AccessKey:   func() (string, error) { return "key", nil },
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		Retries:     3,
		Dial: func(ctx context.Context, url, token string, skip bool) (Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++
			if dials == 1 {
				return fc, nil
			}
			return nil, errors.New("connection refused")
		},
	}, testLogger())

	if _, err := s.Connect(context.Background(), "/tmp", protocol.ModeDefault); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Simulate a dropped link.
	fc.Close()

	var kinds []string
	deadline := time.After(5 * time.Second)
	for len(kinds) < 2 {
		select {
		case e := <-events:
			if e.Kind == event.KindError {
				kinds = append(kinds, e.Error.Kind)
			}
		case <-deadline:
			t.Fatalf("timed out, error kinds so far: %v", kinds)
		}
	}

	if kinds[0] != event.ErrLinkLost {
		t.Errorf("first error = %s, want LinkLost", kinds[0])
	}
	if kinds[1] != event.ErrReconnectExhausted {
		t.Errorf("second error = %s, want ReconnectExhausted", kinds[1])
	}
	if got := s.State(); got != StateUnconnected {
		t.Errorf("state = %s, want unconnected", got)
	}

	mu.Lock()
	total := dials
	mu.Unlock()
	if total != 4 { // initial dial + 3 retries
		t.Errorf("dial attempts = %d, want 4", total)
	}
}

func TestReconnectResumesSequence(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	ackConnect(first, "sess-1")
	ackConnect(second, "sess-1")

	var mu sync.Mutex
	dials := 0
	events := make(chan *event.Event, 64)
	s := New("alpha", func(e *event.Event) { events <- e }, Options{
		AccessKey:   func() (string, error) { return "key", nil },
		BackoffBase: time.Millisecond,
		Dial: func(ctx context.Context, url, token string, skip bool) (Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++
			if dials == 1 {
				return first, nil
			}
			return second, nil
		},
	}, testLogger())

	if _, err := s.Connect(context.Background(), "/tmp", protocol.ModeDefault); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(s.Disconnect)

	first.in <- protocol.Envelope{
		Type:    protocol.TypeAssistantText,
		ID:      "m1",
		Payload: protocol.AssistantText{Content: "before"},
	}
	if e := waitEvent(t, events); e.Seq != 1 {
		t.Fatalf("seq = %d, want 1", e.Seq)
	}

	first.Close()

	// LinkLost error precedes the reconnect cycle.
	e := waitEvent(t, events)
	if e.Kind != event.KindError || e.Error.Kind != event.ErrLinkLost {
		t.Fatalf("expected LinkLost, got %+v", e)
	}
	linkLostSeq := e.Seq

	// Server replays the last fragment after reconnect, then continues.
	second.in <- protocol.Envelope{
		Type:    protocol.TypeAssistantText,
		ID:      "m1",
		Payload: protocol.AssistantText{Content: "before"},
	}
	second.in <- protocol.Envelope{
		Type:    protocol.TypeAssistantText,
		ID:      "m2",
		Payload: protocol.AssistantText{Content: "after"},
	}

	e = waitEvent(t, events)
	if e.AssistantText == nil || e.AssistantText.Content != "after" {
		t.Fatalf("replayed duplicate not filtered: %+v", e)
	}
	if e.Seq != linkLostSeq+1 {
		t.Errorf("seq = %d, want %d (continuous across reconnect)", e.Seq, linkLostSeq+1)
	}
}

func TestEmitDeliversInSequenceOrder(t *testing.T) {
	// Racing emitters must never hand a subscriber seq N+1 before seq N:
	// sequence assignment and delivery share one critical section.
	var mu sync.Mutex
	var seqs []int64
	s := New("alpha", func(e *event.Event) {
		mu.Lock()
		seqs = append(seqs, e.Seq)
		mu.Unlock()
	}, Options{}, testLogger())

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.emitEvent(fmt.Sprintf("w%d-%d", w, i), event.KindAssistantText, &event.Event{
					AssistantText: &event.AssistantText{Content: "x"},
				})
			}
		}(w)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != workers*perWorker {
		t.Fatalf("delivered %d events, want %d", len(seqs), workers*perWorker)
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("delivery out of order at index %d: seq %d", i, seq)
		}
	}
}
