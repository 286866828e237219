package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/happy-ai/happyd/internal/agent"
	"github.com/happy-ai/happyd/internal/event"
	"github.com/happy-ai/happyd/internal/eventbus"
	"github.com/happy-ai/happyd/pkg/protocol"
)

// scriptConn is a minimal in-memory Conn that acks session.connect.
type scriptConn struct {
	mu     sync.Mutex
	in     chan protocol.Envelope
	writes []protocol.Envelope
	closed chan struct{}
	once   sync.Once
	nextID string
}

func newScriptConn(sessionID string) *scriptConn {
	return &scriptConn{
		in:     make(chan protocol.Envelope, 16),
		closed: make(chan struct{}),
		nextID: sessionID,
	}
}

func (c *scriptConn) ReadEnvelope() (protocol.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return protocol.Envelope{}, errors.New("closed")
	}
}

func (c *scriptConn) WriteEnvelope(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, env)
	c.mu.Unlock()
	if env.Type == protocol.TypeSessionConnect {
		c.in <- protocol.Envelope{
			Type:      protocol.TypeSessionConnected,
			Timestamp: time.Now(),
			Payload:   protocol.SessionConnected{SessionID: c.nextID},
		}
	}
	return nil
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, dial agent.Dialer) (*Router, *eventbus.Bus, chan *event.Event) {
	t.Helper()
	bus := eventbus.New(testLogger())
	events := make(chan *event.Event, 64)
	opts := agent.Options{
		AccessKey:   func() (string, error) { return "key", nil },
		Dial:        dial,
		BackoffBase: time.Millisecond,
		Retries:     1,
	}
	r := New(opts, func(e *event.Event) { events <- e }, bus, testLogger())
	t.Cleanup(r.DisconnectAll)
	return r, bus, events
}

func serialDialer(counter *int, mu *sync.Mutex) agent.Dialer {
	return func(ctx context.Context, url, token string, skip bool) (agent.Conn, error) {
		mu.Lock()
		*counter++
		n := *counter
		mu.Unlock()
		return newScriptConn("sess-" + string(rune('0'+n))), nil
	}
}

func TestConnectMakesSessionCurrent(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	r, _, _ := newTestRouter(t, serialDialer(&dials, &mu))

	id, err := r.Connect(context.Background(), "alpha", "/tmp/a", "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if id != "sess-1" {
		t.Errorf("session id = %q", id)
	}

	cur := r.Current()
	if cur == nil || cur.Name != "alpha" {
		t.Fatalf("current = %v, want alpha", cur)
	}
	if cur.PermissionMode() != protocol.ModeDefault {
		t.Errorf("empty mode did not default: %q", cur.PermissionMode())
	}
}

func TestConnectInvalidMode(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	if _, err := r.Connect(context.Background(), "alpha", "/tmp", "yolo"); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("err = %v, want ErrInvalidMode", err)
	}
}

func TestConnectReusesLiveSession(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	r, _, _ := newTestRouter(t, serialDialer(&dials, &mu))

	first, err := r.Connect(context.Background(), "alpha", "/tmp/a", protocol.ModeDefault)
	if err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	second, err := r.Connect(context.Background(), "alpha", "/tmp/a", protocol.ModeDefault)
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if first != second {
		t.Errorf("second connect issued a new id: %q != %q", first, second)
	}

	mu.Lock()
	n := dials
	mu.Unlock()
	if n != 1 {
		t.Errorf("dials = %d, want 1 (at most one session per name)", n)
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	if _, err := r.SendMessage("ghost", "hi", nil); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}

func TestSwitchWorkspace(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	r, bus, _ := newTestRouter(t, serialDialer(&dials, &mu))

	frames := make(chan string, 16)
	bus.Subscribe(eventbus.Filter{Topics: map[string]bool{protocol.TopicWorkDirSwitched: true}},
		16, eventbus.DropOldest, func(m eventbus.Message) { frames <- m.Topic })

	if _, err := r.Connect(context.Background(), "alpha", "/tmp/a", protocol.ModeDefault); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	id, err := r.SwitchWorkspace(context.Background(), "alpha", "/tmp/b")
	if err != nil {
		t.Fatalf("SwitchWorkspace: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id after switch")
	}

	s, _ := r.Get("alpha")
	if got := s.Workspace(); got != "/tmp/b" {
		t.Errorf("workspace = %q, want /tmp/b", got)
	}
	if got := s.State(); got != agent.StateConnected {
		t.Errorf("state = %s, want connected", got)
	}

	select {
	case topic := <-frames:
		if topic != protocol.TopicWorkDirSwitched {
			t.Errorf("topic = %q", topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("workDirSwitched frame not published")
	}
}

func TestSwitchWorkspaceSerialized(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context, url, token string, skip bool) (agent.Conn, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n > 1 {
			<-release // hold the reconnect so the switch stays in flight
		}
		return newScriptConn("sess-x"), nil
	}
	r, _, _ := newTestRouter(t, dial)

	if _, err := r.Connect(context.Background(), "alpha", "/tmp/a", protocol.ModeDefault); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.SwitchWorkspace(context.Background(), "alpha", "/tmp/b")
		done <- err
	}()

	// Wait until the first switch is parked inside the dialer.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if r.Switching("alpha") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("switch never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := r.SwitchWorkspace(context.Background(), "alpha", "/tmp/c"); !errors.Is(err, ErrSwitchInProgress) {
		t.Fatalf("concurrent switch err = %v, want ErrSwitchInProgress", err)
	}
	if _, err := r.SendMessage("alpha", "hi", nil); !errors.Is(err, ErrSwitchInProgress) {
		t.Fatalf("send during switch err = %v, want ErrSwitchInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if r.Switching("alpha") {
		t.Error("switching flag not cleared")
	}
}

func TestSwitchWorkspaceDirectoryNotCreatable(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	r, _, _ := newTestRouter(t, serialDialer(&dials, &mu))

	if _, err := r.Connect(context.Background(), "alpha", "/tmp/a", protocol.ModeDefault); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// A regular file in the way makes the target impossible to create.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := r.SwitchWorkspace(context.Background(), "alpha", filepath.Join(blocker, "ws")); !errors.Is(err, ErrDirectoryNotCreatable) {
		t.Fatalf("err = %v, want ErrDirectoryNotCreatable", err)
	}

	// The failed validation must not have touched the live link.
	s, _ := r.Get("alpha")
	if got := s.Workspace(); got != "/tmp/a" {
		t.Errorf("workspace = %q, want /tmp/a", got)
	}
	if got := s.State(); got != agent.StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
	if r.Switching("alpha") {
		t.Error("switching flag set after failed validation")
	}
}

func TestSwitchWorkspaceUnknownSession(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	if _, err := r.SwitchWorkspace(context.Background(), "ghost", "/tmp"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}

func TestDisconnectKeepsSessionEntry(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	r, _, _ := newTestRouter(t, serialDialer(&dials, &mu))

	if _, err := r.Connect(context.Background(), "alpha", "/tmp/a", protocol.ModeDefault); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := r.Disconnect("alpha"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if r.Current() != nil {
		t.Error("current not cleared after disconnect")
	}

	// The entry survives so sequence numbers continue on reconnect.
	if _, ok := r.Get("alpha"); !ok {
		t.Fatal("session entry dropped on disconnect")
	}
	if _, err := r.Connect(context.Background(), "alpha", "/tmp/a", protocol.ModeDefault); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
}

func TestList(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	r, _, _ := newTestRouter(t, serialDialer(&dials, &mu))

	if _, err := r.Connect(context.Background(), "alpha", "/tmp/a", protocol.ModePlan); err != nil {
		t.Fatalf("Connect alpha: %v", err)
	}
	if _, err := r.Connect(context.Background(), "beta", "/tmp/b", protocol.ModeDefault); err != nil {
		t.Fatalf("Connect beta: %v", err)
	}

	infos := r.List()
	if len(infos) != 2 {
		t.Fatalf("len = %d, want 2", len(infos))
	}
	byName := map[string]SessionInfo{}
	for _, info := range infos {
		byName[info.Name] = info
	}
	if byName["alpha"].PermissionMode != protocol.ModePlan {
		t.Errorf("alpha mode = %q", byName["alpha"].PermissionMode)
	}
	if byName["beta"].Workspace != "/tmp/b" {
		t.Errorf("beta workspace = %q", byName["beta"].Workspace)
	}
}
