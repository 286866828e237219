package permission

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type forwardCall struct {
	session  string
	promptID string
	decision string
	mode     string
	tools    []string
}

type forwardRecorder struct {
	mu    sync.Mutex
	calls []forwardCall
	err   error
}

func (f *forwardRecorder) fn(session, promptID, decision, mode string, tools []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forwardCall{session, promptID, decision, mode, tools})
	return f.err
}

func (f *forwardRecorder) all() []forwardCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forwardCall(nil), f.calls...)
}

func newTestBroker() (*Broker, *forwardRecorder) {
	rec := &forwardRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rec.fn, logger), rec
}

func TestResolveForwardsDecision(t *testing.T) {
	b, rec := newTestBroker()
	b.Register(Prompt{ID: "p1", SessionName: "alpha", ToolName: "Bash"})

	if err := b.Resolve("p1", DecisionAllow, "acceptEdits", []string{"Bash"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	calls := rec.all()
	if len(calls) != 1 {
		t.Fatalf("forward calls = %d, want 1", len(calls))
	}
	c := calls[0]
	if c.session != "alpha" || c.promptID != "p1" || c.decision != DecisionAllow || c.mode != "acceptEdits" {
		t.Errorf("forwarded %+v", c)
	}
	if len(b.Pending("")) != 0 {
		t.Error("prompt still pending after resolve")
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	b, _ := newTestBroker()
	b.Register(Prompt{ID: "p1", SessionName: "alpha"})

	if err := b.Resolve("p1", DecisionDeny, "", nil); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if err := b.Resolve("p1", DecisionAllow, "", nil); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second Resolve err = %v, want ErrAlreadyResolved", err)
	}
}

func TestResolveUnknownPrompt(t *testing.T) {
	b, _ := newTestBroker()
	if err := b.Resolve("ghost", DecisionAllow, "", nil); !errors.Is(err, ErrUnknownPrompt) {
		t.Fatalf("err = %v, want ErrUnknownPrompt", err)
	}
}

func TestResolveInvalidDecision(t *testing.T) {
	b, _ := newTestBroker()
	b.Register(Prompt{ID: "p1", SessionName: "alpha"})
	if err := b.Resolve("p1", "maybe", "", nil); err == nil {
		t.Fatal("invalid decision accepted")
	}
	// The prompt must stay pending after a rejected decision value.
	if len(b.Pending("alpha")) != 1 {
		t.Error("prompt consumed by invalid decision")
	}
}

func TestRegisterIdempotent(t *testing.T) {
	b, _ := newTestBroker()
	b.Register(Prompt{ID: "p1", SessionName: "alpha"})
	b.Register(Prompt{ID: "p1", SessionName: "alpha"}) // remote retry

	if got := len(b.Pending("")); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	// Re-registering after resolution must not resurrect the prompt.
	if err := b.Resolve("p1", DecisionAllow, "", nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b.Register(Prompt{ID: "p1", SessionName: "alpha"})
	if got := len(b.Pending("")); got != 0 {
		t.Fatalf("resolved prompt resurrected, pending = %d", got)
	}
}

func TestPendingFiltersAndOrders(t *testing.T) {
	b, _ := newTestBroker()
	now := time.Now()
	b.Register(Prompt{ID: "p2", SessionName: "alpha", CreatedAt: now})
	b.Register(Prompt{ID: "p1", SessionName: "alpha", CreatedAt: now.Add(-time.Minute)})
	b.Register(Prompt{ID: "p3", SessionName: "beta", CreatedAt: now})

	alpha := b.Pending("alpha")
	if len(alpha) != 2 {
		t.Fatalf("alpha pending = %d, want 2", len(alpha))
	}
	if alpha[0].ID != "p1" || alpha[1].ID != "p2" {
		t.Errorf("order = [%s %s], want oldest first", alpha[0].ID, alpha[1].ID)
	}
	if len(b.Pending("")) != 3 {
		t.Errorf("all pending = %d, want 3", len(b.Pending("")))
	}
}

func TestExpireOlderThan(t *testing.T) {
	b, rec := newTestBroker()
	b.Register(Prompt{ID: "old", SessionName: "alpha", CreatedAt: time.Now().Add(-time.Hour)})
	b.Register(Prompt{ID: "new", SessionName: "alpha"})

	expired := b.ExpireOlderThan(30 * time.Minute)
	if len(expired) != 1 || expired[0] != "old" {
		t.Fatalf("expired = %v, want [old]", expired)
	}

	calls := rec.all()
	if len(calls) != 1 || calls[0].decision != DecisionDeny {
		t.Fatalf("expiry forward = %+v, want one deny", calls)
	}
	if len(b.Pending("alpha")) != 1 {
		t.Error("fresh prompt expired too")
	}
	if err := b.Resolve("old", DecisionAllow, "", nil); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("resolve after expiry err = %v, want ErrAlreadyResolved", err)
	}
}

func TestExpireForwardFailureStillExpires(t *testing.T) {
	b, rec := newTestBroker()
	rec.err = errors.New("link down")
	b.Register(Prompt{ID: "old", SessionName: "alpha", CreatedAt: time.Now().Add(-time.Hour)})

	expired := b.ExpireOlderThan(time.Minute)
	if len(expired) != 1 {
		t.Fatalf("expired = %v", expired)
	}
	if len(b.Pending("")) != 0 {
		t.Error("prompt survived expiry on a dead link")
	}
}

func TestDenyAllOnDisconnect(t *testing.T) {
	b, rec := newTestBroker()
	b.Register(Prompt{ID: "p1", SessionName: "alpha"})
	b.Register(Prompt{ID: "p2", SessionName: "alpha"})
	b.Register(Prompt{ID: "p3", SessionName: "beta"})

	denied := b.DenyAll("alpha")
	if len(denied) != 2 {
		t.Fatalf("denied = %v, want 2 ids", denied)
	}
	// Nothing is forwarded: the link is already gone.
	if len(rec.all()) != 0 {
		t.Errorf("deny-all forwarded %d decisions", len(rec.all()))
	}
	if len(b.Pending("beta")) != 1 {
		t.Error("other session's prompt denied")
	}
	if err := b.Resolve("p1", DecisionAllow, "", nil); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("resolve after deny-all err = %v", err)
	}
}
