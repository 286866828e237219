package watcher

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/happy-ai/happyd/internal/eventbus"
	"github.com/happy-ai/happyd/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type frameCollector struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (c *frameCollector) deliver(m eventbus.Message) {
	if m.Topic != protocol.TopicFSChanged {
		return
	}
	data, _ := m.Data.(map[string]any)
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
}

func (c *frameCollector) wait(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.mu.Lock()
		got := append([]map[string]any(nil), c.frames...)
		c.mu.Unlock()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("frames = %d, want %d", len(got), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestWatcher(t *testing.T) (*Watcher, *eventbus.Bus, *frameCollector, string) {
	t.Helper()
	bus := eventbus.New(testLogger())
	c := &frameCollector{}
	bus.Subscribe(eventbus.Filter{Topics: map[string]bool{protocol.TopicFSChanged: true}},
		16, eventbus.DropOldest, c.deliver)

	w, err := New(bus, 50*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	root := t.TempDir()
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	return w, bus, c, root
}

func TestChangesAreDebouncedIntoOneBatch(t *testing.T) {
	_, _, c, root := newTestWatcher(t)

	// Several writes in quick succession end up in a single frame.
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	frames := c.wait(t, 1)
	changes, _ := frames[0]["changes"].([]Change)
	if len(changes) < 3 {
		t.Errorf("changes = %v, want 3 paths batched", changes)
	}
	if frames[0]["root"] != root {
		t.Errorf("root = %v", frames[0]["root"])
	}
}

func TestNewSubdirectoryIsWatched(t *testing.T) {
	_, _, c, root := newTestWatcher(t)

	sub := filepath.Join(root, "pkg")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	c.wait(t, 1) // creation batch

	// Writes inside the new directory must be observed too.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "new.go"), []byte("package pkg"), 0o600); err != nil {
		t.Fatal(err)
	}

	frames := c.wait(t, 2)
	changes, _ := frames[len(frames)-1]["changes"].([]Change)
	found := false
	for _, ch := range changes {
		if ch.Path == filepath.Join("pkg", "new.go") {
			found = true
		}
	}
	if !found {
		t.Errorf("write in new subdirectory not observed: %v", changes)
	}
}

func TestReRootOnWorkspaceSwitch(t *testing.T) {
	w, bus, c, oldRoot := newTestWatcher(t)

	newRoot := t.TempDir()
	bus.PublishFrame(protocol.TopicWorkDirSwitched, map[string]any{
		"session": "alpha", "from": oldRoot, "to": newRoot,
	})

	deadline := time.Now().Add(2 * time.Second)
	for w.Root() != newRoot {
		if time.Now().After(deadline) {
			t.Fatalf("root = %q, want %q", w.Root(), newRoot)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Changes in the old workspace are no longer reported.
	if err := os.WriteFile(filepath.Join(oldRoot, "stale.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(newRoot, "fresh.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	frames := c.wait(t, 1)
	last := frames[len(frames)-1]
	if last["root"] != newRoot {
		t.Errorf("frame root = %v, want new workspace", last["root"])
	}
	changes, _ := last["changes"].([]Change)
	for _, ch := range changes {
		if ch.Path == "stale.txt" {
			t.Error("old workspace change reported after re-root")
		}
	}
}
