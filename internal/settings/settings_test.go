package settings

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/happy-ai/happyd/internal/secrets"
	"github.com/happy-ai/happyd/pkg/protocol"
)

type frameRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (f *frameRecorder) PublishFrame(topic string, data any) {
	f.mu.Lock()
	f.topics = append(f.topics, topic)
	f.mu.Unlock()
}

func (f *frameRecorder) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.topics...)
}

func testKeychain() *secrets.Keychain {
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	return secrets.NewKeychainFromKey(key)
}

func newTestStore(t *testing.T) (*Store, *frameRecorder, string) {
	t.Helper()
	dir := t.TempDir()
	rec := &frameRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(dir, testKeychain(), rec, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, rec, dir
}

func TestSettingsPersist(t *testing.T) {
	s, _, dir := newTestStore(t)

	if err := s.Update(func(st *Settings) {
		st.ServerURL = "wss://agent.example.com"
		st.DefaultSession = "main"
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reopened, err := New(dir, testKeychain(), nil, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reopened.Settings()
	if got.ServerURL != "wss://agent.example.com" || got.DefaultSession != "main" {
		t.Errorf("reloaded settings = %+v", got)
	}
}

func TestSecureSettingsEncryptedAtRest(t *testing.T) {
	s, _, dir := newTestStore(t)

	if err := s.UpdateSecure(func(sec *Secure) {
		sec.AccessKey = "sk-very-secret"
	}); err != nil {
		t.Fatalf("UpdateSecure: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "secure-settings.json"))
	if err != nil {
		t.Fatalf("read secure file: %v", err)
	}
	if strings.Contains(string(raw), "sk-very-secret") {
		t.Fatal("access key stored in the clear")
	}
	if !strings.HasPrefix(string(raw), "v1.") {
		t.Errorf("secure file not method-tagged: %q", raw[:12])
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reopened, err := New(dir, testKeychain(), nil, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Secure().AccessKey; got != "sk-very-secret" {
		t.Errorf("reloaded access key = %q", got)
	}
}

func TestRotateAccessKeyAnnounced(t *testing.T) {
	s, rec, _ := newTestStore(t)

	if _, err := s.AccessKey(); !errors.Is(err, ErrNoAccessKey) {
		t.Fatalf("err = %v, want ErrNoAccessKey", err)
	}

	if err := s.RotateAccessKey("sk-new"); err != nil {
		t.Fatalf("RotateAccessKey: %v", err)
	}
	key, err := s.AccessKey()
	if err != nil || key != "sk-new" {
		t.Fatalf("AccessKey = %q, %v", key, err)
	}

	topics := rec.all()
	if len(topics) != 1 || topics[0] != protocol.TopicSecretChanged {
		t.Errorf("frames = %v, want one secretChanged", topics)
	}

	if err := s.RotateAccessKey(""); err == nil {
		t.Error("empty key accepted")
	}
}

func TestForeignSecureFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	// A file written under a different machine key is unreadable here.
	var other [32]byte
	copy(other[:], "ffffffffffffffffffffffffffffffff")
	foreign, err := secrets.NewKeychainFromKey(other).Encrypt([]byte(`{"access_key":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secure-settings.json"), []byte(foreign), 0o600); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(dir, testKeychain(), nil, logger)
	if err != nil {
		t.Fatalf("New should tolerate a foreign secure file: %v", err)
	}
	if s.Secure().AccessKey != "" {
		t.Error("foreign credentials leaked into the store")
	}
}
