// Package settings persists daemon configuration that changes at runtime:
// plain preferences in settings.json and credential material encrypted at
// rest in secure-settings.json. Updates to the secure file are announced on
// the bus so live components re-read credentials.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/happy-ai/happyd/internal/secrets"
	"github.com/happy-ai/happyd/pkg/protocol"
)

var ErrNoAccessKey = errors.New("no access key configured")

// Settings are the plain, user-visible preferences.
type Settings struct {
	ServerURL        string `json:"server_url,omitempty"`
	DefaultSession   string `json:"default_session,omitempty"`
	DefaultWorkspace string `json:"default_workspace,omitempty"`
	PermissionMode   string `json:"permission_mode,omitempty"`
}

// Secure is the credential material, never written to disk in the clear.
type Secure struct {
	AccessKey          string `json:"access_key,omitempty"`
	AnthropicAuthToken string `json:"anthropic_auth_token,omitempty"`
	AnthropicBaseURL   string `json:"anthropic_base_url,omitempty"`
	Model              string `json:"model,omitempty"`
	SmallFastModel     string `json:"small_fast_model,omitempty"`
}

// FramePublisher is the bus surface the store needs.
type FramePublisher interface {
	PublishFrame(topic string, data any)
}

// Store owns both settings files under dir.
type Store struct {
	dir    string
	kc     *secrets.Keychain
	bus    FramePublisher
	logger *slog.Logger

	mu       sync.Mutex
	settings Settings
	secure   Secure
}

const (
	settingsFile = "settings.json"
	secureFile   = "secure-settings.json"
)

// New opens the store, loading existing files. Missing files are fine; an
// unreadable secure file (foreign machine key) starts empty with a warning
// rather than blocking startup.
func New(dir string, kc *secrets.Keychain, bus FramePublisher, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		kc:     kc,
		bus:    bus,
		logger: logger.With("component", "settings"),
	}

	if raw, err := os.ReadFile(filepath.Join(dir, settingsFile)); err == nil {
		if err := json.Unmarshal(raw, &s.settings); err != nil {
			return nil, fmt.Errorf("parse %s: %w", settingsFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", settingsFile, err)
	}

	if raw, err := os.ReadFile(filepath.Join(dir, secureFile)); err == nil {
		plain, derr := kc.Decrypt(string(raw))
		if derr != nil {
			s.logger.Warn("secure settings unreadable, starting with empty credentials",
				"error", derr)
		} else if err := json.Unmarshal(plain, &s.secure); err != nil {
			return nil, fmt.Errorf("parse secure settings: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", secureFile, err)
	}

	return s, nil
}

// Settings returns a copy of the plain preferences.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Update mutates the plain preferences and writes them out.
func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)

	raw, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.dir, settingsFile), raw, 0o600)
}

// Secure returns a copy of the credential material.
func (s *Store) Secure() Secure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secure
}

// UpdateSecure mutates the credentials, re-encrypts the file, and announces
// the change so the supervisor re-materializes and links pick up the new key
// on their next dial.
func (s *Store) UpdateSecure(fn func(*Secure)) error {
	s.mu.Lock()
	fn(&s.secure)
	plain, err := json.Marshal(s.secure)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	ct, err := s.kc.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypt secure settings: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, secureFile), []byte(ct), 0o600); err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.PublishFrame(protocol.TopicSecretChanged, map[string]any{
			"rotated_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
	s.logger.Info("secure settings updated")
	return nil
}

// AccessKey satisfies the agent credential provider contract: it is read at
// every dial, so a rotated key takes effect on the next (re)connect.
func (s *Store) AccessKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secure.AccessKey == "" {
		return "", ErrNoAccessKey
	}
	return s.secure.AccessKey, nil
}

// RotateAccessKey replaces the access key.
func (s *Store) RotateAccessKey(newKey string) error {
	if newKey == "" {
		return errors.New("empty access key")
	}
	return s.UpdateSecure(func(sec *Secure) { sec.AccessKey = newKey })
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never leaves a truncated settings file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
