package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 3333 || cfg.Server.ExtensionPort != 3334 {
		t.Errorf("ports = %d/%d", cfg.Server.Port, cfg.Server.ExtensionPort)
	}
	if cfg.Agent.LivenessTimeout.Duration != 60*time.Second {
		t.Errorf("liveness = %s", cfg.Agent.LivenessTimeout)
	}
	if cfg.Agent.ReconnectBase.Duration != time.Second || cfg.Agent.ReconnectCap.Duration != 30*time.Second {
		t.Errorf("backoff = %s..%s", cfg.Agent.ReconnectBase, cfg.Agent.ReconnectCap)
	}
	if cfg.Agent.ReconnectRetries != 5 {
		t.Errorf("retries = %d", cfg.Agent.ReconnectRetries)
	}
	if cfg.Bridge.TurnTimeout.Duration != 120*time.Second || cfg.Bridge.SwitchBufferSize != 100 {
		t.Errorf("bridge = %+v", cfg.Bridge)
	}
	if cfg.Ledger.MaxEntries != 5000 || cfg.Ledger.MaxAge.Duration != 120*time.Minute {
		t.Errorf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Ledger.Driver != "sqlite" || cfg.Ledger.DSN == "" {
		t.Errorf("ledger store = %s %q", cfg.Ledger.Driver, cfg.Ledger.DSN)
	}
	if cfg.Supervisor.Command != "happy-agent" || cfg.Supervisor.GracePeriod.Duration != 10*time.Second {
		t.Errorf("supervisor = %+v", cfg.Supervisor)
	}
}

func TestLoadParsesDurationsAndOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 4444},
		"agent": {
			"server_url": "wss://agent.example.com",
			"liveness_timeout": "90s",
			"reconnect_base": 2
		},
		"bridge": {"turn_timeout": "30s"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4444 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Agent.LivenessTimeout.Duration != 90*time.Second {
		t.Errorf("liveness = %s", cfg.Agent.LivenessTimeout)
	}
	// Bare numbers mean seconds.
	if cfg.Agent.ReconnectBase.Duration != 2*time.Second {
		t.Errorf("reconnect base = %s", cfg.Agent.ReconnectBase)
	}
	if cfg.Bridge.TurnTimeout.Duration != 30*time.Second {
		t.Errorf("turn timeout = %s", cfg.Bridge.TurnTimeout)
	}
}

func TestEnvOverridesServerURL(t *testing.T) {
	t.Setenv("HAPPY_SERVER_URL", "wss://override.example.com")

	path := writeConfig(t, `{"agent": {"server_url": "wss://file.example.com"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.ServerURL != "wss://override.example.com" {
		t.Errorf("server url = %q", cfg.Agent.ServerURL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad permission mode", `{"agent": {"permission_mode": "yolo"}}`},
		{"bad ledger driver", `{"ledger": {"driver": "mysql"}}`},
		{"postgres without dsn", `{"ledger": {"driver": "postgres"}}`},
		{"feishu without secret", `{"channels": {"feishu": {"app_id": "a"}}}`},
		{"malformed json", `{"server": `},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestValidPermissionModesAccepted(t *testing.T) {
	for _, mode := range []string{"default", "plan", "acceptEdits", "bypassPermissions"} {
		path := writeConfig(t, `{"agent": {"permission_mode": "`+mode+`"}}`)
		if _, err := Load(path); err != nil {
			t.Errorf("mode %s rejected: %v", mode, err)
		}
	}
}
