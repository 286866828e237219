package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/pkg/cli"
)

func runWizard(t *testing.T, input string) (config.Config, Outcome) {
	t.Helper()

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	outputPath := filepath.Join(t.TempDir(), "config.json")
	w := New(p)
	outcome, err := w.Run(outputPath)
	if err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	return cfg, outcome
}

func TestWizard_SelfHostedWithFeishu(t *testing.T) {
	input := strings.Join([]string{
		"2",                                 // server: Self-hosted
		"wss://agents.example.com/v1/agent", // server URL
		"key-abc",                           // access key
		"/tmp/ws",                           // workspace
		"",                                  // agent home (default)
		"debug",                             // log level
		"3335",                              // api port
		"",                                  // extension port (default)
		"",                                  // simulator (default yes)
		"y",                                 // feishu: yes
		"cli_123",                           // feishu app id
		"s3cret",                            // feishu app secret
		"",                                  // require mention (default yes)
		"n",                                 // start now: no
	}, "\n") + "\n"

	cfg, outcome := runWizard(t, input)

	if cfg.Agent.ServerURL != "wss://agents.example.com/v1/agent" {
		t.Errorf("server_url = %q", cfg.Agent.ServerURL)
	}
	if cfg.Agent.WorkspaceDir != "/tmp/ws" {
		t.Errorf("workspace_dir = %q", cfg.Agent.WorkspaceDir)
	}
	if cfg.Supervisor.AgentHome != config.DefaultAgentHome() {
		t.Errorf("agent_home = %q", cfg.Supervisor.AgentHome)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Server.Port != 3335 || cfg.Server.ExtensionPort != 3334 {
		t.Errorf("ports = %d/%d", cfg.Server.Port, cfg.Server.ExtensionPort)
	}
	if !cfg.Channels.Simulator {
		t.Error("simulator not enabled")
	}
	if cfg.Channels.Feishu == nil {
		t.Fatal("feishu config missing")
	}
	if cfg.Channels.Feishu.AppID != "cli_123" || cfg.Channels.Feishu.AppSecret != "s3cret" {
		t.Errorf("feishu credentials = %q/%q", cfg.Channels.Feishu.AppID, cfg.Channels.Feishu.AppSecret)
	}
	if !cfg.Channels.Feishu.RequireMention {
		t.Error("require_mention not set")
	}

	if outcome.AccessKey != "key-abc" {
		t.Errorf("access key = %q", outcome.AccessKey)
	}
	if outcome.StartNow {
		t.Error("StartNow = true, want false")
	}
}

func TestWizard_CloudDefaults(t *testing.T) {
	input := strings.Join([]string{
		"1",  // server: Happy Cloud
		"",   // access key: defer
		"",   // workspace
		"",   // agent home
		"",   // log level
		"",   // api port
		"",   // extension port
		"",   // simulator (default yes)
		"",   // feishu (default no)
		"",   // start now (default yes)
	}, "\n") + "\n"

	cfg, outcome := runWizard(t, input)

	if cfg.Agent.ServerURL != "wss://api.happy.engineering/v1/agent" {
		t.Errorf("server_url = %q", cfg.Agent.ServerURL)
	}
	if cfg.Channels.Feishu != nil {
		t.Error("feishu should be disabled")
	}
	if outcome.AccessKey != "" {
		t.Errorf("access key = %q, want empty", outcome.AccessKey)
	}
	if !outcome.StartNow {
		t.Error("StartNow = false, want true")
	}
}

func TestWizard_SecretsStayOutOfConfig(t *testing.T) {
	input := strings.Join([]string{
		"1",         // server: Happy Cloud
		"top-secret", // access key
		"", "", "", "", "", // workspace, agent home, log level, ports
		"n", // simulator: no
		"n", // feishu: no
		"n", // start now: no
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}
	outputPath := filepath.Join(t.TempDir(), "config.json")

	if _, err := New(p).Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if strings.Contains(string(raw), "top-secret") {
		t.Error("access key leaked into config.json")
	}
}
