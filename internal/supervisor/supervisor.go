// Package supervisor manages the local agent child process: it materializes
// credentials into the agent home, starts the process with the right
// environment, and applies the crash policy (fast failures are fatal, a lone
// crash earns one restart, repeated crashes latch a crash loop).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/internal/event"
	"github.com/happy-ai/happyd/internal/settings"
	"github.com/happy-ai/happyd/pkg/protocol"
)

// Status is the supervised process state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
)

var ErrFatal = errors.New("agent process failed; restart explicitly")

// FramePublisher is the bus surface the supervisor needs.
type FramePublisher interface {
	PublishFrame(topic string, data any)
}

// Options tunes the crash policy. Zero values take the production defaults.
type Options struct {
	FastFailWindow  time.Duration // exit sooner than this after start is fatal; default 10s
	CrashLoopWindow time.Duration // second crash within this latches a loop; default 60s

	// ReconcileWorkspace is called after a start when the child's working
	// directory disagrees with the current workspace, so the session can be
	// switched over to match the child. When that switch fails the supervisor
	// retries with DefaultWorkspace. Nil disables the check.
	ReconcileWorkspace func(ctx context.Context, dir string) error
	DefaultWorkspace   string
}

func (o *Options) defaults() {
	if o.FastFailWindow == 0 {
		o.FastFailWindow = 10 * time.Second
	}
	if o.CrashLoopWindow == 0 {
		o.CrashLoopWindow = 60 * time.Second
	}
}

// Info is a status snapshot.
type Info struct {
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Restarts  int       `json:"restarts"`
	FatalKind string    `json:"fatal_kind,omitempty"`
}

// Supervisor owns one agent child process.
type Supervisor struct {
	cfg       config.SupervisorConfig
	opts      Options
	store     *settings.Store
	bus       FramePublisher
	workspace func() string // current workspace, keeps the child's cwd consistent
	logger    *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	startedAt time.Time
	lastCrash time.Time
	restarts  int
	fatalKind string
	stopping  bool
}

// New creates a supervisor. workspace may be nil.
func New(cfg config.SupervisorConfig, opts Options, store *settings.Store, bus FramePublisher, workspace func() string, logger *slog.Logger) *Supervisor {
	opts.defaults()
	return &Supervisor{
		cfg:       cfg,
		opts:      opts,
		store:     store,
		bus:       bus,
		workspace: workspace,
		logger:    logger.With("component", "supervisor"),
		status:    StatusStopped,
	}
}

// EnsureRunning starts the agent if it is not already running. A latched
// fatal state is not cleared here; use Restart for an explicit retry.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusRunning:
		s.mu.Unlock()
		return nil
	case StatusFailed:
		kind := s.fatalKind
		s.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrFatal, kind)
	}
	s.stopping = false
	s.mu.Unlock()

	return s.start(ctx)
}

func (s *Supervisor) start(ctx context.Context) error {
	s.publishProgress("materializing", nil)
	if err := s.Materialize(); err != nil {
		return fmt.Errorf("materialize credentials: %w", err)
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	if s.workspace != nil {
		if dir := s.workspace(); dir != "" {
			cmd.Dir = dir
		}
	}
	cmd.Env = s.buildEnv()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	s.publishProgress("spawning", map[string]any{"command": s.cfg.Command})
	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		s.status = StatusFailed
		s.fatalKind = event.ErrAgentStartFailed
		s.mu.Unlock()
		s.publishStatus()
		return fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.status = StatusRunning
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.publishProgress("running", map[string]any{"pid": cmd.Process.Pid})
	s.publishStatus()
	s.logger.Info("agent started", "command", s.cfg.Command, "pid", cmd.Process.Pid)

	s.reconcileWorkspace(ctx, cmd.Dir)

	go s.waitLoop(cmd)
	return nil
}

// reconcileWorkspace re-aligns the session workspace with the directory the
// child actually started in. A crash restart can race a workspace switch; the
// child's cwd is fixed at spawn, so the session follows the child, falling
// back to the default workspace when that switch fails.
func (s *Supervisor) reconcileWorkspace(ctx context.Context, childDir string) {
	if s.opts.ReconcileWorkspace == nil || s.workspace == nil || childDir == "" {
		return
	}
	current := s.workspace()
	if childDir == current {
		return
	}
	s.logger.Warn("child working directory out of step with workspace",
		"child", childDir, "workspace", current)
	err := s.opts.ReconcileWorkspace(ctx, childDir)
	if err == nil {
		return
	}
	s.logger.Warn("workspace reconcile failed", "dir", childDir, "error", err)
	if s.opts.DefaultWorkspace == "" || s.opts.DefaultWorkspace == childDir {
		return
	}
	if err := s.opts.ReconcileWorkspace(ctx, s.opts.DefaultWorkspace); err != nil {
		s.logger.Error("fallback to default workspace failed",
			"dir", s.opts.DefaultWorkspace, "error", err)
	}
}

func (s *Supervisor) waitLoop(cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	if s.cmd != cmd {
		// A newer process replaced this one.
		s.mu.Unlock()
		return
	}
	s.cmd = nil
	uptime := time.Since(s.startedAt)
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		s.setStatus(StatusStopped, "")
		s.logger.Info("agent stopped", "uptime", uptime)
		return
	}

	s.logger.Warn("agent exited unexpectedly", "uptime", uptime, "error", err)

	switch {
	case uptime < s.opts.FastFailWindow:
		// Dying immediately means misconfiguration, not a transient fault.
		s.fail(event.ErrAgentStartFailed,
			fmt.Sprintf("agent exited %s after start", uptime.Round(time.Millisecond)))

	case time.Since(s.crashStamp()) < s.opts.CrashLoopWindow:
		s.fail(event.ErrCrashLoop, "agent crashed twice in quick succession")

	default:
		s.mu.Lock()
		s.lastCrash = time.Now()
		s.restarts++
		s.status = StatusStopped
		s.mu.Unlock()
		s.logger.Info("restarting agent after crash")
		if rerr := s.start(context.Background()); rerr != nil {
			s.logger.Error("auto-restart failed", "error", rerr)
		}
	}
}

func (s *Supervisor) crashStamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCrash
}

func (s *Supervisor) fail(kind, msg string) {
	s.setStatus(StatusFailed, kind)
	if s.bus != nil {
		s.bus.PublishFrame(protocol.TopicError, map[string]any{
			"kind":    kind,
			"message": msg,
		})
	}
	s.logger.Error("agent supervision latched fatal", "kind", kind, "message", msg)
}

func (s *Supervisor) setStatus(st Status, fatalKind string) {
	s.mu.Lock()
	s.status = st
	s.fatalKind = fatalKind
	s.mu.Unlock()
	s.publishStatus()
}

// publishProgress reports a startup stage on the daemon progress topic so the
// extension can render the spinner before the first status frame lands.
func (s *Supervisor) publishProgress(stage string, data map[string]any) {
	if s.bus == nil {
		return
	}
	frame := map[string]any{"stage": stage}
	for k, v := range data {
		frame[k] = v
	}
	s.bus.PublishFrame(protocol.TopicDaemonProgress, frame)
}

func (s *Supervisor) publishStatus() {
	if s.bus == nil {
		return
	}
	info := s.Status()
	s.bus.PublishFrame(protocol.TopicDaemonStatus, info)
}

// Stop terminates the agent: SIGTERM, then SIGKILL after the grace period.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	if cmd == nil {
		s.status = StatusStopped
		s.fatalKind = ""
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal agent: %w", err)
	}

	grace := s.cfg.GracePeriod.Duration
	deadline := time.After(grace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			s.mu.Lock()
			gone := s.cmd == nil
			s.mu.Unlock()
			if gone {
				return nil
			}
		case <-deadline:
			s.logger.Warn("agent ignored SIGTERM, killing", "grace", grace)
			if s.bus != nil {
				s.bus.PublishFrame(protocol.TopicError, map[string]any{
					"kind":    event.ErrGracefulStopTimeout,
					"message": "agent did not stop within the grace period",
				})
			}
			_ = cmd.Process.Kill()
			return nil
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			return ctx.Err()
		}
	}
}

// Restart stops the agent if needed, clears any latched fatal state, and
// starts it again.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.status = StatusStopped
	s.fatalKind = ""
	s.lastCrash = time.Time{}
	s.stopping = false
	s.mu.Unlock()
	return s.start(ctx)
}

// Status snapshots the supervised process.
func (s *Supervisor) Status() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Status:    s.status,
		Restarts:  s.restarts,
		FatalKind: s.fatalKind,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
		info.StartedAt = s.startedAt
	}
	return info
}

// Materialize writes the agent's credential files into its home directory:
// access.key with the raw key and settings.json with the server URL. Called
// before every start and again when secrets rotate.
func (s *Supervisor) Materialize() error {
	if err := os.MkdirAll(s.cfg.AgentHome, 0o700); err != nil {
		return err
	}

	sec := s.store.Secure()
	if sec.AccessKey != "" {
		keyPath := filepath.Join(s.cfg.AgentHome, "access.key")
		if err := os.WriteFile(keyPath, []byte(sec.AccessKey), 0o600); err != nil {
			return fmt.Errorf("write access.key: %w", err)
		}
	}

	serverURL := strings.TrimRight(s.store.Settings().ServerURL, "/")
	if serverURL != "" {
		body := fmt.Sprintf("{\n  \"serverUrl\": %q\n}\n", serverURL)
		settingsPath := filepath.Join(s.cfg.AgentHome, "settings.json")
		if err := os.WriteFile(settingsPath, []byte(body), 0o600); err != nil {
			return fmt.Errorf("write agent settings.json: %w", err)
		}
	}
	return nil
}

func (s *Supervisor) buildEnv() []string {
	env := os.Environ()
	sec := s.store.Secure()

	add := func(k, v string) {
		if v != "" {
			env = append(env, k+"="+v)
		}
	}
	add("HAPPY_SERVER_URL", strings.TrimRight(s.store.Settings().ServerURL, "/"))
	add("HAPPY_HOME", s.cfg.AgentHome)
	add("ANTHROPIC_BASE_URL", sec.AnthropicBaseURL)
	add("ANTHROPIC_AUTH_TOKEN", sec.AnthropicAuthToken)
	add("ANTHROPIC_MODEL", sec.Model)
	add("ANTHROPIC_SMALL_FAST_MODEL", sec.SmallFastModel)
	env = append(env, "API_TIMEOUT_MS=600000")
	env = append(env, "CLAUDE_CODE_DISABLE_NONESSENTIAL_TRAFFIC=1")

	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}
