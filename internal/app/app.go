// Package app is the main orchestrator that wires the session router,
// channel bridge, ledger, supervisor and the local API surfaces into one
// daemon process.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/happy-ai/happyd/internal/agent"
	"github.com/happy-ai/happyd/internal/bridge"
	"github.com/happy-ai/happyd/internal/channels/feishu"
	"github.com/happy-ai/happyd/internal/channels/simulator"
	"github.com/happy-ai/happyd/internal/config"
	"github.com/happy-ai/happyd/internal/event"
	"github.com/happy-ai/happyd/internal/eventbus"
	"github.com/happy-ai/happyd/internal/extension"
	"github.com/happy-ai/happyd/internal/httpapi"
	"github.com/happy-ai/happyd/internal/ledger"
	"github.com/happy-ai/happyd/internal/permission"
	"github.com/happy-ai/happyd/internal/router"
	"github.com/happy-ai/happyd/internal/secrets"
	"github.com/happy-ai/happyd/internal/settings"
	"github.com/happy-ai/happyd/internal/supervisor"
	"github.com/happy-ai/happyd/internal/watcher"
	"github.com/happy-ai/happyd/internal/wsapi"
	"github.com/happy-ai/happyd/pkg/protocol"
)

// App owns the daemon's components for one process lifetime.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	bus    *eventbus.Bus
	store  *settings.Store
	led    *ledger.Ledger
	rt     *router.Router
	br     *bridge.Bridge
	broker *permission.Broker
	sup    *supervisor.Supervisor
	watch  *watcher.Watcher
	sim    *simulator.Adapter
	fs     *feishu.Adapter
	tokens *extension.Tokens

	apiSrv *httpapi.Server
	extSrv *extension.Server

	startedAt time.Time
}

// New builds the daemon from configuration. Log records emitted through the
// returned App's logger are also published on the bus as log:entry frames.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	bus := eventbus.New(logger)
	logger = slog.New(eventbus.NewSlogHandler(logger.Handler(), bus))

	a := &App{
		cfg:       cfg,
		logger:    logger.With("component", "app"),
		bus:       bus,
		startedAt: time.Now(),
	}

	store, err := settings.New(cfg.DataDir, secrets.NewKeychain(), bus, logger)
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	a.store = store

	shard, err := openShard(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	a.led = ledger.New(cfg.Ledger.MaxEntries, cfg.Ledger.MaxAge.Duration, bus, shard, logger)

	a.rt = router.New(agent.Options{
		ServerURL:     a.serverURL(),
		AccessKey:     store.AccessKey,
		Liveness:      cfg.Agent.LivenessTimeout.Duration,
		BackoffBase:   cfg.Agent.ReconnectBase.Duration,
		BackoffCap:    cfg.Agent.ReconnectCap.Duration,
		Retries:       cfg.Agent.ReconnectRetries,
		TLSSkipVerify: cfg.Agent.TLSSkipVerify,
	}, func(e *event.Event) { a.led.Append(e) }, bus, logger)

	a.broker = permission.New(func(sessionName, promptID, decision, mode string, allowedTools []string) error {
		sess, ok := a.rt.Get(sessionName)
		if !ok {
			return router.ErrUnknownSession
		}
		return sess.ResolvePermission(promptID, decision, mode, allowedTools)
	}, logger)

	a.br = bridge.New(a.rt, bus, bridge.Options{
		TurnTimeout:     cfg.Bridge.TurnTimeout.Duration,
		SwitchBufferCap: cfg.Bridge.SwitchBufferSize,
		ScrollbackCap:   cfg.Bridge.ScrollbackSize,
	}, logger)

	if cfg.Channels.Simulator {
		a.sim = simulator.New()
		if err := a.br.Register(a.sim, cfg.Agent.DefaultSession, nil); err != nil {
			return nil, fmt.Errorf("register simulator channel: %w", err)
		}
	}
	if fc := cfg.Channels.Feishu; fc != nil {
		apiBase := ""
		if fc.BaseURL != "" {
			apiBase = fc.BaseURL + "/open-apis"
		}
		a.fs = feishu.New(feishu.Config{
			AppID:             fc.AppID,
			AppSecret:         fc.AppSecret,
			VerificationToken: fc.VerificationToken,
			APIBase:           apiBase,
		}, logger)
		policy := senderPolicy(fc.AllowedSenders, fc.DeniedSenders)
		if fc.RequireMention {
			policy = chainPolicies(feishu.MentionGate(), policy)
		}
		if err := a.br.Register(a.fs, cfg.Agent.DefaultSession, policy); err != nil {
			return nil, fmt.Errorf("register feishu channel: %w", err)
		}
	}

	a.sup = supervisor.New(cfg.Supervisor, supervisor.Options{
		DefaultWorkspace: cfg.Agent.WorkspaceDir,
		ReconcileWorkspace: func(ctx context.Context, dir string) error {
			sess := a.rt.Current()
			if sess == nil {
				return nil
			}
			_, err := a.rt.SwitchWorkspace(ctx, sess.Name, dir)
			return err
		},
	}, store, bus, func() string {
		if sess := a.rt.Current(); sess != nil {
			return sess.Workspace()
		}
		return cfg.Agent.WorkspaceDir
	}, logger)

	a.watch, err = watcher.New(bus, 250*time.Millisecond, logger)
	if err != nil {
		return nil, fmt.Errorf("create workspace watcher: %w", err)
	}

	secret := cfg.Server.TokenSecret
	if secret == "" {
		secret = randomSecret()
	}
	a.tokens = extension.NewTokens([]byte(secret), 0)

	wsSrv := wsapi.NewServer(bus, a.statusSnapshot, logger)

	var feishuHook http.HandlerFunc
	if a.fs != nil {
		feishuHook = a.fs.WebhookHandler()
	}
	a.apiSrv = httpapi.NewServer(cfg.Server, httpapi.Deps{
		Router:        a.rt,
		Bridge:        a.br,
		Broker:        a.broker,
		Supervisor:    a.sup,
		Settings:      store,
		Ledger:        a.led,
		Tokens:        a.tokens,
		Simulator:     a.sim,
		FeishuWebhook: feishuHook,
		WSHandler:     wsSrv.Handler(),
	}, logger)

	a.extSrv = extension.NewServer(a.tokens, logger)
	a.registerExtensionMethods()

	return a, nil
}

func openShard(cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := ledger.NewPostgres(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return st, nil
	default:
		st, err := ledger.NewSQLite(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return st, nil
	}
}

// serverURL prefers the config file value and falls back to settings.json,
// so a URL set through the API survives a restart without a config edit.
func (a *App) serverURL() string {
	if a.cfg.Agent.ServerURL != "" {
		return a.cfg.Agent.ServerURL
	}
	return a.store.Settings().ServerURL
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}
	return hex.EncodeToString(b)
}

// senderPolicy admits everyone when allowed is empty, otherwise only listed
// senders. Denied senders are dropped silently either way.
func senderPolicy(allowed, denied []string) bridge.Policy {
	allowSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		allowSet[s] = true
	}
	denySet := make(map[string]bool, len(denied))
	for _, s := range denied {
		denySet[s] = true
	}
	return func(msg bridge.InboundMessage) error {
		if denySet[msg.Sender] {
			return bridge.ErrIgnoreMessage
		}
		if len(allowSet) > 0 && !allowSet[msg.Sender] {
			return bridge.ErrIgnoreMessage
		}
		return nil
	}
}

func chainPolicies(ps ...bridge.Policy) bridge.Policy {
	return func(msg bridge.InboundMessage) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p(msg); err != nil {
				return err
			}
		}
		return nil
	}
}

// statusSnapshot is pushed to WebSocket subscribers on connect.
func (a *App) statusSnapshot() map[string]any {
	needsLogin := false
	if _, err := a.store.AccessKey(); err != nil {
		needsLogin = true
	}
	var current string
	connected := false
	if sess := a.rt.Current(); sess != nil {
		current = sess.Name
		connected = sess.State() == agent.StateConnected
	}
	return map[string]any{
		"connected":  connected,
		"session":    current,
		"needsLogin": needsLogin,
		"daemon":     a.sup.Status(),
		"uptime":     time.Since(a.startedAt).Truncate(time.Second).String(),
	}
}

// registerExtensionMethods exposes a small control plane to browser
// extension clients. Methods mirror the HTTP API but ride the persistent
// WebSocket so the extension avoids CORS and polling.
func (a *App) registerExtensionMethods() {
	a.extSrv.RegisterMethod("status", func(ctx context.Context, params json.RawMessage) (any, error) {
		return a.statusSnapshot(), nil
	})
	a.extSrv.RegisterMethod("sessions", func(ctx context.Context, params json.RawMessage) (any, error) {
		return a.rt.List(), nil
	})
	a.extSrv.RegisterMethod("message", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Session string `json:"session"`
			Text    string `json:"text"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if p.Session == "" {
			if sess := a.rt.Current(); sess != nil {
				p.Session = sess.Name
			}
		}
		requestID, err := a.rt.SendMessage(p.Session, p.Text, map[string]string{"origin": "extension"})
		if err != nil {
			return nil, err
		}
		return map[string]string{"request_id": requestID}, nil
	})
	a.extSrv.RegisterMethod("permissions", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Session string `json:"session"`
		}
		_ = json.Unmarshal(params, &p)
		return a.broker.Pending(p.Session), nil
	})
	a.extSrv.RegisterMethod("permission.resolve", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			PromptID     string   `json:"prompt_id"`
			Decision     string   `json:"decision"`
			Mode         string   `json:"mode"`
			AllowedTools []string `json:"allowed_tools"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if err := a.broker.Resolve(p.PromptID, p.Decision, p.Mode, p.AllowedTools); err != nil {
			return nil, err
		}
		return map[string]bool{"resolved": true}, nil
	})
}

// Run starts the servers and blocks until ctx is canceled or a listener
// fails. Shutdown is graceful: channels close before sessions disconnect so
// in-flight turns get their timeout replies.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.led.Restore(ctx)
	a.wireBusHandlers(ctx)

	if err := a.br.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	if a.cfg.Agent.WorkspaceDir != "" {
		if err := a.watch.Watch(a.cfg.Agent.WorkspaceDir); err != nil {
			a.logger.Warn("workspace watch failed", "dir", a.cfg.Agent.WorkspaceDir, "error", err)
		}
	}

	if a.cfg.Supervisor.AutoStart {
		if err := a.sup.EnsureRunning(ctx); err != nil {
			a.logger.Warn("agent child start failed", "error", err)
		}
	}

	apiSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", a.cfg.Server.Port),
		Handler: a.apiSrv.Handler(),
	}
	extSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", a.cfg.Server.ExtensionPort),
		Handler: a.extSrv.Handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("api listening", "addr", apiSrv.Addr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		a.logger.Info("extension listening", "addr", extSrv.Addr)
		if err := extSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("extension server: %w", err)
		}
	}()

	a.connectDefaultSession(ctx)
	a.bus.PublishFrame(protocol.TopicInitialized, map[string]any{
		"port":           a.cfg.Server.Port,
		"extension_port": a.cfg.Server.ExtensionPort,
	})

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	a.logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = apiSrv.Shutdown(shutdownCtx)
	_ = extSrv.Shutdown(shutdownCtx)
	a.br.Close()
	a.rt.DisconnectAll()
	_ = a.watch.Close()
	if err := a.sup.Stop(shutdownCtx); err != nil {
		a.logger.Warn("agent child stop failed", "error", err)
	}
	_ = a.led.Close()
	return runErr
}

// connectDefaultSession brings up the configured session on startup when a
// credential is already stored. Failure is not fatal; the API can connect
// later.
func (a *App) connectDefaultSession(ctx context.Context) {
	if _, err := a.store.AccessKey(); err != nil {
		a.logger.Info("no access key stored, waiting for login")
		return
	}
	name := a.cfg.Agent.DefaultSession
	id, err := a.rt.Connect(ctx, name, a.cfg.Agent.WorkspaceDir, a.cfg.Agent.PermissionMode)
	if err != nil {
		a.logger.Warn("default session connect failed", "session", name, "error", err)
		return
	}
	a.logger.Info("default session connected", "session", name, "session_id", id)
}

// wireBusHandlers installs the cross-component subscriptions: permission
// prompts feed the broker, disconnects deny pending prompts, and a secret
// rotation restarts the agent child and reconnects the current session.
func (a *App) wireBusHandlers(ctx context.Context) {
	a.bus.Subscribe(eventbus.Filter{
		Kinds: map[event.Kind]bool{event.KindPermissionPrompt: true},
	}, a.cfg.Bus.QueueCapacity, eventbus.DropOldest, func(m eventbus.Message) {
		e := m.Event
		if e == nil || e.PermissionPrompt == nil {
			return
		}
		a.broker.Register(permission.Prompt{
			ID:           e.PermissionPrompt.PromptID,
			SessionName:  e.SessionID,
			ToolName:     e.PermissionPrompt.ToolName,
			Input:        e.PermissionPrompt.Input,
			ProposedMode: e.PermissionPrompt.ProposedMode,
			CreatedAt:    e.Timestamp,
		})
	})

	a.bus.Subscribe(eventbus.Filter{
		Topics: map[string]bool{protocol.TopicDisconnected: true},
	}, a.cfg.Bus.QueueCapacity, eventbus.DropOldest, func(m eventbus.Message) {
		data, _ := m.Data.(map[string]any)
		session, _ := data["session"].(string)
		if session == "" {
			return
		}
		if denied := a.broker.DenyAll(session); len(denied) > 0 {
			a.logger.Info("denied pending prompts on disconnect",
				"session", session, "count", len(denied))
		}
	})

	a.bus.Subscribe(eventbus.Filter{
		Topics: map[string]bool{protocol.TopicSecretChanged: true},
	}, a.cfg.Bus.QueueCapacity, eventbus.DropOldest, func(m eventbus.Message) {
		a.handleSecretChanged(ctx)
	})
}

// handleSecretChanged re-materializes the agent home, restarts the child and
// reconnects the current session with the rotated credential.
func (a *App) handleSecretChanged(ctx context.Context) {
	if err := a.sup.Materialize(); err != nil {
		a.logger.Warn("credential materialize failed", "error", err)
	}
	if a.sup.Status().Status == supervisor.StatusRunning {
		if err := a.sup.Restart(ctx); err != nil {
			a.logger.Warn("agent child restart failed", "error", err)
		}
	}

	sess := a.rt.Current()
	if sess == nil {
		return
	}
	name := sess.Name
	workspace := sess.Workspace()
	mode := sess.PermissionMode()
	_ = a.rt.Disconnect(name)
	if _, err := a.rt.Connect(ctx, name, workspace, mode); err != nil {
		a.logger.Warn("reconnect after secret rotation failed", "session", name, "error", err)
		return
	}
	a.logger.Info("session reconnected after secret rotation", "session", name)
}
