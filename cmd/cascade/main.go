package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/rendis/cascade/internal/engine"
	"github.com/rendis/cascade/internal/expressions"
	"github.com/rendis/cascade/internal/logging"
	"github.com/rendis/cascade/internal/provider"
	"github.com/rendis/cascade/internal/scheduler"
	"github.com/rendis/cascade/internal/secrets"
	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/internal/streaming"
	"github.com/rendis/cascade/internal/tracing"
	"github.com/rendis/cascade/internal/validation"
	"github.com/rendis/cascade/internal/variables"
	"github.com/rendis/cascade/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cascade:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = s.Close() }()
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	hub := streaming.NewMemoryHub()

	vault, err := openVault(s)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	registry := provider.NewRegistry()
	bridges, err := startBridges(ctx, cfg, registry, vault, logger)
	if err != nil {
		return err
	}
	defer stopBridges(bridges, logger)

	guards, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}

	dispatcher := engine.NewDispatcher(registry, bridgeRefresher(bridges), hub, s, logger)
	interactor := engine.HeadlessInteractor{}
	postActions := engine.NewPostActionProcessor(
		s,
		expressions.NewGoJQEngine(),
		expressions.NewExprEngine(),
		validation.NewPayloadValidator(),
		hub,
		interactor,
		logger,
	)
	postActions.SkipAllPreviews(cfg.SkipPreviews)

	orch := engine.NewOrchestrator(engine.OrchestratorDeps{
		Store:       s,
		Recorder:    tracing.NewBestEffortRecorder(tracing.NewStoreRecorder(s), logger),
		Dispatcher:  dispatcher,
		Retry:       engine.NewRetryController(logger),
		Questions:   engine.NewQuestionLoop(interactor, logger),
		PostActions: postActions,
		Guards:      guards,
		Hub:         hub,
		Interactor:  interactor,
		Logger:      logger,
		User:        variables.UserInfo{Name: cfg.UserName, Email: cfg.UserEmail},
	})

	var sched *scheduler.Scheduler
	if cfg.Scheduler {
		sched = scheduler.NewScheduler(s, scheduledRunner{orch: orch}, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-run recovery failed", "error", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewCascadeServer(mcp.CascadeServerDeps{
		Controller: orch,
		Store:      s,
		Scheduler:  sched,
		Hub:        hub,
		Logger:     logger,
	})
	notifier := mcp.NewRunNotifier(srv.MCPServer(), srv.Sessions(), hub, logger)
	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("start notifier: %w", err)
	}

	logger.Info("cascade server ready",
		"db", cfg.DBPath,
		"providers", registry.List(),
		"scheduler", cfg.Scheduler)

	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// openVault builds the secret vault when a passphrase is configured.
// Without one, vault:KEY references in provider env entries are an error.
func openVault(s store.Store) (secrets.Vault, error) {
	passphrase := os.Getenv("CASCADE_VAULT_PASSPHRASE")
	if passphrase == "" {
		return nil, nil
	}
	return secrets.NewAESVault(secrets.NewSettingsSecretStore(s), secrets.VaultConfig{
		Passphrase: passphrase,
		Salt:       []byte("cascade-vault-v1"),
	})
}

// startBridges launches every configured provider bridge and registers its
// binding. The first provider becomes the fallback unless one is named.
func startBridges(ctx context.Context, cfg Config, registry *provider.Registry, vault secrets.Vault, logger *slog.Logger) ([]*provider.Bridge, error) {
	var bridges []*provider.Bridge
	for _, pc := range cfg.Providers {
		strategy, err := strategyKind(pc.Strategy)
		if err != nil {
			return bridges, err
		}
		env := pc.Env
		if vault != nil {
			env, err = secrets.ResolveEnv(ctx, vault, env)
			if err != nil {
				return bridges, err
			}
		} else if hasVaultRefs(env) {
			return bridges, fmt.Errorf(
				"provider %q references vault secrets but CASCADE_VAULT_PASSPHRASE is not set", pc.ID)
		}
		b := provider.NewBridge(provider.BridgeConfig{
			Provider: pc.ID,
			Strategy: strategy,
			Command:  pc.Command,
			Args:     pc.Args,
			Env:      env,
		}, logger)
		if err := b.Start(ctx); err != nil {
			return bridges, fmt.Errorf("start provider %q: %w", pc.ID, err)
		}
		bridges = append(bridges, b)
		if err := registry.Register(b.Binding()); err != nil {
			return bridges, err
		}
	}

	switch {
	case cfg.Fallback != "":
		registry.SetFallback(cfg.Fallback)
	case len(cfg.Providers) > 0:
		registry.SetFallback(cfg.Providers[0].ID)
	}
	return bridges, nil
}

func stopBridges(bridges []*provider.Bridge, logger *slog.Logger) {
	for _, b := range bridges {
		if err := b.Stop(context.Background()); err != nil {
			logger.Warn("bridge stop failed", "error", err)
		}
	}
}

func hasVaultRefs(env []string) bool {
	for _, entry := range env {
		if _, value, ok := strings.Cut(entry, "="); ok && strings.HasPrefix(value, "vault:") {
			return true
		}
	}
	return false
}

// bridgeRefresher fans a session refresh out to every bridge.
type bridgeRefresher []*provider.Bridge

func (r bridgeRefresher) RefreshSession(ctx context.Context) error {
	for _, b := range r {
		if err := b.RefreshSession(ctx); err != nil {
			return err
		}
	}
	return nil
}

// scheduledRunner adapts the orchestrator to the scheduler's contract.
// Each scheduled run gets a fresh conversation context.
type scheduledRunner struct {
	orch *engine.Orchestrator
}

func (r scheduledRunner) RunCascade(ctx context.Context, rootNodeID string) error {
	_, err := r.orch.ExecuteCascade(ctx, rootNodeID, uuid.New().String())
	return err
}
