package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/flocklab/flock/pkg/api"
	"github.com/flocklab/flock/pkg/budget"
	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/gateway"
	"github.com/flocklab/flock/pkg/improve"
	"github.com/flocklab/flock/pkg/lifecycle"
	"github.com/flocklab/flock/pkg/metrics"
	"github.com/flocklab/flock/pkg/runtime"
	"github.com/flocklab/flock/pkg/store"
	"github.com/flocklab/flock/pkg/store/memory"
	"github.com/flocklab/flock/pkg/store/postgres"
	"github.com/flocklab/flock/pkg/store/sqlite"
	"github.com/flocklab/flock/pkg/team"
	"github.com/flocklab/flock/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Flock daemon",
	Long: `Run the orchestration daemon: the HTTP API, the event bus, the budget
controller, the agent lifecycle manager, the team orchestrator, and the
auto-improvement loop, against the configured state store and runtime
provider.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func runServe(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")

	// Load .env file from config directory
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}
	setupLogging(cfg.Log)

	slog.Info("Starting flock",
		"version", version.Full(),
		"config_dir", configDir,
		"store_backend", cfg.Store.Backend,
		"runtime_provider", cfg.Runtime.Provider)

	// 2. Open the state store
	repo, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Error("Error closing state store", "error", err)
		}
	}()

	// 3. Event bus and optional mirrors
	eventBus := bus.New(cfg.Bus)
	defer func() {
		if err := eventBus.Close(); err != nil {
			slog.Error("Error closing event bus", "error", err)
		}
	}()
	if err := attachMirrors(ctx, cfg, eventBus, repo); err != nil {
		return fmt.Errorf("failed to attach event mirrors: %w", err)
	}

	// 4. Budget controller (applies the global cap, schedules day resets)
	budgetCtl := budget.New(cfg.Budget, repo, eventBus)
	if err := budgetCtl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start budget controller: %w", err)
	}
	defer budgetCtl.Stop()

	// 5. Metrics on a dedicated registry
	m := metrics.New()

	// 6. Runtime provider (gateway client first when configured)
	provider, gw, err := buildProvider(ctx, cfg, eventBus, m)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime provider: %w", err)
	}
	if gw != nil {
		defer func() {
			if err := gw.Close(); err != nil {
				slog.Error("Error closing gateway client", "error", err)
			}
		}()
	}

	// 7. Agent lifecycle manager and budget enforcer
	manager := lifecycle.New(cfg, repo, eventBus, budgetCtl, provider)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	enforcer := lifecycle.NewEnforcer(manager, eventBus)
	if err := enforcer.Start(); err != nil {
		return fmt.Errorf("failed to start budget enforcer: %w", err)
	}

	// 8. Team orchestrator
	orchestrator := team.New(cfg, repo, eventBus, budgetCtl, manager)
	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	// 9. Auto-improvement loop (no-op unless enabled)
	improveLoop := improve.New(cfg.Improve, repo, eventBus, budgetCtl, orchestrator)
	if err := improveLoop.Start(ctx); err != nil {
		return fmt.Errorf("failed to start auto-improvement loop: %w", err)
	}

	// 10. Metrics observer feeds the instruments from the live system
	observer := metrics.NewObserver(m, repo, eventBus, budgetCtl, 15*time.Second)
	if err := observer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics observer: %w", err)
	}

	// 11. HTTP server
	httpServer := api.NewServer(cfg.Server, manager, orchestrator, budgetCtl, eventBus, repo)
	httpServer.SetMetricsHandler(m.Handler())

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Flock started successfully",
		"provider", provider.Name(),
		"max_concurrent_agents", cfg.Lifecycle.MaxConcurrentAgents)

	// 12. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 13. Graceful shutdown. Work submitters stop before the things they
	// submit to; the HTTP server drains last so in-flight requests finish.
	improveLoop.Stop()

	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.Lifecycle.ShutdownGrace+5*time.Second)
	defer drainCancel()

	if err := orchestrator.Stop(drainCtx); err != nil {
		slog.Warn("Orchestrator did not stop cleanly", "error", err)
	}
	enforcer.Stop()
	if err := manager.Stop(drainCtx); err != nil {
		slog.Warn("Lifecycle manager did not stop cleanly", "error", err)
	}
	observer.Stop()

	httpCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}

// setupLogging installs the configured slog handler as the default.
func setupLogging(cfg *config.LogConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// openStore opens the configured store backend.
func openStore(ctx context.Context, cfg *config.StoreConfig) (store.Repository, error) {
	switch cfg.Backend {
	case "memory":
		slog.Warn("Using in-memory store: state will not survive a restart")
		return memory.New(), nil

	case "sqlite":
		repo, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("Opened SQLite store", "path", cfg.Path)
		return repo, nil

	case "postgres":
		pg := cfg.Postgres
		repo, err := postgres.Open(ctx, postgres.Config{
			Host:            pg.Host,
			Port:            pg.Port,
			User:            pg.User,
			Password:        pg.Password,
			Database:        pg.Database,
			SSLMode:         pg.SSLMode,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
			ConnMaxIdleTime: pg.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Connected to PostgreSQL store", "host", pg.Host, "database", pg.Database)
		return repo, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// attachMirrors wires the configured out-of-process event mirrors onto the
// bus. Mirror failures degrade to mirror_failed events, never to startup
// failures, but an unreachable redis at boot is surfaced immediately.
func attachMirrors(ctx context.Context, cfg *config.Config, eventBus *bus.Bus, repo store.Repository) error {
	mirror := cfg.Bus.Mirror
	if mirror == nil {
		return nil
	}

	if mirror.PGNotify {
		pgStore, ok := repo.(*postgres.Store)
		if !ok {
			slog.Warn("pg_notify mirror requires the postgres store backend, skipping")
		} else {
			if err := eventBus.AddMirror(bus.NewPGNotifyMirror(pgStore.DB())); err != nil {
				return err
			}
			slog.Info("Attached pg_notify event mirror")
		}
	}

	if mirror.Redis != nil && mirror.Redis.Addr != "" {
		rm, err := bus.NewRedisStreamMirror(ctx, mirror.Redis)
		if err != nil {
			return err
		}
		if err := eventBus.AddMirror(rm); err != nil {
			return err
		}
		slog.Info("Attached redis stream event mirror",
			"addr", mirror.Redis.Addr, "stream", mirror.Redis.Stream)
	}

	return nil
}

// buildProvider selects and starts the runtime provider. The gateway client
// is returned so shutdown can close it after the lifecycle manager drains.
func buildProvider(ctx context.Context, cfg *config.Config, eventBus *bus.Bus, m *metrics.Metrics) (runtime.Provider, *gateway.Client, error) {
	switch cfg.Runtime.Provider {
	case "gateway":
		gw := gateway.New(cfg.Gateway, eventBus)
		gw.OnRPC = m.ObserveRPC
		if err := gw.Start(ctx); err != nil {
			return nil, nil, err
		}
		return runtime.NewGatewayProvider(gw, slog.Default()), gw, nil

	case "local":
		provider, err := runtime.NewLocalProvider(cfg.Runtime.Local, cfg.Store.DataDir, slog.Default())
		if err != nil {
			return nil, nil, err
		}
		return provider, nil, nil

	case "stub":
		slog.Warn("Using stub runtime provider: agents echo instead of running")
		return runtime.NewStubProvider(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown runtime provider %q", cfg.Runtime.Provider)
	}
}
