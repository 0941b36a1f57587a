// Package e2e exercises the assembled flock stack over its public HTTP API:
// real store, bus, budget controller, lifecycle manager, and orchestrator
// wired the way the serve command wires them, with only the runtime backend
// scripted. Tests drive the API and assert on the store and the event stream.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flocklab/flock/pkg/api"
	"github.com/flocklab/flock/pkg/budget"
	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/gateway"
	"github.com/flocklab/flock/pkg/improve"
	"github.com/flocklab/flock/pkg/lifecycle"
	"github.com/flocklab/flock/pkg/metrics"
	"github.com/flocklab/flock/pkg/runtime"
	"github.com/flocklab/flock/pkg/store/memory"
	"github.com/flocklab/flock/pkg/team"
)

// TestApp is one fully wired flock process under test.
type TestApp struct {
	Config *config.Config

	Repo         *memory.Store
	Bus          *bus.Bus
	Budget       *budget.Controller
	Manager      *lifecycle.Manager
	Enforcer     *lifecycle.Enforcer
	Orchestrator *team.Orchestrator
	Improver     *improve.Loop
	Metrics      *metrics.Metrics
	Server       *api.Server

	// Provider is the scripted runtime backend. Nil when the app was built
	// with WithGateway; Gateway then carries the real client instead.
	Provider *runtime.StubProvider
	Gateway  *gateway.Client

	// BaseURL is the root of the HTTP API, e.g. http://127.0.0.1:41523.
	BaseURL string
}

type testAppConfig struct {
	cfg        *config.Config
	gatewayCfg *config.GatewayConfig
}

// TestAppOption customizes NewTestApp.
type TestAppOption func(*testAppConfig)

// WithConfig replaces the default test configuration.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(tc *testAppConfig) { tc.cfg = cfg }
}

// WithGateway runs agents through a real gateway client dialed at the given
// endpoint instead of the scripted stub provider.
func WithGateway(gatewayCfg *config.GatewayConfig) TestAppOption {
	return func(tc *testAppConfig) { tc.gatewayCfg = gatewayCfg }
}

// NewTestApp assembles and starts the full stack on an ephemeral port. The
// wiring order mirrors the serve command; teardown runs in reverse via
// t.Cleanup when the test finishes.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	cfg := tc.cfg
	if cfg == nil {
		cfg = defaultTestConfig()
	}

	ctx := context.Background()
	app := &TestApp{Config: cfg}

	// 1. State store. Every test gets a fresh in-memory repository.
	app.Repo = memory.New()

	// 2. Event bus.
	app.Bus = bus.New(cfg.Bus)

	// 3. Budget controller.
	app.Budget = budget.New(cfg.Budget, app.Repo, app.Bus)
	require.NoError(t, app.Budget.Start(ctx))

	// 4. Runtime provider: scripted stub by default, a real gateway client
	// when the test supplied an endpoint.
	var provider runtime.Provider
	if tc.gatewayCfg != nil {
		app.Gateway = gateway.New(tc.gatewayCfg, app.Bus)
		require.NoError(t, app.Gateway.Start(ctx))
		provider = runtime.NewGatewayProvider(app.Gateway, slog.Default())
	} else {
		app.Provider = runtime.NewStubProvider()
		provider = app.Provider
	}

	// 5. Lifecycle manager and the budget enforcer that reacts to
	// exhaustion events.
	app.Manager = lifecycle.New(cfg, app.Repo, app.Bus, app.Budget, provider)
	require.NoError(t, app.Manager.Start(ctx))
	app.Enforcer = lifecycle.NewEnforcer(app.Manager, app.Bus)
	require.NoError(t, app.Enforcer.Start())

	// 6. Team orchestrator.
	app.Orchestrator = team.New(cfg, app.Repo, app.Bus, app.Budget, app.Manager)
	require.NoError(t, app.Orchestrator.Start(ctx))

	// 7. Auto-improvement loop, disabled by the default test config.
	app.Improver = improve.New(cfg.Improve, app.Repo, app.Bus, app.Budget, app.Orchestrator)
	require.NoError(t, app.Improver.Start(ctx))

	// 8. Metrics.
	app.Metrics = metrics.New()
	observer := metrics.NewObserver(app.Metrics, app.Repo, app.Bus, app.Budget, time.Second)
	require.NoError(t, observer.Start())

	// 9. HTTP API on an ephemeral port.
	app.Server = api.NewServer(cfg.Server, app.Manager, app.Orchestrator, app.Budget, app.Bus, app.Repo)
	app.Server.SetMetricsHandler(app.Metrics.Handler())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	app.BaseURL = fmt.Sprintf("http://%s", ln.Addr().String())
	go func() {
		if err := app.Server.StartWithListener(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("api server exited: %v", err)
		}
	}()

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		app.Improver.Stop()
		if err := app.Orchestrator.Stop(shutdownCtx); err != nil {
			t.Logf("orchestrator stop: %v", err)
		}
		app.Enforcer.Stop()
		if err := app.Manager.Stop(shutdownCtx); err != nil {
			t.Logf("lifecycle manager stop: %v", err)
		}
		observer.Stop()
		if err := app.Server.Shutdown(shutdownCtx); err != nil {
			t.Logf("api server shutdown: %v", err)
		}
		if app.Gateway != nil {
			_ = app.Gateway.Close()
		}
		app.Budget.Stop()
		_ = app.Bus.Close()
		_ = app.Repo.Close()
	})

	return app
}

// defaultTestConfig is the production default configuration with the timing
// knobs turned down far enough that retries, reaping, and autoscaling are
// observable within a test run.
func defaultTestConfig() *config.Config {
	cfg := &config.Config{
		Server:       config.DefaultServerConfig(),
		Store:        config.DefaultStoreConfig(),
		Gateway:      config.DefaultGatewayConfig(),
		Runtime:      config.DefaultRuntimeConfig(),
		Bus:          config.DefaultBusConfig(),
		Budget:       config.DefaultBudgetConfig(),
		Lifecycle:    config.DefaultLifecycleConfig(),
		Orchestrator: config.DefaultOrchestratorConfig(),
		Improve:      config.DefaultImproveConfig(),
		Log:          config.DefaultLogConfig(),
	}
	cfg.Lifecycle.RetryBaseDelay = 20 * time.Millisecond
	cfg.Lifecycle.RetryMaxDelay = 200 * time.Millisecond
	cfg.Lifecycle.SpawnTimeout = 5 * time.Second
	cfg.Lifecycle.ReaperInterval = 20 * time.Millisecond
	cfg.Lifecycle.ShutdownGrace = 500 * time.Millisecond
	cfg.Orchestrator.ScaleMinInterval = 20 * time.Millisecond
	cfg.Orchestrator.AutoScaleInterval = 20 * time.Millisecond
	return cfg
}
