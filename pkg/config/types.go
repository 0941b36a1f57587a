package config

import (
	"time"

	"github.com/flocklab/flock/pkg/models"
)

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	// Host is the bind address; empty binds all interfaces.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedWSOrigins are additional origin patterns accepted by the event
	// streaming websocket (localhost is always accepted).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	// ShutdownTimeout bounds the HTTP server drain on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and tunes the state store backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "postgres".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Defaults to <data_dir>/flock.db.
	Path string `yaml:"path"`

	// DataDir is the root for the database, per-team workspaces, and agent
	// logs.
	DataDir string `yaml:"data_dir"`

	Postgres *PostgresConfig `yaml:"postgres"`
}

// PostgresConfig contains connection settings for the postgres backend.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// GatewayConfig contains gateway client dial, auth, and retry settings.
type GatewayConfig struct {
	URL      string   `yaml:"url"`
	Token    string   `yaml:"token"`
	ClientID string   `yaml:"client_id"`
	Scopes   []string `yaml:"scopes"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// RequestTimeout is the default control-call deadline; long-running calls
	// pass their own context.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`

	// Reconnect backoff: base delay doubling up to the cap, unlimited
	// attempts unless MaxReconnectAttempts is set.
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	// SendQueueDepth bounds calls queued while reconnecting; further calls
	// fail fast as disconnected.
	SendQueueDepth int `yaml:"send_queue_depth"`

	// Outbound rate limit. Zero disables limiting.
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

// RuntimeConfig selects the backend that executes agent workloads.
type RuntimeConfig struct {
	// Provider is one of "local", "gateway", "stub". Empty resolves to
	// "gateway" when a gateway URL is configured, else "local".
	Provider string `yaml:"provider"`

	Local *LocalRuntimeConfig `yaml:"local"`
}

// LocalRuntimeConfig tunes the child-process runner. Each agent works in
// <data_dir>/workspace/<team>/agents/<agent> with an append-only run log.
type LocalRuntimeConfig struct {
	// Command is the agent binary, invoked once per message; the run request
	// arrives as JSON on stdin and the final stdout JSON line is the result.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Env adds KEY=VALUE pairs to the child environment.
	Env map[string]string `yaml:"env"`

	// KillGrace is how long a process group has after interrupt before it is
	// force-killed.
	KillGrace time.Duration `yaml:"kill_grace"`
}

// BusConfig tunes the in-process event bus and optional mirrors.
type BusConfig struct {
	// ReplaySize is the ring buffer capacity backing get_recent and replay.
	ReplaySize int `yaml:"replay_size"`

	// SubscriberQueueSize bounds each async subscription; overflow drops the
	// oldest queued event and emits a throttled lag_warning.
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`

	// LagWarnInterval throttles lag_warning emission per subscription.
	LagWarnInterval time.Duration `yaml:"lag_warn_interval"`

	Mirror *MirrorConfig `yaml:"mirror"`
}

// MirrorConfig enables out-of-process event mirrors. Mirror failures never
// fail a publish.
type MirrorConfig struct {
	// PGNotify mirrors events over postgres NOTIFY. Only effective with the
	// postgres store backend.
	PGNotify bool `yaml:"pg_notify"`

	Redis *RedisMirrorConfig `yaml:"redis"`
}

// RedisMirrorConfig mirrors events onto a capped redis stream.
type RedisMirrorConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	// MaxLen caps the stream length (approximate trimming).
	MaxLen int64 `yaml:"max_len"`
}

// BudgetConfig contains the enforcement ladder and pricing table.
type BudgetConfig struct {
	// GlobalDailyCostCap is the process-wide daily USD ceiling. Zero means
	// no global cap.
	GlobalDailyCostCap float64 `yaml:"global_daily_cost_cap"`

	// Ladder thresholds as fractions of a scope's limit.
	WarnPct     float64 `yaml:"warn_pct"`
	ThrottlePct float64 `yaml:"throttle_pct"`
	HardPct     float64 `yaml:"hard_pct"`

	// DailyResetHourUTC is the wall-clock hour at which day windows reset.
	DailyResetHourUTC int `yaml:"daily_reset_hour_utc"`

	// Pricing overrides or extends the built-in per-model table.
	Pricing map[string]models.ModelPricing `yaml:"pricing"`

	// DefaultModel prices debits whose usage carries no model name.
	DefaultModel string `yaml:"default_model"`
}

// LifecycleConfig tunes the agent lifecycle manager.
type LifecycleConfig struct {
	// MaxConcurrentAgents caps live (non-terminal) agents process-wide.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`

	// DefaultMaxRetries applies when a spawn request does not set its own.
	DefaultMaxRetries int `yaml:"default_max_retries"`

	// Retry backoff: base doubling per attempt up to the cap, with jitter.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	SpawnTimeout time.Duration `yaml:"spawn_timeout"`

	// Kill reaper: failed remote kills are retried until KillMaxAttempts,
	// then surfaced as orphan_session.
	KillMaxAttempts int           `yaml:"kill_max_attempts"`
	ReaperInterval  time.Duration `yaml:"reaper_interval"`

	// ShutdownGrace is how long running agents may finish before shutdown
	// force-kills the rest.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// OrchestratorConfig tunes the team orchestrator.
type OrchestratorConfig struct {
	MaxTeamSize  int `yaml:"max_team_size"`
	MaxTreeDepth int `yaml:"max_tree_depth"`

	// CoordinatorOverheadPct is the fraction of a team budget reserved for
	// coordination (reducer, coordinator) before the per-member split.
	CoordinatorOverheadPct float64 `yaml:"coordinator_overhead_pct"`

	// ScaleMinInterval throttles consecutive automatic scale changes.
	ScaleMinInterval time.Duration `yaml:"scale_min_interval"`
	// AutoScaleInterval is the autoscaler evaluation cadence.
	AutoScaleInterval time.Duration `yaml:"auto_scale_interval"`

	// DegradedAbortAfter destroys a team left paused by a failure-budget
	// breach once this much time passes without operator action. Zero
	// disables the auto-abort.
	DegradedAbortAfter time.Duration `yaml:"degraded_abort_after"`
}

// ImproveConfig tunes the auto-improvement loop.
type ImproveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	// CycleCostCap clips each improvement team's budget_allocated.
	CycleCostCap float64 `yaml:"cycle_cost_cap"`
	// DailyCostCap is the loop's own daily ceiling, independent of operator
	// teams.
	DailyCostCap float64 `yaml:"daily_cost_cap"`

	// AllowedPaths is the file allow-list improvement tasks may target.
	AllowedPaths []string `yaml:"allowed_paths"`

	// Health check policy thresholds.
	FailedFractionThreshold float64 `yaml:"failed_fraction_threshold"`
	DropRateThreshold       float64 `yaml:"drop_rate_threshold"`
	BurnRateThreshold       float64 `yaml:"burn_rate_threshold"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}
