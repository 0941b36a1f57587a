package config

import (
	"fmt"
)

// Validator validates configuration comprehensively with clear error messages
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *Validator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := v.validateStore(); err != nil {
		return fmt.Errorf("store validation failed: %w", err)
	}
	if err := v.validateGateway(); err != nil {
		return fmt.Errorf("gateway validation failed: %w", err)
	}
	if err := v.validateRuntime(); err != nil {
		return fmt.Errorf("runtime validation failed: %w", err)
	}
	if err := v.validateBus(); err != nil {
		return fmt.Errorf("bus validation failed: %w", err)
	}
	if err := v.validateBudget(); err != nil {
		return fmt.Errorf("budget validation failed: %w", err)
	}
	if err := v.validateLifecycle(); err != nil {
		return fmt.Errorf("lifecycle validation failed: %w", err)
	}
	if err := v.validateOrchestrator(); err != nil {
		return fmt.Errorf("orchestrator validation failed: %w", err)
	}
	if err := v.validateImprove(); err != nil {
		return fmt.Errorf("improve validation failed: %w", err)
	}
	if err := v.validateLog(); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateServer() error {
	s := v.cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return NewFieldError("server", "port", fmt.Sprintf("must be 1-65535, got %d", s.Port))
	}
	return nil
}

func (v *Validator) validateStore() error {
	s := v.cfg.Store
	switch s.Backend {
	case "memory":
	case "sqlite":
		if s.Path == "" {
			return NewFieldError("store", "path", "required for sqlite backend")
		}
	case "postgres":
		if s.Postgres == nil {
			return NewFieldError("store", "postgres", "required for postgres backend")
		}
		if s.Postgres.Host == "" {
			return NewFieldError("store", "postgres.host", "required")
		}
		if s.Postgres.Database == "" {
			return NewFieldError("store", "postgres.database", "required")
		}
	default:
		return NewFieldError("store", "backend",
			fmt.Sprintf("must be one of memory, sqlite, postgres; got '%s'", s.Backend))
	}
	if s.DataDir == "" {
		return NewFieldError("store", "data_dir", "required")
	}
	return nil
}

func (v *Validator) validateGateway() error {
	g := v.cfg.Gateway
	// A gateway is optional; when configured the auth material must be too.
	if g.URL == "" {
		return nil
	}
	if g.Token == "" {
		return NewFieldError("gateway", "token", "required when url is set (GATEWAY_TOKEN)")
	}
	if g.SendQueueDepth < 1 {
		return NewFieldError("gateway", "send_queue_depth", "must be at least 1")
	}
	if g.ReconnectBaseDelay <= 0 || g.ReconnectMaxDelay < g.ReconnectBaseDelay {
		return NewFieldError("gateway", "reconnect_base_delay", "base must be positive and not exceed the cap")
	}
	return nil
}

func (v *Validator) validateRuntime() error {
	r := v.cfg.Runtime
	switch r.Provider {
	case "local", "stub":
	case "gateway":
		if v.cfg.Gateway.URL == "" {
			return NewFieldError("runtime", "provider", "gateway provider requires gateway.url")
		}
	default:
		return NewFieldError("runtime", "provider",
			fmt.Sprintf("must be one of local, gateway, stub; got '%s'", r.Provider))
	}
	if r.Local != nil && r.Local.KillGrace < 0 {
		return NewFieldError("runtime", "local.kill_grace", "must not be negative")
	}
	return nil
}

func (v *Validator) validateBus() error {
	b := v.cfg.Bus
	if b.ReplaySize < 1 {
		return NewFieldError("bus", "replay_size", "must be at least 1")
	}
	if b.SubscriberQueueSize < 1 {
		return NewFieldError("bus", "subscriber_queue_size", "must be at least 1")
	}
	if b.Mirror != nil && b.Mirror.Redis != nil && b.Mirror.Redis.Addr != "" {
		if b.Mirror.Redis.Stream == "" {
			return NewFieldError("bus", "mirror.redis.stream", "required when redis mirror is enabled")
		}
	}
	return nil
}

func (v *Validator) validateBudget() error {
	b := v.cfg.Budget
	if b.WarnPct <= 0 || b.WarnPct > 1 {
		return NewFieldError("budget", "warn_pct", "must be in (0, 1]")
	}
	if b.ThrottlePct < b.WarnPct || b.ThrottlePct > 1 {
		return NewFieldError("budget", "throttle_pct", "must be in [warn_pct, 1]")
	}
	if b.HardPct < b.ThrottlePct {
		return NewFieldError("budget", "hard_pct", "must be at least throttle_pct")
	}
	if b.DailyResetHourUTC < 0 || b.DailyResetHourUTC > 23 {
		return NewFieldError("budget", "daily_reset_hour_utc", "must be 0-23")
	}
	if b.GlobalDailyCostCap < 0 {
		return NewFieldError("budget", "global_daily_cost_cap", "must not be negative")
	}
	for model, p := range b.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return NewFieldError("budget", "pricing",
				fmt.Sprintf("model '%s' has negative pricing", model))
		}
	}
	return nil
}

func (v *Validator) validateLifecycle() error {
	l := v.cfg.Lifecycle
	if l.MaxConcurrentAgents < 1 {
		return NewFieldError("lifecycle", "max_concurrent_agents", "must be at least 1")
	}
	if l.DefaultMaxRetries < 0 {
		return NewFieldError("lifecycle", "default_max_retries", "must not be negative")
	}
	if l.RetryBaseDelay <= 0 || l.RetryMaxDelay < l.RetryBaseDelay {
		return NewFieldError("lifecycle", "retry_base_delay", "base must be positive and not exceed the cap")
	}
	if l.KillMaxAttempts < 1 {
		return NewFieldError("lifecycle", "kill_max_attempts", "must be at least 1")
	}
	return nil
}

func (v *Validator) validateOrchestrator() error {
	o := v.cfg.Orchestrator
	if o.MaxTeamSize < 1 {
		return NewFieldError("orchestrator", "max_team_size", "must be at least 1")
	}
	if o.MaxTreeDepth < 1 {
		return NewFieldError("orchestrator", "max_tree_depth", "must be at least 1")
	}
	if o.CoordinatorOverheadPct < 0 || o.CoordinatorOverheadPct >= 1 {
		return NewFieldError("orchestrator", "coordinator_overhead_pct", "must be in [0, 1)")
	}
	return nil
}

func (v *Validator) validateImprove() error {
	i := v.cfg.Improve
	if !i.Enabled {
		return nil
	}
	if i.Interval <= 0 {
		return NewFieldError("improve", "interval", "must be positive when enabled")
	}
	if i.CycleCostCap <= 0 {
		return NewFieldError("improve", "cycle_cost_cap", "must be positive when enabled")
	}
	if i.DailyCostCap < i.CycleCostCap {
		return NewFieldError("improve", "daily_cost_cap", "must be at least cycle_cost_cap")
	}
	if len(i.AllowedPaths) == 0 {
		return NewFieldError("improve", "allowed_paths", "required when enabled; improvement tasks may not target arbitrary files")
	}
	return nil
}

func (v *Validator) validateLog() error {
	l := v.cfg.Log
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return NewFieldError("log", "level",
			fmt.Sprintf("must be one of debug, info, warn, error; got '%s'", l.Level))
	}
	switch l.Format {
	case "text", "json":
	default:
		return NewFieldError("log", "format",
			fmt.Sprintf("must be text or json; got '%s'", l.Format))
	}
	return nil
}
