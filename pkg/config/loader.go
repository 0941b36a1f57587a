package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// FlockYAMLConfig represents the complete flock.yaml file structure. Every
// section is optional; unset sections fall back to built-in defaults.
type FlockYAMLConfig struct {
	Server       *ServerConfig       `yaml:"server"`
	Store        *StoreConfig        `yaml:"store"`
	Gateway      *GatewayConfig      `yaml:"gateway"`
	Runtime      *RuntimeConfig      `yaml:"runtime"`
	Bus          *BusConfig          `yaml:"bus"`
	Budget       *BudgetConfig       `yaml:"budget"`
	Lifecycle    *LifecycleConfig    `yaml:"lifecycle"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator"`
	Improve      *ImproveConfig      `yaml:"improve"`
	Log          *LogConfig          `yaml:"log"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load flock.yaml from configDir (missing file falls back to defaults)
//  2. Expand environment variables
//  3. Merge user-defined sections over built-in defaults
//  4. Apply the environment overrides the core contractually reads
//  5. Resolve derived values (sqlite path under data dir)
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"store_backend", stats.Backend,
		"gateway_configured", stats.GatewaySet,
		"mirrors", stats.MirrorCount,
		"pricing_overrides", stats.PricingOverride,
		"improve_enabled", stats.ImproveEnabled)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	yamlCfg, err := loadFlockYAML(configDir)
	if err != nil {
		return nil, NewLoadError("flock.yaml", err)
	}

	cfg := &Config{
		configDir:    configDir,
		Server:       DefaultServerConfig(),
		Store:        DefaultStoreConfig(),
		Gateway:      DefaultGatewayConfig(),
		Runtime:      DefaultRuntimeConfig(),
		Bus:          DefaultBusConfig(),
		Budget:       DefaultBudgetConfig(),
		Lifecycle:    DefaultLifecycleConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Improve:      DefaultImproveConfig(),
		Log:          DefaultLogConfig(),
	}

	// Merge user-provided sections into defaults (non-zero values override)
	if err := mergeSection("server", cfg.Server, yamlCfg.Server); err != nil {
		return nil, err
	}
	if err := mergeSection("store", cfg.Store, yamlCfg.Store); err != nil {
		return nil, err
	}
	if err := mergeSection("gateway", cfg.Gateway, yamlCfg.Gateway); err != nil {
		return nil, err
	}
	if err := mergeSection("runtime", cfg.Runtime, yamlCfg.Runtime); err != nil {
		return nil, err
	}
	if err := mergeSection("bus", cfg.Bus, yamlCfg.Bus); err != nil {
		return nil, err
	}
	if err := mergeSection("budget", cfg.Budget, yamlCfg.Budget); err != nil {
		return nil, err
	}
	if err := mergeSection("lifecycle", cfg.Lifecycle, yamlCfg.Lifecycle); err != nil {
		return nil, err
	}
	if err := mergeSection("orchestrator", cfg.Orchestrator, yamlCfg.Orchestrator); err != nil {
		return nil, err
	}
	if err := mergeSection("improve", cfg.Improve, yamlCfg.Improve); err != nil {
		return nil, err
	}
	if err := mergeSection("log", cfg.Log, yamlCfg.Log); err != nil {
		return nil, err
	}

	// Postgres defaults merge the same way, one level down.
	if cfg.Store.Backend == "postgres" {
		pg := DefaultPostgresConfig()
		if err := mergeSection("postgres", pg, cfg.Store.Postgres); err != nil {
			return nil, err
		}
		cfg.Store.Postgres = pg
	}

	applyEnvOverrides(cfg)
	resolveDerived(cfg)

	return cfg, nil
}

// mergeSection merges a user-supplied section into its defaults; nil src
// keeps the defaults untouched.
func mergeSection[T any](name string, dst, src *T) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge %s config: %w", name, err)
	}
	return nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

func loadFlockYAML(configDir string) (*FlockYAMLConfig, error) {
	var config FlockYAMLConfig

	path := filepath.Join(configDir, "flock.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// The file is optional: env vars plus defaults are a complete
			// configuration for single-process use.
			slog.Info("No flock.yaml found, using defaults", "path", path)
			return &config, nil
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &config, nil
}

// applyEnvOverrides applies the environment variables the core contractually
// reads. They take precedence over flock.yaml.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("MAX_CONCURRENT_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Lifecycle.MaxConcurrentAgents = n
		} else {
			slog.Warn("Invalid MAX_CONCURRENT_AGENTS, keeping configured value",
				"value", v,
				"configured", cfg.Lifecycle.MaxConcurrentAgents)
		}
	}
	if v := os.Getenv("GLOBAL_DAILY_COST_CAP"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Budget.GlobalDailyCostCap = f
		} else {
			slog.Warn("Invalid GLOBAL_DAILY_COST_CAP, keeping configured value",
				"value", v,
				"configured", cfg.Budget.GlobalDailyCostCap)
		}
	}
}

// resolveDerived fills values computed from other settings.
func resolveDerived(cfg *Config) {
	if cfg.Store.Backend == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.Store.DataDir, "flock.db")
	}
	if cfg.Runtime.Provider == "" {
		if cfg.Gateway.URL != "" {
			cfg.Runtime.Provider = "gateway"
		} else {
			cfg.Runtime.Provider = "local"
		}
	}
}
