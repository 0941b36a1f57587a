package config

import "time"

// DefaultServerConfig returns the built-in HTTP defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		ShutdownTimeout: 5 * time.Second,
	}
}

// DefaultStoreConfig returns the built-in store defaults. Path is resolved
// against DataDir during load when left empty.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Backend: "sqlite",
		DataDir: "./data",
	}
}

// DefaultPostgresConfig returns the built-in postgres connection defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "flock",
		Database:        "flock",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// DefaultGatewayConfig returns the built-in gateway client defaults.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		ClientID:           "flock-core",
		Scopes:             []string{"sessions", "events"},
		HandshakeTimeout:   10 * time.Second,
		RequestTimeout:     30 * time.Second,
		PingInterval:       30 * time.Second,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		SendQueueDepth:     128,
		RateLimitPerSecond: 50,
		RateLimitBurst:     100,
	}
}

// DefaultRuntimeConfig returns the built-in runtime defaults. The provider
// is resolved during load once the gateway section is known.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Local: &LocalRuntimeConfig{
			KillGrace: 5 * time.Second,
		},
	}
}

// DefaultBusConfig returns the built-in bus defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		ReplaySize:          10000,
		SubscriberQueueSize: 1024,
		LagWarnInterval:     10 * time.Second,
	}
}

// DefaultBudgetConfig returns the built-in budget ladder.
func DefaultBudgetConfig() *BudgetConfig {
	return &BudgetConfig{
		WarnPct:     0.75,
		ThrottlePct: 0.90,
		HardPct:     1.00,
	}
}

// DefaultLifecycleConfig returns the built-in lifecycle defaults.
func DefaultLifecycleConfig() *LifecycleConfig {
	return &LifecycleConfig{
		MaxConcurrentAgents: 20,
		DefaultMaxRetries:   3,
		RetryBaseDelay:      1 * time.Second,
		RetryMaxDelay:       5 * time.Minute,
		SpawnTimeout:        30 * time.Second,
		KillMaxAttempts:     5,
		ReaperInterval:      30 * time.Second,
		ShutdownGrace:       30 * time.Second,
	}
}

// DefaultOrchestratorConfig returns the built-in team defaults.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		MaxTeamSize:            32,
		MaxTreeDepth:           3,
		CoordinatorOverheadPct: 0.10,
		ScaleMinInterval:       30 * time.Second,
		AutoScaleInterval:      15 * time.Second,
	}
}

// DefaultImproveConfig returns the built-in improvement loop defaults. The
// loop is off until explicitly enabled.
func DefaultImproveConfig() *ImproveConfig {
	return &ImproveConfig{
		Enabled:                 false,
		Interval:                15 * time.Minute,
		CycleCostCap:            1.00,
		DailyCostCap:            5.00,
		FailedFractionThreshold: 0.30,
		DropRateThreshold:       0.01,
		BurnRateThreshold:       0.90,
	}
}

// DefaultLogConfig returns the built-in logging defaults.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  "info",
		Format: "text",
	}
}
