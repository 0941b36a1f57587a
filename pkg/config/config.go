package config

// Config is the umbrella configuration object covering every component of
// the orchestrator. This is the primary object returned by Initialize() and
// threaded through the explicit object graph at startup.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Server       *ServerConfig
	Store        *StoreConfig
	Gateway      *GatewayConfig
	Runtime      *RuntimeConfig
	Bus          *BusConfig
	Budget       *BudgetConfig
	Lifecycle    *LifecycleConfig
	Orchestrator *OrchestratorConfig
	Improve      *ImproveConfig
	Log          *LogConfig
}

// Initialize is defined in loader.go

// Stats contains a summary of loaded configuration for startup logging.
type Stats struct {
	Backend         string
	Runtime         string
	GatewaySet      bool
	MirrorCount     int
	PricingOverride int
	ImproveEnabled  bool
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Store != nil {
		s.Backend = c.Store.Backend
	}
	if c.Runtime != nil {
		s.Runtime = c.Runtime.Provider
	}
	if c.Gateway != nil {
		s.GatewaySet = c.Gateway.URL != ""
	}
	if c.Bus != nil && c.Bus.Mirror != nil {
		if c.Bus.Mirror.PGNotify {
			s.MirrorCount++
		}
		if c.Bus.Mirror.Redis != nil && c.Bus.Mirror.Redis.Addr != "" {
			s.MirrorCount++
		}
	}
	if c.Budget != nil {
		s.PricingOverride = len(c.Budget.Pricing)
	}
	if c.Improve != nil {
		s.ImproveEnabled = c.Improve.Enabled
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}
