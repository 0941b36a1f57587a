package runtime

import (
	"fmt"
	"log/slog"

	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/gateway"
	"github.com/flocklab/flock/pkg/models"
)

// FromConfig builds the provider named by cfg.Runtime.Provider. The gateway
// client is only consulted for the "gateway" provider and must already be
// constructed (not necessarily connected) by then.
func FromConfig(cfg *config.Config, client *gateway.Client, log *slog.Logger) (Provider, error) {
	switch cfg.Runtime.Provider {
	case "local":
		return NewLocalProvider(cfg.Runtime.Local, cfg.Store.DataDir, log)
	case "gateway":
		if client == nil {
			return nil, models.NewValidationError("runtime.provider", "gateway provider requires a gateway client")
		}
		return NewGatewayProvider(client, log), nil
	case "stub":
		return NewStubProvider(), nil
	default:
		return nil, models.NewValidationError("runtime.provider",
			fmt.Sprintf("unknown provider '%s'", cfg.Runtime.Provider))
	}
}
