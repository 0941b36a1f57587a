package budget

import "github.com/flocklab/flock/pkg/models"

// DefaultPricing holds per-million-token USD pricing for commonly routed
// models. The budget.pricing section of flock.yaml overrides or extends it.
var DefaultPricing = map[string]models.ModelPricing{
	// Anthropic
	"claude-opus-4":     {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-5": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-haiku-3-5":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},

	// OpenAI
	"gpt-4o":       {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":  {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4.1":      {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"gpt-4.1-mini": {InputPerMillion: 0.40, OutputPerMillion: 1.60},
	"gpt-4.1-nano": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"o3-mini":      {InputPerMillion: 1.10, OutputPerMillion: 4.40},

	// Gemini
	"gemini-2.5-pro":   {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gemini-2.5-flash": {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gemini-2.0-flash": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
}

// MergePricing overlays overrides onto the built-in table.
func MergePricing(overrides map[string]models.ModelPricing) map[string]models.ModelPricing {
	merged := make(map[string]models.ModelPricing, len(DefaultPricing)+len(overrides))
	for name, p := range DefaultPricing {
		merged[name] = p
	}
	for name, p := range overrides {
		merged[name] = p
	}
	return merged
}
