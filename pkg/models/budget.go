package models

import (
	"fmt"
	"math"
	"time"
)

// ScopeType tags which entity a budget scope covers.
type ScopeType string

const (
	ScopeAgent   ScopeType = "agent"
	ScopeTeam    ScopeType = "team"
	ScopeProject ScopeType = "project"
	ScopeGlobal  ScopeType = "global"
)

// Window is the accounting period of a budget scope.
type Window string

const (
	WindowDay      Window = "day"
	WindowLifetime Window = "lifetime"
)

// Scope identifies one budget bucket. Global scopes carry an empty ID.
type Scope struct {
	Type ScopeType `json:"type"`
	ID   string    `json:"id,omitempty"`
}

// GlobalScope is the process-wide budget bucket.
var GlobalScope = Scope{Type: ScopeGlobal}

func (s Scope) String() string {
	if s.ID == "" {
		return string(s.Type)
	}
	return fmt.Sprintf("%s:%s", s.Type, s.ID)
}

// BudgetRecord is one persisted counter row. Debits are atomic across all
// parent scopes; cost never exceeds LimitCost once a limit is set.
type BudgetRecord struct {
	Scope       Scope     `json:"scope"`
	Window      Window    `json:"window"`
	TokensIn    int64     `json:"tokens_in"`
	TokensOut   int64     `json:"tokens_out"`
	CostUSD     float64   `json:"cost_usd"`
	LimitTokens *int64    `json:"limit_tokens,omitempty"`
	LimitCost   *float64  `json:"limit_cost,omitempty"`
	Exhausted   bool      `json:"exhausted,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Remaining returns the cost headroom, or +Inf when no limit is set.
func (r *BudgetRecord) Remaining() float64 {
	if r.LimitCost == nil {
		return math.Inf(1)
	}
	return *r.LimitCost - r.CostUSD
}

// PercentUsed returns consumed cost as a fraction of the limit, 0 when no
// limit is set.
func (r *BudgetRecord) PercentUsed() float64 {
	if r.LimitCost == nil || *r.LimitCost <= 0 {
		return 0
	}
	return r.CostUSD / *r.LimitCost
}

// Usage is one debit: raw token counts plus the model that produced them.
// Cost is computed by the budget controller from its pricing table; a
// non-zero CostUSD overrides the computation (used by providers that report
// exact cost).
type Usage struct {
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	Model     string  `json:"model,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// ModelPricing is USD per million tokens for one model.
type ModelPricing struct {
	InputPerMillion  float64 `json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" yaml:"output_per_million"`
}

// Cost computes the USD cost of a token count pair.
func (p ModelPricing) Cost(tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)/1e6*p.InputPerMillion + float64(tokensOut)/1e6*p.OutputPerMillion
}
