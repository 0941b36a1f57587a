package api

// SpawnResponse is returned by POST /api/v1/agents.
type SpawnResponse struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// SendResponse is returned by POST /api/v1/agents/:id/send once the run
// settles.
type SendResponse struct {
	AgentID   string  `json:"agent_id"`
	RunID     string  `json:"run_id,omitempty"`
	Result    string  `json:"result"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	Model     string  `json:"model,omitempty"`
	CostUSD   float64 `json:"cost_usd"`
}

// ScaleResponse is returned by POST /api/v1/teams/:id/scale.
type ScaleResponse struct {
	TeamID string `json:"team_id"`
	Size   int    `json:"size"`
}

// ActionResponse acknowledges a state-changing verb on an agent or team.
type ActionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HealthCheck is one named probe inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}
