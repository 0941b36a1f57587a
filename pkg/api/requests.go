package api

// SendMessageRequest is the HTTP request body for POST /api/v1/agents/:id/send.
type SendMessageRequest struct {
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is one file riding along a send. Data is base64 on the wire.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// PutBudgetRequest is the HTTP request body for PUT /api/v1/budgets/...
// Window defaults to "day". A nil limit clears that dimension.
type PutBudgetRequest struct {
	Window      string   `json:"window,omitempty"`
	LimitCost   *float64 `json:"limit_cost,omitempty"`
	LimitTokens *int64   `json:"limit_tokens,omitempty"`
}
