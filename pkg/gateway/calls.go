package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flocklab/flock/pkg/models"
)

// Method names are contractual with the gateway.
const (
	methodSessionsList    = "sessions_list"
	methodSessionsSpawn   = "sessions_spawn"
	methodSessionsSend    = "sessions_send"
	methodSessionsHistory = "sessions_history"
	methodSessionsKill    = "sessions_kill"
)

// SessionInfo describes one remote session as reported by the gateway.
type SessionInfo struct {
	SessionKey string    `json:"session_key"`
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	Model      string    `json:"model,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListFilter narrows SessionsList. Zero values mean no filter.
type ListFilter struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SpawnParams configures a new remote session.
type SpawnParams struct {
	Task         string            `json:"task"`
	Model        string            `json:"model,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SpawnResult is the sessions_spawn response.
type SpawnResult struct {
	SessionKey string `json:"session_key"`
	SessionID  string `json:"session_id"`
}

// Attachment rides along a sessions_send message. Data is base64-encoded on
// the wire by encoding/json.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data"`
}

// SendAck is the sessions_send response. The run continues server-side;
// completion arrives as a pushed event carrying the run id.
type SendAck struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// MessageUsage carries token accounting for one transcript entry.
type MessageUsage struct {
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	Model     string  `json:"model,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// HistoryMessage is one transcript entry from sessions_history, newest
// last.
type HistoryMessage struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Usage     *MessageUsage `json:"usage,omitempty"`
}

type sendParams struct {
	SessionKey  string       `json:"session_key"`
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type historyParams struct {
	SessionKey string `json:"session_key"`
	Limit      int    `json:"limit,omitempty"`
}

type killParams struct {
	SessionKey string `json:"session_key"`
}

// SessionsList returns the sessions visible to this client, optionally
// narrowed by filter.
func (c *Client) SessionsList(ctx context.Context, filter *ListFilter) ([]SessionInfo, error) {
	var params any
	if filter != nil {
		params = filter
	}
	res, err := c.Call(ctx, methodSessionsList, params)
	if err != nil {
		return nil, err
	}
	var out []SessionInfo
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", methodSessionsList, err)
	}
	return out, nil
}

// SessionsSpawn creates a remote session and returns its addressing keys.
func (c *Client) SessionsSpawn(ctx context.Context, params SpawnParams) (*SpawnResult, error) {
	if params.Task == "" {
		return nil, models.NewValidationError("task", "must not be empty")
	}
	res, err := c.Call(ctx, methodSessionsSpawn, params)
	if err != nil {
		return nil, err
	}
	var out SpawnResult
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", methodSessionsSpawn, err)
	}
	return &out, nil
}

// SessionsSend delivers a message to a session. The returned ack only
// confirms acceptance; the session must exist (NotFound otherwise).
func (c *Client) SessionsSend(ctx context.Context, sessionKey, message string, attachments []Attachment) (*SendAck, error) {
	if sessionKey == "" {
		return nil, models.NewValidationError("session_key", "must not be empty")
	}
	res, err := c.Call(ctx, methodSessionsSend, sendParams{
		SessionKey:  sessionKey,
		Message:     message,
		Attachments: attachments,
	})
	if err != nil {
		return nil, err
	}
	var out SendAck
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", methodSessionsSend, err)
	}
	return &out, nil
}

// SessionsHistory returns up to limit transcript entries for a session;
// limit <= 0 means the server default.
func (c *Client) SessionsHistory(ctx context.Context, sessionKey string, limit int) ([]HistoryMessage, error) {
	if sessionKey == "" {
		return nil, models.NewValidationError("session_key", "must not be empty")
	}
	p := historyParams{SessionKey: sessionKey}
	if limit > 0 {
		p.Limit = limit
	}
	res, err := c.Call(ctx, methodSessionsHistory, p)
	if err != nil {
		return nil, err
	}
	var out []HistoryMessage
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", methodSessionsHistory, err)
	}
	return out, nil
}

// SessionsKill terminates a session. Killing an unknown session succeeds.
func (c *Client) SessionsKill(ctx context.Context, sessionKey string) error {
	if sessionKey == "" {
		return models.NewValidationError("session_key", "must not be empty")
	}
	_, err := c.Call(ctx, methodSessionsKill, killParams{SessionKey: sessionKey})
	return err
}
