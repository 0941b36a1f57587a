package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/flocklab/flock/pkg/models"
)

// notifyChannel is the postgres NOTIFY channel carrying mirrored events.
const notifyChannel = "flock_events"

// notifyLimit is the payload size above which a truncation envelope is sent
// instead. PostgreSQL rejects NOTIFY payloads near 8000 bytes; consumers
// fetch truncated events from the store by seq.
const notifyLimit = 7900

// PGNotifyMirror mirrors events over postgres NOTIFY using the store's
// connection pool. Only meaningful with the postgres store backend, where
// out-of-process consumers already hold a connection for LISTEN.
type PGNotifyMirror struct {
	db *sql.DB
}

// NewPGNotifyMirror creates a mirror on the given pool (the postgres store's
// DB() handle).
func NewPGNotifyMirror(db *sql.DB) *PGNotifyMirror {
	return &PGNotifyMirror{db: db}
}

func (m *PGNotifyMirror) Name() string { return "pgnotify" }

func (m *PGNotifyMirror) Publish(ctx context.Context, evt *models.Event) error {
	payload, err := notifyPayload(evt)
	if err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, payload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

func (m *PGNotifyMirror) Close() error {
	// The pool belongs to the store.
	return nil
}

// notifyPayload marshals the event, falling back to a minimal truncation
// envelope with only routing fields when the full event exceeds the NOTIFY
// limit.
func notifyPayload(evt *models.Event) (string, error) {
	full, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event for notify: %w", err)
	}
	if len(full) <= notifyLimit {
		return string(full), nil
	}

	truncated := map[string]any{
		"id":        evt.ID,
		"seq":       evt.Seq,
		"type":      evt.Type,
		"truncated": true,
	}
	if evt.AgentID != "" {
		truncated["agent_id"] = evt.AgentID
	}
	if evt.TeamID != "" {
		truncated["team_id"] = evt.TeamID
	}
	envelope, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncation envelope: %w", err)
	}
	return string(envelope), nil
}
