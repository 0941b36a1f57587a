package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/flocklab/flock/pkg/models"
)

// reaperKillTimeout bounds one reaper kill attempt against the provider.
const reaperKillTimeout = 10 * time.Second

// killTask is one session whose remote kill has not been confirmed yet.
type killTask struct {
	agentID    string
	sessionKey string
	attempts   int
	lastErr    string
	nextTry    time.Time
}

// enqueueKill schedules a failed session kill for the reaper. The inline
// attempt that got us here counts toward the attempt cap; a cap of one
// escalates immediately.
func (m *Manager) enqueueKill(agentID, sessionKey string, cause error) {
	task := &killTask{
		agentID:    agentID,
		sessionKey: sessionKey,
		attempts:   1,
		lastErr:    cause.Error(),
		nextTry:    time.Now().Add(m.cfg.ReaperInterval),
	}
	if task.attempts >= m.cfg.KillMaxAttempts {
		m.emitOrphan(task)
		return
	}
	m.mu.Lock()
	if _, ok := m.pendingKills[sessionKey]; !ok {
		m.pendingKills[sessionKey] = task
	}
	m.mu.Unlock()
}

// PendingKills reports how many session kills await reaper confirmation.
func (m *Manager) PendingKills() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingKills)
}

// reapLoop retries unconfirmed session kills until they succeed or hit the
// attempt cap, at which point the session is surfaced as an orphan.
func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			m.logAbandonedKills()
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	now := time.Now()
	m.mu.Lock()
	due := make([]*killTask, 0, len(m.pendingKills))
	for _, kt := range m.pendingKills {
		if !now.Before(kt.nextTry) {
			due = append(due, kt)
		}
	}
	m.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].agentID < due[j].agentID })

	for _, kt := range due {
		ctx, cancel := context.WithTimeout(m.runCtx, reaperKillTimeout)
		err := m.provider.Kill(ctx, kt.sessionKey)
		cancel()
		if err == nil {
			m.mu.Lock()
			delete(m.pendingKills, kt.sessionKey)
			m.mu.Unlock()
			slog.Info("Reaper confirmed session kill",
				"agent_id", kt.agentID, "session_key", kt.sessionKey, "attempts", kt.attempts+1)
			continue
		}

		m.mu.Lock()
		kt.attempts++
		kt.lastErr = err.Error()
		escalate := kt.attempts >= m.cfg.KillMaxAttempts
		if escalate {
			delete(m.pendingKills, kt.sessionKey)
		} else {
			// Doubling delay per failed attempt.
			kt.nextTry = time.Now().Add(m.cfg.ReaperInterval << uint(kt.attempts-1))
		}
		m.mu.Unlock()
		if escalate {
			m.emitOrphan(kt)
		}
	}
}

// emitOrphan gives up on a session and surfaces it for operator attention.
func (m *Manager) emitOrphan(kt *killTask) {
	payload, _ := json.Marshal(models.OrphanSessionPayload{
		AgentID:    kt.agentID,
		SessionKey: kt.sessionKey,
		Attempts:   kt.attempts,
		LastError:  kt.lastErr,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	})
	evt := &models.Event{
		Type:    models.EventTypeOrphanSession,
		Source:  source,
		AgentID: kt.agentID,
		Payload: payload,
	}
	if _, err := m.bus.PublishPersisted(m.runCtx, evt, func(e *models.Event) error {
		return m.repo.AppendEvent(m.runCtx, e)
	}); err != nil {
		slog.Error("Failed to publish orphan_session", "agent_id", kt.agentID, "error", err)
	}
	slog.Error("Session kill abandoned after max attempts",
		"agent_id", kt.agentID, "session_key", kt.sessionKey, "attempts", kt.attempts)
}

// logAbandonedKills names the sessions still unconfirmed at shutdown.
func (m *Manager) logAbandonedKills() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kt := range m.pendingKills {
		slog.Warn("Shutting down with unconfirmed session kill",
			"agent_id", kt.agentID, "session_key", kt.sessionKey, "attempts", kt.attempts)
	}
}
