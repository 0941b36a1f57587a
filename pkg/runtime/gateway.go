package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flocklab/flock/pkg/gateway"
	"github.com/flocklab/flock/pkg/models"
)

// gatewayAPI is the slice of gateway.Client the provider uses. Narrow so
// tests can script the gateway without a websocket server behind it.
type gatewayAPI interface {
	SessionsSpawn(ctx context.Context, params gateway.SpawnParams) (*gateway.SpawnResult, error)
	SessionsSend(ctx context.Context, sessionKey, message string, attachments []gateway.Attachment) (*gateway.SendAck, error)
	SessionsKill(ctx context.Context, sessionKey string) error
	SessionsList(ctx context.Context, filter *gateway.ListFilter) ([]gateway.SessionInfo, error)
	Events() <-chan *gateway.ServerEvent
}

var _ gatewayAPI = (*gateway.Client)(nil)

// Remote run statuses carried by agent-class events.
const (
	runStatusCompleted = "completed"
	runStatusTimeout   = "timeout"
)

// orphanCap bounds completions parked before their waiter registered.
const orphanCap = 128

// runUpdate is the agent-class event payload the gateway pushes when a run
// finishes.
type runUpdate struct {
	RunID      string  `json:"run_id"`
	SessionKey string  `json:"session_key"`
	Status     string  `json:"status"`
	Result     string  `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	TokensIn   int64   `json:"tokens_in,omitempty"`
	TokensOut  int64   `json:"tokens_out,omitempty"`
	Model      string  `json:"model,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
}

type runOutcome struct {
	res *SendResult
	err error
}

// GatewayProvider runs agents as remote gateway sessions. sessions_send only
// acknowledges acceptance; the run's outcome arrives later as a pushed
// agent-class event keyed by run id, which a pump goroutine matches to the
// blocked Send call. A completion that lands before its waiter registers is
// parked in a bounded orphan buffer.
type GatewayProvider struct {
	client gatewayAPI
	log    *slog.Logger

	mu         sync.Mutex
	waiters    map[string]chan runOutcome
	orphans    map[string]runOutcome
	orphanKeys []string // FIFO eviction order
	closed     bool
}

// NewGatewayProvider wraps client and starts the completion pump. The pump
// exits when the client's event channel closes.
func NewGatewayProvider(client gatewayAPI, log *slog.Logger) *GatewayProvider {
	if log == nil {
		log = slog.Default()
	}
	p := &GatewayProvider{
		client:  client,
		log:     log,
		waiters: make(map[string]chan runOutcome),
		orphans: make(map[string]runOutcome),
	}
	go p.pump()
	return p
}

func (p *GatewayProvider) Name() string { return "gateway" }

// Spawn creates a remote session. Agent identity and safety boundaries ride
// in the session metadata for the remote end to enforce.
func (p *GatewayProvider) Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error) {
	md := make(map[string]string, len(spec.Metadata)+4)
	for k, v := range spec.Metadata {
		md[k] = v
	}
	md["agent_id"] = spec.AgentID
	if spec.TeamID != "" {
		md["team_id"] = spec.TeamID
	}
	if spec.Label != "" {
		md["label"] = spec.Label
	}
	if b, err := json.Marshal(spec.Boundaries); err == nil && string(b) != "{}" {
		md["boundaries"] = string(b)
	}

	res, err := p.client.SessionsSpawn(ctx, gateway.SpawnParams{
		Task:     spec.Task,
		Model:    spec.Model,
		Metadata: md,
	})
	if err != nil {
		return nil, err
	}
	return &Handle{SessionKey: res.SessionKey, SessionID: res.SessionID}, nil
}

// Send delivers the message and blocks until the pushed completion event for
// the acknowledged run id arrives, or ctx ends.
func (p *GatewayProvider) Send(ctx context.Context, sessionKey, message string, attachments []Attachment) (*SendResult, error) {
	var atts []gateway.Attachment
	if len(attachments) > 0 {
		atts = make([]gateway.Attachment, len(attachments))
		for i, a := range attachments {
			atts[i] = gateway.Attachment{Name: a.Name, MediaType: a.MediaType, Data: a.Data}
		}
	}

	ack, err := p.client.SessionsSend(ctx, sessionKey, message, atts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if out, ok := p.orphans[ack.RunID]; ok {
		delete(p.orphans, ack.RunID)
		p.orphanKeys = removeKey(p.orphanKeys, ack.RunID)
		p.mu.Unlock()
		return out.res, out.err
	}
	if p.closed {
		p.mu.Unlock()
		return nil, models.ErrDisconnected
	}
	ch := make(chan runOutcome, 1)
	p.waiters[ack.RunID] = ch
	p.mu.Unlock()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.waiters, ack.RunID)
		p.mu.Unlock()
		return nil, models.Transient(fmt.Errorf("run %s: %w", ack.RunID, ctx.Err()))
	}
}

// Kill terminates the remote session; unknown keys succeed.
func (p *GatewayProvider) Kill(ctx context.Context, sessionKey string) error {
	return p.client.SessionsKill(ctx, sessionKey)
}

// Status looks the session up in the gateway's session list. Absent sessions
// report StatusExited: the gateway drops sessions once they end.
func (p *GatewayProvider) Status(ctx context.Context, sessionKey string) (SessionStatus, error) {
	sessions, err := p.client.SessionsList(ctx, nil)
	if err != nil {
		return StatusUnknown, err
	}
	for _, s := range sessions {
		if s.SessionKey != sessionKey {
			continue
		}
		switch s.Status {
		case "running":
			return StatusRunning, nil
		case "idle":
			return StatusIdle, nil
		default:
			return StatusUnknown, nil
		}
	}
	return StatusExited, nil
}

// Exec is not part of the gateway protocol.
func (p *GatewayProvider) Exec(ctx context.Context, sessionKey, command string) (string, error) {
	return "", fmt.Errorf("%w: gateway provider does not support exec", models.ErrInvalidInput)
}

// pump matches pushed completions to waiting Send calls. When the event
// channel closes no further completion can arrive, so outstanding waiters
// fail as disconnected.
func (p *GatewayProvider) pump() {
	for ev := range p.client.Events() {
		if ev.Class != "agent" {
			continue
		}
		var upd runUpdate
		if err := json.Unmarshal(ev.Payload, &upd); err != nil || upd.RunID == "" {
			p.log.Debug("Ignoring unparseable agent event", "seq", ev.Seq)
			continue
		}
		p.resolve(upd)
	}

	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan runOutcome)
	p.closed = true
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- runOutcome{err: models.ErrDisconnected}
	}
}

func (p *GatewayProvider) resolve(upd runUpdate) {
	out := outcomeOf(upd)

	p.mu.Lock()
	if ch, ok := p.waiters[upd.RunID]; ok {
		delete(p.waiters, upd.RunID)
		p.mu.Unlock()
		ch <- out
		return
	}
	// Completion beat the waiter registration; park it.
	if len(p.orphanKeys) >= orphanCap {
		oldest := p.orphanKeys[0]
		p.orphanKeys = p.orphanKeys[1:]
		delete(p.orphans, oldest)
		p.log.Warn("Evicting unclaimed run completion", "run_id", oldest)
	}
	p.orphans[upd.RunID] = out
	p.orphanKeys = append(p.orphanKeys, upd.RunID)
	p.mu.Unlock()
}

// outcomeOf classifies a finished run. Remote timeouts are retryable; any
// other non-completed status failed remotely and retrying the same message
// is up to the agent's own retry policy, so it surfaces as fatal.
func outcomeOf(upd runUpdate) runOutcome {
	if upd.Status == runStatusCompleted {
		return runOutcome{res: &SendResult{
			RunID:     upd.RunID,
			Result:    upd.Result,
			TokensIn:  upd.TokensIn,
			TokensOut: upd.TokensOut,
			Model:     upd.Model,
			CostUSD:   upd.CostUSD,
		}}
	}
	msg := upd.Error
	if msg == "" {
		msg = upd.Status
	}
	err := fmt.Errorf("run %s: %s", upd.RunID, msg)
	if upd.Status == runStatusTimeout {
		return runOutcome{err: models.Transient(err)}
	}
	return runOutcome{err: models.Fatal(err)}
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}
