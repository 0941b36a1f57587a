package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklab/flock/pkg/gateway"
	"github.com/flocklab/flock/pkg/models"
)

type fakeSend struct {
	sessionKey  string
	message     string
	attachments []gateway.Attachment
}

// fakeGatewayClient scripts the gatewayAPI surface so provider tests run
// without a websocket server.
type fakeGatewayClient struct {
	mu     sync.Mutex
	spawns []gateway.SpawnParams
	sends  []fakeSend
	kills  []string

	spawnRes *gateway.SpawnResult
	spawnErr error
	sendAck  *gateway.SendAck
	sendErr  error
	killErr  error
	listRes  []gateway.SessionInfo
	listErr  error

	events       chan *gateway.ServerEvent
	eventsClosed bool
}

func newFakeGatewayClient() *fakeGatewayClient {
	return &fakeGatewayClient{
		spawnRes: &gateway.SpawnResult{SessionKey: "sk-1", SessionID: "sid-1"},
		sendAck:  &gateway.SendAck{RunID: "run-1", Status: "accepted"},
		events:   make(chan *gateway.ServerEvent, 64),
	}
}

func (f *fakeGatewayClient) SessionsSpawn(ctx context.Context, params gateway.SpawnParams) (*gateway.SpawnResult, error) {
	f.mu.Lock()
	f.spawns = append(f.spawns, params)
	f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	return f.spawnRes, nil
}

func (f *fakeGatewayClient) SessionsSend(ctx context.Context, sessionKey, message string, attachments []gateway.Attachment) (*gateway.SendAck, error) {
	f.mu.Lock()
	f.sends = append(f.sends, fakeSend{sessionKey: sessionKey, message: message, attachments: attachments})
	f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.sendAck, nil
}

func (f *fakeGatewayClient) SessionsKill(ctx context.Context, sessionKey string) error {
	f.mu.Lock()
	f.kills = append(f.kills, sessionKey)
	f.mu.Unlock()
	return f.killErr
}

func (f *fakeGatewayClient) SessionsList(ctx context.Context, filter *gateway.ListFilter) ([]gateway.SessionInfo, error) {
	return f.listRes, f.listErr
}

func (f *fakeGatewayClient) Events() <-chan *gateway.ServerEvent {
	return f.events
}

func (f *fakeGatewayClient) closeEvents() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.eventsClosed {
		f.eventsClosed = true
		close(f.events)
	}
}

// pushRun emits an agent-class completion event for the given run.
func (f *fakeGatewayClient) pushRun(t *testing.T, upd runUpdate) {
	t.Helper()
	payload, err := json.Marshal(upd)
	require.NoError(t, err)
	f.events <- &gateway.ServerEvent{Class: "agent", Seq: 1, Payload: payload}
}

func (f *fakeGatewayClient) lastSpawn(t *testing.T) gateway.SpawnParams {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.spawns)
	return f.spawns[len(f.spawns)-1]
}

func newGatewayProviderForTest(t *testing.T) (*GatewayProvider, *fakeGatewayClient) {
	t.Helper()
	fake := newFakeGatewayClient()
	p := NewGatewayProvider(fake, nil)
	t.Cleanup(fake.closeEvents)
	return p, fake
}

// waiterCount reads the pending waiter map for white-box assertions.
func (p *GatewayProvider) waiterCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

func (p *GatewayProvider) orphanCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orphans)
}

func TestGatewaySpawnCarriesIdentity(t *testing.T) {
	p, fake := newGatewayProviderForTest(t)

	h, err := p.Spawn(context.Background(), SpawnSpec{
		AgentID: "agent-1",
		TeamID:  "team-1",
		Label:   "mapper",
		Task:    "summarize the corpus",
		Model:   "fast-model",
		Boundaries: models.SafetyBoundaries{
			AllowedPaths: []string{"src/**"},
		},
		Metadata: map[string]string{"tier": "gold"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sk-1", h.SessionKey)
	assert.Equal(t, "sid-1", h.SessionID)

	params := fake.lastSpawn(t)
	assert.Equal(t, "summarize the corpus", params.Task)
	assert.Equal(t, "fast-model", params.Model)
	assert.Equal(t, "agent-1", params.Metadata["agent_id"])
	assert.Equal(t, "team-1", params.Metadata["team_id"])
	assert.Equal(t, "mapper", params.Metadata["label"])
	assert.Equal(t, "gold", params.Metadata["tier"])
	assert.Contains(t, params.Metadata["boundaries"], "src/**")
}

func TestGatewaySendWaitsForCompletion(t *testing.T) {
	p, fake := newGatewayProviderForTest(t)

	type sendOut struct {
		res *SendResult
		err error
	}
	done := make(chan sendOut, 1)
	go func() {
		res, err := p.Send(context.Background(), "sk-1", "go", nil)
		done <- sendOut{res, err}
	}()

	require.Eventually(t, func() bool { return p.waiterCount() == 1 },
		time.Second, 5*time.Millisecond)

	fake.pushRun(t, runUpdate{
		RunID:     "run-1",
		Status:    "completed",
		Result:    "all done",
		TokensIn:  120,
		TokensOut: 340,
		Model:     "fast-model",
		CostUSD:   0.0042,
	})

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, "run-1", out.res.RunID)
	assert.Equal(t, "all done", out.res.Result)
	assert.Equal(t, int64(120), out.res.TokensIn)
	assert.Equal(t, int64(340), out.res.TokensOut)
	assert.Equal(t, "fast-model", out.res.Model)
	assert.Equal(t, 0.0042, out.res.CostUSD)
	assert.Equal(t, 0, p.waiterCount())
}

func TestGatewaySendFailedRunIsFatal(t *testing.T) {
	p, fake := newGatewayProviderForTest(t)

	done := make(chan error, 1)
	go func() {
		_, err := p.Send(context.Background(), "sk-1", "go", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.waiterCount() == 1 },
		time.Second, 5*time.Millisecond)

	fake.pushRun(t, runUpdate{RunID: "run-1", Status: "failed", Error: "worker panicked"})

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrFatal)
	assert.False(t, models.IsRetryable(err))
	assert.Contains(t, err.Error(), "worker panicked")
}

func TestGatewaySendTimeoutStatusIsTransient(t *testing.T) {
	p, fake := newGatewayProviderForTest(t)

	done := make(chan error, 1)
	go func() {
		_, err := p.Send(context.Background(), "sk-1", "go", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.waiterCount() == 1 },
		time.Second, 5*time.Millisecond)

	fake.pushRun(t, runUpdate{RunID: "run-1", Status: "timeout"})

	err := <-done
	require.Error(t, err)
	assert.True(t, models.IsRetryable(err))
}

func TestGatewayCompletionBeforeWaiterIsParked(t *testing.T) {
	p, fake := newGatewayProviderForTest(t)

	// The run finishes before the caller starts waiting for it.
	fake.pushRun(t, runUpdate{RunID: "run-1", Status: "completed", Result: "early"})
	require.Eventually(t, func() bool { return p.orphanCount() == 1 },
		time.Second, 5*time.Millisecond)

	res, err := p.Send(context.Background(), "sk-1", "go", nil)
	require.NoError(t, err)
	assert.Equal(t, "early", res.Result)
	assert.Equal(t, 0, p.orphanCount())
}

func TestGatewayOrphanBufferEvictsOldest(t *testing.T) {
	p, fake := newGatewayProviderForTest(t)

	for i := 0; i < orphanCap+2; i++ {
		fake.pushRun(t, runUpdate{RunID: fmt.Sprintf("run-%d", i), Status: "completed"})
	}
	require.Eventually(t, func() bool { return p.orphanCount() == orphanCap },
		time.Second, 5*time.Millisecond)

	p.mu.Lock()
	_, first := p.orphans["run-0"]
	_, second := p.orphans["run-1"]
	_, newest := p.orphans[fmt.Sprintf("run-%d", orphanCap+1)]
	p.mu.Unlock()
	assert.False(t, first)
	assert.False(t, second)
	assert.True(t, newest)
}

func TestGatewayEventChannelCloseFailsWaiters(t *testing.T) {
	p, fake := newGatewayProviderForTest(t)

	done := make(chan error, 1)
	go func() {
		_, err := p.Send(context.Background(), "sk-1", "go", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.waiterCount() == 1 },
		time.Second, 5*time.Millisecond)

	fake.closeEvents()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDisconnected)
	assert.True(t, models.IsRetryable(err))

	// Later sends fail immediately: no completion can ever arrive.
	_, err = p.Send(context.Background(), "sk-1", "again", nil)
	assert.ErrorIs(t, err, models.ErrDisconnected)
}

func TestGatewaySendContextCancelAbandonsRun(t *testing.T) {
	p, _ := newGatewayProviderForTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Send(ctx, "sk-1", "go", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.waiterCount() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, models.IsRetryable(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.waiterCount())
}

func TestGatewaySendRPCErrorPassesThrough(t *testing.T) {
	p, fake := newGatewayProviderForTest(t)
	fake.sendErr = fmt.Errorf("session sk-1: %w", models.ErrNotFound)

	_, err := p.Send(context.Background(), "sk-1", "go", nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 0, p.waiterCount())
}

func TestGatewayNonAgentEventsIgnored(t *testing.T) {
	p, fake := newGatewayProviderForTest(t)

	fake.events <- &gateway.ServerEvent{Class: "tick", Seq: 1, Payload: json.RawMessage(`{"run_id":"run-1"}`)}
	fake.events <- &gateway.ServerEvent{Class: "agent", Seq: 2, Payload: json.RawMessage(`not json`)}

	done := make(chan error, 1)
	go func() {
		_, err := p.Send(context.Background(), "sk-1", "go", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.waiterCount() == 1 },
		time.Second, 5*time.Millisecond)

	fake.pushRun(t, runUpdate{RunID: "run-1", Status: "completed", Result: "ok"})
	require.NoError(t, <-done)
	assert.Equal(t, 0, p.orphanCount())
}

func TestGatewayKillAndStatus(t *testing.T) {
	p, fake := newGatewayProviderForTest(t)

	require.NoError(t, p.Kill(context.Background(), "sk-ghost"))
	assert.Equal(t, []string{"sk-ghost"}, fake.kills)

	fake.listRes = []gateway.SessionInfo{
		{SessionKey: "sk-run", Status: "running"},
		{SessionKey: "sk-idle", Status: "idle"},
		{SessionKey: "sk-odd", Status: "draining"},
	}

	st, err := p.Status(context.Background(), "sk-run")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)

	st, err = p.Status(context.Background(), "sk-idle")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st)

	st, err = p.Status(context.Background(), "sk-odd")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, st)

	st, err = p.Status(context.Background(), "sk-gone")
	require.NoError(t, err)
	assert.Equal(t, StatusExited, st)

	fake.listErr = errors.New("gateway down")
	st, err = p.Status(context.Background(), "sk-run")
	require.Error(t, err)
	assert.Equal(t, StatusUnknown, st)
}

func TestGatewayExecUnsupported(t *testing.T) {
	p, _ := newGatewayProviderForTest(t)

	_, err := p.Exec(context.Background(), "sk-1", "ls")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestGatewaySendConvertsAttachments(t *testing.T) {
	p, fake := newGatewayProviderForTest(t)

	done := make(chan error, 1)
	go func() {
		_, err := p.Send(context.Background(), "sk-1", "go", []Attachment{
			{Name: "notes.txt", MediaType: "text/plain", Data: []byte("hello")},
		})
		done <- err
	}()
	require.Eventually(t, func() bool { return p.waiterCount() == 1 },
		time.Second, 5*time.Millisecond)
	fake.pushRun(t, runUpdate{RunID: "run-1", Status: "completed"})
	require.NoError(t, <-done)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.sends, 1)
	require.Len(t, fake.sends[0].attachments, 1)
	assert.Equal(t, "notes.txt", fake.sends[0].attachments[0].Name)
	assert.Equal(t, []byte("hello"), fake.sends[0].attachments[0].Data)
}
