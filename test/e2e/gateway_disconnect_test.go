package e2e

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/gateway"
	"github.com/flocklab/flock/pkg/models"
)

// TestGatewayDisconnectMidSend runs one agent through a real gateway client
// against the scripted gateway and drops the connection after reading the
// first sessions_send, before any response. The client must reconnect,
// re-issue the same request id, and settle the run from the completion event
// pushed on the new connection — with exactly one agent_completed and one
// disconnect/reconnect pair on the bus.
func TestGatewayDisconnectMidSend(t *testing.T) {
	gw := newScriptedGateway(t)

	var sends atomic.Int32
	gw.respond = func(connNo int, req *gwFrame) (*gwFrame, bool) {
		switch req.Method {
		case "sessions_spawn":
			return &gwFrame{
				Kind:      "response",
				RequestID: req.RequestID,
				Result:    json.RawMessage(`{"session_key":"s-d1","session_id":"sess-d1"}`),
			}, false
		case "sessions_send":
			if sends.Add(1) == 1 {
				// Swallow the request and cut the transport.
				return nil, true
			}
			return &gwFrame{
				Kind:      "response",
				RequestID: req.RequestID,
				Result:    json.RawMessage(`{"run_id":"run-d1","status":"accepted"}`),
			}, false
		default:
			return &gwFrame{Kind: "response", RequestID: req.RequestID, Result: json.RawMessage(`{}`)}, false
		}
	}
	gw.pushAfter = func(connNo int, req *gwFrame) []*gwFrame {
		if req.Method != "sessions_send" || sends.Load() < 2 {
			return nil
		}
		return []*gwFrame{{
			Kind:  "event",
			Class: "agent",
			Seq:   1,
			Payload: json.RawMessage(`{"run_id":"run-d1","session_key":"s-d1",` +
				`"status":"completed","result":"ok","tokens_in":10,"tokens_out":20,"cost_usd":0.001}`),
		}}
	}

	gatewayCfg := config.DefaultGatewayConfig()
	gatewayCfg.URL = gw.url()
	gatewayCfg.Token = "test-token"
	gatewayCfg.ReconnectBaseDelay = 50 * time.Millisecond
	gatewayCfg.ReconnectMaxDelay = 200 * time.Millisecond

	app := NewTestApp(t, WithGateway(gatewayCfg))
	require.Eventually(t, func() bool {
		return app.Gateway.State() == gateway.StateAuthenticated
	}, waitTimeout, pollInterval, "gateway client never authenticated")

	agentID := spawnAgent(t, app, models.SpawnRequest{Task: "summarize the incident"})
	waitForAgentState(t, app, agentID, models.AgentStateIdle)

	// Send blocks across the drop and the reconnect, then settles from the
	// pushed completion.
	resp := app.postJSON(t, "/api/v1/agents/"+agentID+"/send",
		map[string]any{"message": "go"}, http.StatusOK)
	assert.Equal(t, "ok", resp["result"])

	agent := waitForAgentState(t, app, agentID, models.AgentStateCompleted)
	assert.Equal(t, "s-d1", agent.SessionKey)

	// The dropped request was re-sent once, under its original request id.
	sent := gw.requestsOf("sessions_send")
	require.Len(t, sent, 2)
	require.NotEmpty(t, sent[0].RequestID)
	assert.Equal(t, sent[0].RequestID, sent[1].RequestID)
	assert.Equal(t, 2, gw.connCount())

	// Exactly one completion despite the duplicate delivery.
	assert.Equal(t, 1, countEvents(app, models.EventFilter{
		AgentID: agentID,
		Types:   []models.EventType{models.EventTypeAgentCompleted},
	}))

	// One disconnect, then one reconnect completing after it.
	disconnected := eventsOf(app, models.EventFilter{
		Types: []models.EventType{models.EventTypeGatewayDisconnected},
	})
	require.Len(t, disconnected, 1)
	connected := eventsOf(app, models.EventFilter{
		Types: []models.EventType{models.EventTypeGatewayConnected},
	})
	require.Len(t, connected, 2)
	assert.Less(t, connected[0].Seq, disconnected[0].Seq)
	assert.Greater(t, connected[1].Seq, disconnected[0].Seq)
	assert.GreaterOrEqual(t, countEvents(app, models.EventFilter{
		Types: []models.EventType{models.EventTypeGatewayReconnecting},
	}), 1)
}
