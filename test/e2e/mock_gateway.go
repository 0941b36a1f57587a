package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// gwFrame mirrors the gateway wire envelope for scripting the server side of
// the protocol.
type gwFrame struct {
	Kind string `json:"kind"`

	// challenge / connect
	Nonce    string   `json:"nonce,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Token    string   `json:"token,omitempty"`

	// hello-ok
	ConnectionID    string `json:"connection_id,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`

	// subscribe / subscribed
	Classes []string `json:"classes,omitempty"`
	LastSeq uint64   `json:"last_seq,omitempty"`
	Resumed bool     `json:"resumed,omitempty"`
	FromSeq uint64   `json:"from_seq,omitempty"`

	// request / response
	RequestID string          `json:"request_id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *gwError        `json:"error,omitempty"`

	// event
	Class   string          `json:"class,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type gwError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// scriptedGateway is an in-process gateway endpoint. Every accepted
// connection walks the challenge/connect/subscribe handshake, then serves
// requests through the respond hook; pushAfter lets a script trail event
// frames behind a response.
type scriptedGateway struct {
	t   *testing.T
	srv *httptest.Server

	// respond returns the response frame (nil swallows the request) and
	// whether to drop the connection after handling.
	respond func(connNo int, req *gwFrame) (*gwFrame, bool)
	// pushAfter returns frames written right after the request's response.
	pushAfter func(connNo int, req *gwFrame) []*gwFrame

	mu       sync.Mutex
	accepted int
	requests []*gwFrame
}

func newScriptedGateway(t *testing.T) *scriptedGateway {
	t.Helper()
	g := &scriptedGateway{t: t}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *scriptedGateway) url() string {
	return strings.Replace(g.srv.URL, "http", "ws", 1)
}

func (g *scriptedGateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

// requestsOf returns the recorded request frames for one method, in arrival
// order across connections.
func (g *scriptedGateway) requestsOf(method string) []*gwFrame {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*gwFrame
	for _, f := range g.requests {
		if f.Method == method {
			out = append(out, f)
		}
	}
	return out
}

func (g *scriptedGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	g.mu.Lock()
	g.accepted++
	connNo := g.accepted
	g.mu.Unlock()

	if !g.write(ctx, conn, &gwFrame{Kind: "challenge", Nonce: fmt.Sprintf("nonce-%d", connNo)}) {
		return
	}
	connect, ok := g.read(ctx, conn)
	if !ok || connect.Kind != "connect" {
		return
	}
	if !g.write(ctx, conn, &gwFrame{
		Kind:            "hello-ok",
		ConnectionID:    fmt.Sprintf("conn-%d", connNo),
		ProtocolVersion: "1",
	}) {
		return
	}

	sub, ok := g.read(ctx, conn)
	if !ok || sub.Kind != "subscribe" {
		return
	}
	if !g.write(ctx, conn, &gwFrame{Kind: "subscribed", Resumed: sub.LastSeq > 0, FromSeq: sub.LastSeq}) {
		return
	}

	for {
		req, ok := g.read(ctx, conn)
		if !ok {
			return
		}
		if req.Kind != "request" {
			continue
		}
		g.mu.Lock()
		g.requests = append(g.requests, req)
		g.mu.Unlock()

		resp := &gwFrame{Kind: "response", RequestID: req.RequestID, Result: json.RawMessage(`{}`)}
		drop := false
		if g.respond != nil {
			resp, drop = g.respond(connNo, req)
		}
		if resp != nil && !g.write(ctx, conn, resp) {
			return
		}
		if g.pushAfter != nil {
			for _, f := range g.pushAfter(connNo, req) {
				if !g.write(ctx, conn, f) {
					return
				}
			}
		}
		if drop {
			return
		}
	}
}

func (g *scriptedGateway) write(ctx context.Context, conn *websocket.Conn, f *gwFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		return false
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data) == nil
}

func (g *scriptedGateway) read(ctx context.Context, conn *websocket.Conn) (*gwFrame, bool) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, false
	}
	var f gwFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, false
	}
	return &f, true
}
