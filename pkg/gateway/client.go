// Package gateway maintains the single authenticated duplex connection to
// the execution backend. One Client is shared by the whole process: it owns
// the websocket, correlates request/response RPCs by request id, and
// reconnects with exponential backoff on transport loss. Server-pushed
// session events are surfaced on the Events channel for the runtime
// provider.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/models"
)

// State is the connection state of the client.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateDialing        State = "dialing"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateReconnecting   State = "reconnecting"
)

const (
	// writeTimeout bounds a single frame write so a stalled TCP buffer
	// cannot wedge the run loop or an RPC caller.
	writeTimeout = 10 * time.Second

	// maxFrameBytes raises the websocket read limit above the library
	// default; history responses carry full message transcripts.
	maxFrameBytes = 1 << 20

	// eventChanSize buffers server-pushed events between the read loop and
	// the runtime provider. Overflow drops the event rather than stalling
	// the connection.
	eventChanSize = 256
)

// callResult carries either a response frame or a terminal error to a
// waiting RPC caller.
type callResult struct {
	frame *frame
	err   error
}

// pendingCall is one outstanding RPC. A call is delivered at most once:
// whoever removes it from the pending map or queue owns the single send on
// respCh.
type pendingCall struct {
	req    *frame
	respCh chan callResult
	order  uint64 // creation order, used to keep re-sends FIFO
}

// Client is the gateway client. The run goroutine is the sole reader of the
// connection; RPC callers write concurrently (the websocket library
// serializes writers) and wait on their pending call.
type Client struct {
	cfg     *config.GatewayConfig
	bus     *bus.Bus
	limiter *rate.Limiter

	// OnRPC, when set before Start, observes every completed RPC
	// round-trip. The elapsed time covers queueing and reconnects, not the
	// rate limiter wait.
	OnRPC func(method string, elapsed time.Duration)

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connID       string
	protoVersion string
	pending      map[string]*pendingCall // sent, awaiting a response frame
	queue        []*pendingCall          // awaiting send while disconnected
	lastSeq      uint64                  // highest server event seq seen
	nextOrder    uint64
	started      bool
	closed       bool

	events chan *ServerEvent

	cancelRun context.CancelFunc
	runDone   chan struct{}
}

type handshakeResult struct {
	connID string
	proto  string
}

// New creates a gateway client. Start must be called before any RPC
// succeeds; until then calls queue up to the configured depth.
func New(cfg *config.GatewayConfig, eventBus *bus.Bus) *Client {
	lim := rate.Inf
	burst := 0
	if cfg.RateLimitPerSecond > 0 {
		lim = rate.Limit(cfg.RateLimitPerSecond)
		burst = cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
	}
	return &Client{
		cfg:     cfg,
		bus:     eventBus,
		limiter: rate.NewLimiter(lim, burst),
		state:   StateDisconnected,
		pending: make(map[string]*pendingCall),
		events:  make(chan *ServerEvent, eventChanSize),
	}
}

// Start launches the connection loop. It returns immediately; the first
// dial happens in the background and failures are retried with backoff.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.URL == "" {
		return models.NewValidationError("gateway.url", "must not be empty")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gateway client closed: %w", models.ErrInvalidState)
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("gateway client already started: %w", models.ErrInvalidState)
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	c.runDone = make(chan struct{})
	c.mu.Unlock()

	go c.run(runCtx)
	slog.Info("Gateway client started", "url", c.cfg.URL, "client_id", c.cfg.ClientID)
	return nil
}

// Close stops the connection loop, closes the transport and fails all
// outstanding calls. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancelRun
	conn := c.conn
	done := c.runDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.CloseNow()
	}
	if done != nil {
		<-done
	}
	c.failAll(models.ErrDisconnected)
	close(c.events)
	c.setState(StateDisconnected)
	slog.Info("Gateway client closed")
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the server-assigned connection id of the current
// connection, empty while disconnected.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// ProtocolVersion returns the protocol version reported by the server on
// the last successful handshake.
func (c *Client) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protoVersion
}

// LastSeq returns the highest server event seq received so far.
func (c *Client) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

func (c *Client) setLastSeq(seq uint64) {
	c.mu.Lock()
	c.lastSeq = seq
	c.mu.Unlock()
}

// Events returns the channel of server-pushed session events. The channel
// is closed by Close.
func (c *Client) Events() <-chan *ServerEvent {
	return c.events
}

// Call issues one RPC and blocks until the response, the request timeout,
// or ctx cancellation. While the client is reconnecting the call queues up
// to the configured depth; beyond it Call fails fast with ErrDisconnected.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.OnRPC != nil {
		start := time.Now()
		defer func() { c.OnRPC(method, time.Since(start)) }()
	}
	return c.call(ctx, method, params)
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}
	req := &frame{Kind: kindRequest, RequestID: uuid.New().String(), Method: method, Params: raw}
	pc := &pendingCall{req: req, respCh: make(chan callResult, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("gateway client closed: %w", models.ErrInvalidState)
	}
	c.nextOrder++
	pc.order = c.nextOrder
	var conn *websocket.Conn
	if c.state == StateAuthenticated && c.conn != nil {
		conn = c.conn
		c.pending[req.RequestID] = pc
	} else {
		if len(c.queue) >= c.cfg.SendQueueDepth {
			c.mu.Unlock()
			return nil, fmt.Errorf("gateway send queue full (depth %d): %w", c.cfg.SendQueueDepth, models.ErrDisconnected)
		}
		c.queue = append(c.queue, pc)
	}
	c.mu.Unlock()

	if conn != nil {
		if err := c.send(ctx, conn, req); err != nil {
			// The connection is going down. The call stays pending and is
			// re-sent by request id after reconnect.
			slog.Debug("Gateway send failed, request queued for re-send",
				"method", method, "request_id", req.RequestID, "error", err)
		}
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-pc.respCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.frame.Error != nil {
			return nil, classify(res.frame.Error)
		}
		return res.frame.Result, nil
	case <-cctx.Done():
		c.abandon(req.RequestID)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.Transient(fmt.Errorf("gateway rpc %s timed out after %s", method, timeout))
	}
}

// run drives the connection state machine. It is the only goroutine that
// dials, reads frames, and decides on reconnects.
func (c *Client) run(ctx context.Context) {
	defer close(c.runDone)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectBaseDelay
	bo.MaxInterval = c.cfg.ReconnectMaxDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		if attempt > 0 {
			c.setState(StateReconnecting)
			c.emitGateway(ctx, models.EventTypeGatewayReconnecting, &models.GatewayPayload{
				Attempt:   attempt,
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			})
			wait := bo.NextBackOff()
			slog.Info("Gateway reconnecting", "attempt", attempt, "backoff", wait)
			select {
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return
			case <-time.After(wait):
			}
		} else {
			c.setState(StateDialing)
		}

		conn, hs, err := c.establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			if errors.Is(err, models.ErrFatal) {
				slog.Error("Gateway authentication rejected, not retrying", "error", err)
				c.emitGateway(ctx, models.EventTypeGatewayDisconnected, &models.GatewayPayload{
					Reason:    "auth_rejected",
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
				})
				c.failAll(err)
				c.setState(StateDisconnected)
				return
			}
			attempt++
			if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
				err = models.Fatal(fmt.Errorf("gateway unreachable after %d attempts: %w", attempt-1, err))
				slog.Error("Gateway reconnect attempts exhausted", "attempts", attempt-1)
				c.failAll(err)
				c.setState(StateDisconnected)
				return
			}
			slog.Warn("Gateway connection attempt failed", "attempt", attempt, "error", err)
			continue
		}

		attempt = 0
		bo.Reset()
		resend := c.attach(conn, hs)
		c.emitGateway(ctx, models.EventTypeGatewayConnected, &models.GatewayPayload{
			ConnectionID:    hs.connID,
			ProtocolVersion: hs.proto,
			Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		})
		slog.Info("Gateway connected",
			"connection_id", hs.connID, "protocol_version", hs.proto, "flushing", len(resend))
		for _, pc := range resend {
			if err := c.send(ctx, conn, pc.req); err != nil {
				slog.Warn("Gateway flush interrupted", "request_id", pc.req.RequestID, "error", err)
				break
			}
		}

		connCtx, cancelConn := context.WithCancel(ctx)
		if c.cfg.PingInterval > 0 {
			go c.pingLoop(connCtx, conn)
		}
		rerr := c.readLoop(connCtx, conn)
		cancelConn()
		c.detach()
		_ = conn.CloseNow()

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		reason := "transport closed"
		if rerr != nil {
			reason = rerr.Error()
		}
		c.emitGateway(ctx, models.EventTypeGatewayDisconnected, &models.GatewayPayload{
			ConnectionID: hs.connID,
			Reason:       reason,
			Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		})
		slog.Warn("Gateway connection lost", "connection_id", hs.connID, "error", rerr)
		attempt = 1
	}
}

// establish dials the gateway and runs the handshake under one bounded
// timeout. Transport and framing errors come back transient; an auth
// rejection comes back fatal.
func (c *Client) establish(ctx context.Context) (*websocket.Conn, *handshakeResult, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, nil, models.Transient(fmt.Errorf("dial %s: %w", c.cfg.URL, err))
	}
	conn.SetReadLimit(maxFrameBytes)
	c.setState(StateAuthenticating)

	hs, err := c.handshake(dialCtx, conn)
	if err != nil {
		_ = conn.CloseNow()
		return nil, nil, err
	}
	return conn, hs, nil
}

// handshake performs challenge/connect/subscribe on a fresh connection.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (*handshakeResult, error) {
	challenge, err := readFrame(ctx, conn)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("read challenge: %w", err))
	}
	if challenge.Kind != kindChallenge {
		return nil, models.Transient(fmt.Errorf("expected challenge frame, got %q", challenge.Kind))
	}

	err = c.send(ctx, conn, &frame{
		Kind:     kindConnect,
		ClientID: c.cfg.ClientID,
		Scopes:   c.cfg.Scopes,
		Token:    c.cfg.Token,
		Nonce:    challenge.Nonce,
	})
	if err != nil {
		return nil, models.Transient(fmt.Errorf("send connect: %w", err))
	}

	hello, err := readFrame(ctx, conn)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("read hello: %w", err))
	}
	switch hello.Kind {
	case kindHelloOK:
	case kindHelloError:
		if hello.Error != nil {
			return nil, classify(hello.Error)
		}
		return nil, models.Transient(errors.New("gateway rejected connect without error detail"))
	default:
		return nil, models.Transient(fmt.Errorf("expected hello frame, got %q", hello.Kind))
	}

	lastSeq := c.LastSeq()
	err = c.send(ctx, conn, &frame{Kind: kindSubscribe, Classes: defaultEventClasses, LastSeq: lastSeq})
	if err != nil {
		return nil, models.Transient(fmt.Errorf("send subscribe: %w", err))
	}
	sub, err := readFrame(ctx, conn)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("read subscribed: %w", err))
	}
	if sub.Kind != kindSubscribed {
		return nil, models.Transient(fmt.Errorf("expected subscribed frame, got %q", sub.Kind))
	}
	if !sub.Resumed && lastSeq > 0 {
		// The server lost our position; consumers must treat the stream as
		// having a hole between these seqs.
		c.emitGateway(ctx, models.EventTypeGatewayResyncGap, &models.ResyncGapPayload{
			FromSeq:   lastSeq,
			ToSeq:     sub.FromSeq,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
		slog.Warn("Gateway subscription could not resume", "from_seq", lastSeq, "to_seq", sub.FromSeq)
		c.setLastSeq(sub.FromSeq)
	}

	return &handshakeResult{connID: hello.ConnectionID, proto: hello.ProtocolVersion}, nil
}

// readLoop consumes frames until the connection dies. It is the sole
// reader of conn.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("Dropping malformed gateway frame", "error", err)
			continue
		}
		switch f.Kind {
		case kindResponse:
			c.deliverResponse(&f)
		case kindEvent:
			c.handleEvent(&f)
		default:
			slog.Debug("Ignoring unexpected gateway frame", "kind", f.Kind)
		}
	}
}

// pingLoop keeps the connection alive and forces a reconnect when the
// server stops answering.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("Gateway ping failed", "error", err)
					_ = conn.CloseNow()
				}
				return
			}
		}
	}
}

func (c *Client) deliverResponse(f *frame) {
	c.mu.Lock()
	pc, ok := c.pending[f.RequestID]
	if ok {
		delete(c.pending, f.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		// Stale response for a timed-out or re-sent call.
		slog.Debug("Dropping gateway response with no pending call", "request_id", f.RequestID)
		return
	}
	pc.respCh <- callResult{frame: f}
}

func (c *Client) handleEvent(f *frame) {
	c.mu.Lock()
	c.lastSeq = f.Seq
	c.mu.Unlock()

	select {
	case c.events <- &ServerEvent{Class: f.Class, Seq: f.Seq, Payload: f.Payload}:
	default:
		slog.Warn("Dropping gateway event, consumer lagging", "class", f.Class, "seq", f.Seq)
	}
}

// attach installs a fresh connection and drains the wait queue into the
// pending map. The returned calls must be sent in order by the caller.
func (c *Client) attach(conn *websocket.Conn, hs *handshakeResult) []*pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connID = hs.connID
	c.protoVersion = hs.proto
	c.state = StateAuthenticated
	calls := c.queue
	c.queue = nil
	for _, pc := range calls {
		c.pending[pc.req.RequestID] = pc
	}
	return calls
}

// detach drops the dead connection and moves in-flight calls back to the
// front of the wait queue, oldest first, so the next attach re-sends them
// under their original request ids.
func (c *Client) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.connID = ""
	if len(c.pending) == 0 {
		return
	}
	requeued := make([]*pendingCall, 0, len(c.pending))
	for _, pc := range c.pending {
		requeued = append(requeued, pc)
	}
	c.pending = make(map[string]*pendingCall)
	sort.Slice(requeued, func(i, j int) bool { return requeued[i].order < requeued[j].order })
	c.queue = append(requeued, c.queue...)
}

// failAll terminates every outstanding call with err.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending)+len(c.queue))
	for _, pc := range c.pending {
		calls = append(calls, pc)
	}
	c.pending = make(map[string]*pendingCall)
	calls = append(calls, c.queue...)
	c.queue = nil
	c.mu.Unlock()

	for _, pc := range calls {
		pc.respCh <- callResult{err: err}
	}
}

// abandon removes a timed-out call so a late response is dropped instead
// of delivered.
func (c *Client) abandon(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
	for i, pc := range c.queue {
		if pc.req.RequestID == requestID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.Kind, err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) emitGateway(ctx context.Context, typ models.EventType, payload any) {
	if c.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	c.bus.Publish(ctx, &models.Event{Type: typ, Source: "gateway", Payload: data})
}

func readFrame(ctx context.Context, conn *websocket.Conn) (*frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed gateway frame: %w", err)
	}
	return &f, nil
}
