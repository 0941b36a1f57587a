package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/flocklab/flock/pkg/models"
)

// StubSend records one Send call for assertions.
type StubSend struct {
	SessionKey string
	Message    string
}

// StubProvider is the scripted backend for tests. By default the n-th spawn
// returns session key "s#n" and every send succeeds with result "ok", 10
// tokens in, 20 out, at $0.001. The On* hooks override single calls while
// the provider keeps recording and enforcing the session contract
// (unknown key, killed session).
type StubProvider struct {
	OnSpawn func(spec SpawnSpec) (*Handle, error)
	OnSend  func(sessionKey, message string) (*SendResult, error)
	OnKill  func(sessionKey string) error
	OnExec  func(sessionKey, command string) (string, error)

	mu       sync.Mutex
	spawnSeq int
	runSeq   int
	sessions map[string]SpawnSpec
	killed   map[string]bool
	spawns   []SpawnSpec
	sends    []StubSend
	kills    []string
}

func NewStubProvider() *StubProvider {
	return &StubProvider{
		sessions: make(map[string]SpawnSpec),
		killed:   make(map[string]bool),
	}
}

func (p *StubProvider) Name() string { return "stub" }

func (p *StubProvider) Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error) {
	p.mu.Lock()
	p.spawns = append(p.spawns, spec)
	hook := p.OnSpawn
	p.mu.Unlock()

	var (
		h   *Handle
		err error
	)
	if hook != nil {
		h, err = hook(spec)
	} else {
		p.mu.Lock()
		p.spawnSeq++
		key := fmt.Sprintf("s#%d", p.spawnSeq)
		p.mu.Unlock()
		h = &Handle{SessionKey: key, SessionID: key}
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[h.SessionKey] = spec
	p.mu.Unlock()
	return h, nil
}

func (p *StubProvider) Send(ctx context.Context, sessionKey, message string, attachments []Attachment) (*SendResult, error) {
	p.mu.Lock()
	p.sends = append(p.sends, StubSend{SessionKey: sessionKey, Message: message})
	_, ok := p.sessions[sessionKey]
	dead := p.killed[sessionKey]
	hook := p.OnSend
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionKey, models.ErrNotFound)
	}
	if dead {
		return nil, fmt.Errorf("%w: session %s killed", models.ErrInvalidState, sessionKey)
	}
	if hook != nil {
		return hook(sessionKey, message)
	}

	p.mu.Lock()
	p.runSeq++
	runID := fmt.Sprintf("run-%d", p.runSeq)
	p.mu.Unlock()
	return &SendResult{
		RunID:     runID,
		Result:    "ok",
		TokensIn:  10,
		TokensOut: 20,
		CostUSD:   0.001,
	}, nil
}

func (p *StubProvider) Kill(ctx context.Context, sessionKey string) error {
	p.mu.Lock()
	p.kills = append(p.kills, sessionKey)
	_, ok := p.sessions[sessionKey]
	hook := p.OnKill
	p.mu.Unlock()

	if hook != nil {
		if err := hook(sessionKey); err != nil {
			return err
		}
	}
	if !ok {
		return nil
	}
	p.mu.Lock()
	p.killed[sessionKey] = true
	p.mu.Unlock()
	return nil
}

func (p *StubProvider) Status(ctx context.Context, sessionKey string) (SessionStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[sessionKey]; !ok {
		return StatusExited, nil
	}
	if p.killed[sessionKey] {
		return StatusExited, nil
	}
	return StatusIdle, nil
}

func (p *StubProvider) Exec(ctx context.Context, sessionKey, command string) (string, error) {
	p.mu.Lock()
	hook := p.OnExec
	p.mu.Unlock()
	if hook != nil {
		return hook(sessionKey, command)
	}
	return "", fmt.Errorf("%w: stub provider does not support exec", models.ErrInvalidInput)
}

// Spawns returns every SpawnSpec passed to Spawn, including failed attempts.
func (p *StubProvider) Spawns() []SpawnSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SpawnSpec(nil), p.spawns...)
}

// Sends returns every Send call in order.
func (p *StubProvider) Sends() []StubSend {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StubSend(nil), p.sends...)
}

// Kills returns every session key passed to Kill, including repeats.
func (p *StubProvider) Kills() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.kills...)
}

// Killed reports whether the session was successfully killed.
func (p *StubProvider) Killed(sessionKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed[sessionKey]
}
