package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/models"
)

// maxWorkerLine caps a single stdout protocol line from a worker.
const maxWorkerLine = 1 << 20

// localRequest is written to the worker's stdin, one JSON object then EOF.
type localRequest struct {
	SessionKey  string            `json:"session_key"`
	AgentID     string            `json:"agent_id"`
	TeamID      string            `json:"team_id,omitempty"`
	Task        string            `json:"task"`
	Model       string            `json:"model,omitempty"`
	Message     string            `json:"message"`
	Attachments []localAttachment `json:"attachments,omitempty"`
}

type localAttachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data"`
}

// localResult is what the worker prints on stdout when it finishes. The last
// stdout line carrying a "result" key wins; everything else is streamed into
// the session's run log.
type localResult struct {
	Result    json.RawMessage `json:"result"`
	TokensIn  int64           `json:"tokens_in"`
	TokensOut int64           `json:"tokens_out"`
	Model     string          `json:"model,omitempty"`
	CostUSD   float64         `json:"cost_usd,omitempty"`
}

type localSession struct {
	key       string
	agentID   string
	teamID    string
	label     string
	task      string
	model     string
	workspace string
	logPath   string

	// runMu serializes runs; a session executes one Send at a time.
	runMu sync.Mutex

	mu     sync.Mutex
	proc   *os.Process // current worker, nil between runs
	killed bool
}

// LocalProvider runs agents as child processes of this one. Each Send spawns
// the configured command in the session's workspace under
// <data_dir>/workspace/<team>/agents/<agent>, writes a JSON request to its
// stdin and reads the result from its stdout. Worker chatter and stderr land
// in an append-only agent.log next to the workspace.
type LocalProvider struct {
	command   string
	args      []string
	env       map[string]string
	killGrace time.Duration
	dataDir   string
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*localSession
}

// NewLocalProvider builds the child-process backend. cfg.Command is the
// worker binary every run executes; leaving it unset is allowed so a bare
// server still boots, but spawning then fails until one is configured.
func NewLocalProvider(cfg *config.LocalRuntimeConfig, dataDir string, log *slog.Logger) (*LocalProvider, error) {
	if dataDir == "" {
		return nil, models.NewValidationError("store.data_dir", "must not be empty")
	}
	if cfg == nil {
		cfg = &config.LocalRuntimeConfig{}
	}
	if log == nil {
		log = slog.Default()
	}
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &LocalProvider{
		command:   cfg.Command,
		args:      append([]string(nil), cfg.Args...),
		env:       cfg.Env,
		killGrace: grace,
		dataDir:   dataDir,
		log:       log,
		sessions:  make(map[string]*localSession),
	}, nil
}

func (p *LocalProvider) Name() string { return "local" }

// Spawn prepares the agent's workspace and registers the session. No process
// starts until the first Send.
func (p *LocalProvider) Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error) {
	if p.command == "" {
		return nil, models.NewValidationError("runtime.local.command", "no worker command configured")
	}
	if spec.AgentID == "" {
		return nil, models.NewValidationError("agent_id", "must not be empty")
	}
	if spec.Task == "" {
		return nil, models.NewValidationError("task", "must not be empty")
	}
	team := spec.TeamID
	if team == "" {
		team = "standalone"
	}
	workspace := filepath.Join(p.dataDir, "workspace", team, "agents", spec.AgentID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, models.Transient(fmt.Errorf("create workspace: %w", err))
	}

	s := &localSession{
		key:       "local-" + uuid.NewString(),
		agentID:   spec.AgentID,
		teamID:    spec.TeamID,
		label:     spec.Label,
		task:      spec.Task,
		model:     spec.Model,
		workspace: workspace,
		logPath:   filepath.Join(workspace, "agent.log"),
	}
	if err := s.appendLog("spawned agent=%s team=%s", s.agentID, s.teamID); err != nil {
		return nil, models.Transient(fmt.Errorf("write run log: %w", err))
	}

	p.mu.Lock()
	p.sessions[s.key] = s
	p.mu.Unlock()

	p.log.Debug("Spawned local session",
		"session_key", s.key,
		"agent_id", s.agentID,
		"workspace", workspace)
	return &Handle{SessionKey: s.key, SessionID: s.key}, nil
}

// Send runs one worker process to completion. A non-zero exit is retryable
// (the worker crashed); a clean exit without a result line means the worker
// does not speak the protocol and retrying cannot help.
func (p *LocalProvider) Send(ctx context.Context, sessionKey, message string, attachments []Attachment) (*SendResult, error) {
	s, err := p.session(sessionKey)
	if err != nil {
		return nil, err
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	runID := uuid.NewString()

	logFile, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("open run log: %w", err))
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "%s run=%s send\n", time.Now().UTC().Format(time.RFC3339), runID)

	req := localRequest{
		SessionKey: s.key,
		AgentID:    s.agentID,
		TeamID:     s.teamID,
		Task:       s.task,
		Model:      s.model,
		Message:    message,
	}
	for _, a := range attachments {
		req.Attachments = append(req.Attachments, localAttachment{
			Name:      a.Name,
			MediaType: a.MediaType,
			Data:      a.Data,
		})
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, models.Fatal(fmt.Errorf("encode worker request: %w", err))
	}

	// The last stdout line carrying a "result" key wins; everything else is
	// worker chatter and goes to the run log.
	var final *localResult
	lw := &lineWriter{
		max: maxWorkerLine,
		onLine: func(line string) {
			var res localResult
			if err := json.Unmarshal([]byte(line), &res); err != nil || res.Result == nil {
				fmt.Fprintln(logFile, line)
				return
			}
			final = &res
		},
	}

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Dir = s.workspace
	cmd.Env = p.buildEnv(s)
	cmd.Stdin = bytes.NewReader(append(reqBytes, '\n'))
	cmd.Stdout = lw
	cmd.Stderr = logFile
	// Workers fork children that inherit the stdout pipe; WaitDelay keeps a
	// lingering grandchild from wedging Wait after the worker itself exits.
	cmd.WaitDelay = p.killGrace

	// Start under the session lock so Kill never races a starting worker.
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s killed", models.ErrInvalidState, sessionKey)
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return nil, models.Transient(fmt.Errorf("start worker: %w", err))
	}
	s.proc = cmd.Process
	s.mu.Unlock()

	waitErr := cmd.Wait()
	lw.flush()

	s.mu.Lock()
	s.proc = nil
	killed := s.killed
	s.mu.Unlock()

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// The worker exited cleanly but left children holding its pipes.
		fmt.Fprintf(logFile, "%s run=%s worker left lingering children\n",
			time.Now().UTC().Format(time.RFC3339), runID)
		waitErr = nil
	}

	switch {
	case killed:
		return nil, models.Fatal(fmt.Errorf("run %s: session killed", runID))
	case ctx.Err() != nil:
		return nil, models.Transient(fmt.Errorf("run %s: %w", runID, ctx.Err()))
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			fmt.Fprintf(logFile, "%s run=%s exit code %d\n",
				time.Now().UTC().Format(time.RFC3339), runID, exitErr.ExitCode())
			return nil, models.Transient(fmt.Errorf("run %s: worker exit code %d", runID, exitErr.ExitCode()))
		}
		return nil, models.Transient(fmt.Errorf("run %s: %w", runID, waitErr))
	case final == nil:
		return nil, models.Fatal(fmt.Errorf("run %s: worker exited without a result", runID))
	}

	out := &SendResult{
		RunID:     runID,
		TokensIn:  final.TokensIn,
		TokensOut: final.TokensOut,
		Model:     final.Model,
		CostUSD:   final.CostUSD,
	}
	if out.Model == "" {
		out.Model = s.model
	}
	// A JSON string result is unquoted; anything else stays raw JSON text.
	var str string
	if json.Unmarshal(final.Result, &str) == nil {
		out.Result = str
	} else {
		out.Result = string(final.Result)
	}
	fmt.Fprintf(logFile, "%s run=%s completed tokens_in=%d tokens_out=%d\n",
		time.Now().UTC().Format(time.RFC3339), runID, out.TokensIn, out.TokensOut)
	return out, nil
}

// Kill marks the session dead and terminates any running worker: SIGTERM,
// then SIGKILL after the grace window. Unknown sessions succeed.
func (p *LocalProvider) Kill(ctx context.Context, sessionKey string) error {
	p.mu.Lock()
	s, ok := p.sessions[sessionKey]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.killed = true
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Worker already exited.
		return nil
	}

	deadline := time.NewTimer(p.killGrace)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = proc.Kill()
			return nil
		case <-deadline.C:
			p.log.Warn("Worker ignored SIGTERM, killing", "session_key", sessionKey)
			_ = proc.Kill()
			return nil
		case <-tick.C:
			s.mu.Lock()
			gone := s.proc == nil
			s.mu.Unlock()
			if gone {
				return nil
			}
		}
	}
}

func (p *LocalProvider) Status(ctx context.Context, sessionKey string) (SessionStatus, error) {
	p.mu.Lock()
	s, ok := p.sessions[sessionKey]
	p.mu.Unlock()
	if !ok {
		return StatusExited, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.killed:
		return StatusExited, nil
	case s.proc != nil:
		return StatusRunning, nil
	default:
		return StatusIdle, nil
	}
}

// Exec runs a shell command in the session's workspace and returns combined
// output. Failures keep whatever output the command produced.
func (p *LocalProvider) Exec(ctx context.Context, sessionKey, command string) (string, error) {
	if command == "" {
		return "", models.NewValidationError("command", "must not be empty")
	}
	s, err := p.session(sessionKey)
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = s.workspace
	cmd.Env = p.buildEnv(s)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), models.Transient(fmt.Errorf("exec in session %s: %w", sessionKey, err))
	}
	return string(out), nil
}

func (p *LocalProvider) session(key string) (*localSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[key]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", key, models.ErrNotFound)
	}
	return s, nil
}

// buildEnv inherits the parent environment, then applies config overrides and
// the session's own identity variables.
func (p *LocalProvider) buildEnv(s *localSession) []string {
	env := os.Environ()
	for k, v := range p.env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		"FLOCK_SESSION_KEY="+s.key,
		"FLOCK_AGENT_ID="+s.agentID,
		"FLOCK_WORKSPACE="+s.workspace,
	)
	if s.teamID != "" {
		env = append(env, "FLOCK_TEAM_ID="+s.teamID)
	}
	return env
}

func (s *localSession) appendLog(format string, args ...any) error {
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	return err
}

// lineWriter splits a stream into lines for onLine. A partial line growing
// past max is emitted as-is so a worker misbehaving on stdout cannot grow
// the buffer without bound.
type lineWriter struct {
	onLine func(string)
	max    int
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			if w.buf.Len() > w.max {
				w.emit(w.buf.String())
				w.buf.Reset()
			}
			return len(p), nil
		}
		line := string(w.buf.Next(i + 1))
		w.emit(strings.TrimSuffix(line, "\n"))
	}
}

// flush emits any trailing line the worker wrote without a newline. Call
// only after Wait returned; the writer is not used concurrently after that.
func (w *lineWriter) flush() {
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	if line != "" {
		w.onLine(line)
	}
}
