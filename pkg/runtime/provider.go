// Package runtime abstracts the backend that actually executes agent
// workloads. The lifecycle manager drives providers through a small
// interface so local child processes, remote gateway sessions and test
// stubs are interchangeable.
package runtime

import (
	"context"

	"github.com/flocklab/flock/pkg/models"
)

// SessionStatus is a provider's view of one session.
type SessionStatus string

const (
	StatusRunning SessionStatus = "running"
	StatusIdle    SessionStatus = "idle"
	StatusExited  SessionStatus = "exited"
	StatusUnknown SessionStatus = "unknown"
)

// SpawnSpec describes the session a provider should create for an agent.
type SpawnSpec struct {
	AgentID    string
	TeamID     string
	Label      string
	Task       string
	Model      string
	Boundaries models.SafetyBoundaries
	Metadata   map[string]string
}

// Handle addresses a session created by Spawn. SessionKey is the opaque
// identifier all later calls use; SessionID is the backend's own id when it
// has one.
type Handle struct {
	SessionKey string
	SessionID  string
}

// Attachment rides along a Send message.
type Attachment struct {
	Name      string
	MediaType string
	Data      []byte
}

// SendResult is the outcome of one completed run. CostUSD is zero when the
// backend does not price runs itself; the caller then derives cost from the
// token counts.
type SendResult struct {
	RunID     string
	Result    string
	TokensIn  int64
	TokensOut int64
	Model     string
	CostUSD   float64
}

// Provider executes agent workloads. Implementations classify their errors
// as retryable (models.ErrTransient) or unrecoverable (models.ErrFatal);
// the lifecycle manager trusts that classification.
type Provider interface {
	// Name identifies the backend ("local", "gateway", "stub").
	Name() string

	// Spawn creates a session for the agent and returns its handle. The
	// session is ready for Send when Spawn returns.
	Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error)

	// Send delivers a message to the session and blocks until the run
	// completes or ctx ends.
	Send(ctx context.Context, sessionKey, message string, attachments []Attachment) (*SendResult, error)

	// Kill terminates the session. Killing an unknown session succeeds.
	Kill(ctx context.Context, sessionKey string) error

	// Status reports the session's current state. Unknown sessions report
	// StatusExited.
	Status(ctx context.Context, sessionKey string) (SessionStatus, error)

	// Exec runs a command inside the session's workspace where the backend
	// supports it; otherwise it fails with models.ErrInvalidInput.
	Exec(ctx context.Context, sessionKey, command string) (string, error)
}
