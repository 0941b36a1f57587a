package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/flocklab/flock/pkg/models"
)

// Frame kinds. The gateway speaks JSON text frames; every frame carries a
// kind plus the fields that kind uses. Fields are additive only and both
// sides ignore unknown fields.
const (
	kindChallenge  = "challenge"
	kindConnect    = "connect"
	kindHelloOK    = "hello-ok"
	kindHelloError = "hello-error"
	kindSubscribe  = "subscribe"
	kindSubscribed = "subscribed"
	kindRequest    = "request"
	kindResponse   = "response"
	kindEvent      = "event"
)

// Event classes pushed by the gateway.
var defaultEventClasses = []string{"agent", "chat", "presence", "tick"}

// Wire error codes. Anything else is treated as transient.
const (
	codeAuth        = "auth"
	codeNotFound    = "not_found"
	codeInvalid     = "invalid"
	codeUnavailable = "unavailable"
	codeInternal    = "internal"
	codeUnsupported = "unsupported"
	codeRateLimited = "rate_limited"
)

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *wireError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// classify maps a wire error onto the domain taxonomy. Auth rejections are
// fatal; unknown codes default to transient so the owning retry loop keeps
// going.
func classify(e *wireError) error {
	switch e.Code {
	case codeAuth:
		return models.Fatal(e)
	case codeNotFound:
		return fmt.Errorf("%s: %w", e.Message, models.ErrNotFound)
	case codeInvalid, codeUnsupported:
		return fmt.Errorf("%s: %w", e.Message, models.ErrInvalidInput)
	case codeInternal:
		return fmt.Errorf("%s: %w", e.Message, models.ErrInternal)
	default:
		return models.Transient(e)
	}
}

// frame is the wire envelope.
type frame struct {
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
	Error     *wireError      `json:"error,omitempty"`

	// event
	Class   string          `json:"class,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerEvent is one pushed gateway event, consumed by the runtime provider.
type ServerEvent struct {
	Class   string          `json:"class"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}
