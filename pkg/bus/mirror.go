package bus

import (
	"context"

	"github.com/flocklab/flock/pkg/models"
)

// Mirror writes published events to an out-of-process broker so consumers in
// other processes can follow the stream. Mirrors are best-effort: a failed
// mirror publish never fails the in-process publish.
type Mirror interface {
	// Name identifies the mirror in mirror_failed events.
	Name() string
	// Publish writes one event. Called sequentially from the bus's mirror
	// worker.
	Publish(ctx context.Context, evt *models.Event) error
	Close() error
}
