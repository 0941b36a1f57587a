package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flocklab/flock/pkg/models"
)

// Handler processes one delivered event. Sync handlers run inline on the
// publisher's goroutine; async handlers run on the subscription's worker.
type Handler func(ctx context.Context, evt *models.Event) error

// Mode selects how a subscription's handler is driven.
type Mode int

const (
	// ModeSync runs the handler inline during publish. Slow handlers block
	// publishers; errors and panics are contained and reported as
	// subscriber_error events. Sync handlers must not publish back into the
	// bus.
	ModeSync Mode = iota
	// ModeAsync queues events onto a bounded per-subscription queue drained
	// by a single worker. Overflow drops the oldest undelivered event and
	// emits a throttled lag_warning.
	ModeAsync
)

// Subscription is one registered consumer. Delivery within a subscription is
// ordered by seq in both modes.
type Subscription struct {
	name    string
	filter  models.EventFilter
	mode    Mode
	handler Handler

	// Async delivery state. The queue has a single consumer (the worker);
	// producers are serialized by the bus publish lock, which is what makes
	// the drop-oldest pop safe.
	queue chan *models.Event
	stop  chan struct{}

	mu          sync.Mutex
	dropped     int
	lastLagWarn time.Time
}

// Name returns the subscription's registered name.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events this subscription has dropped to overflow.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// matches reports whether the subscription wants the event. An empty type
// set is the wildcard.
func (s *Subscription) matches(evt *models.Event) bool {
	return s.filter.Matches(evt)
}

// offer enqueues an event for async delivery, dropping the oldest queued
// event when full. It returns the dropped event's seq (0 when nothing
// dropped) and whether a lag_warning is due under the throttle window.
// Callers hold the bus publish lock.
func (s *Subscription) offer(evt *models.Event, lagWarnInterval time.Duration) (droppedSeq uint64, warnDue bool, droppedTotal int) {
	select {
	case s.queue <- evt:
		return 0, false, 0
	default:
	}

	// Full: pop the oldest, then retry once. The worker may have raced us and
	// freed a slot, in which case nothing is dropped.
	select {
	case old := <-s.queue:
		droppedSeq = old.Seq
	default:
	}
	select {
	case s.queue <- evt:
	default:
		// Still full (worker re-filled is impossible; only producers add,
		// and they are serialized). Count the incoming event as the drop.
		droppedSeq = evt.Seq
	}

	if droppedSeq == 0 {
		return 0, false, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped++
	if time.Since(s.lastLagWarn) >= lagWarnInterval {
		s.lastLagWarn = time.Now()
		return droppedSeq, true, s.dropped
	}
	return droppedSeq, false, s.dropped
}

// run is the async worker loop. Handler errors are reported through report
// and never stop delivery.
func (s *Subscription) run(ctx context.Context, report func(sub *Subscription, evt *models.Event, err error)) {
	for {
		select {
		case <-s.stop:
			return
		case evt := <-s.queue:
			s.deliver(ctx, evt, report)
		}
	}
}

// deliver invokes the handler with panic containment.
func (s *Subscription) deliver(ctx context.Context, evt *models.Event, report func(sub *Subscription, evt *models.Event, err error)) {
	defer func() {
		if r := recover(); r != nil {
			report(s, evt, fmt.Errorf("handler panic: %v", r))
		}
	}()
	if err := s.handler(ctx, evt); err != nil {
		report(s, evt, err)
	}
}
