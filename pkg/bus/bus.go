// Package bus implements the in-process publish/subscribe fabric with a
// bounded replay log. Every event in the system flows through one Bus, which
// assigns the process-wide monotonic seq. Persisted events are written to the
// store and published atomically with respect to ordering: the store write
// happens under the publish lock, so ring order, delivery order, and the
// persisted tail all agree.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/models"
)

// Bus is the in-process event bus. Multiple concurrent publishers are
// allowed; publishes are serialized internally to keep seq assignment and
// delivery order consistent.
type Bus struct {
	cfg *config.BusConfig

	// pubMu serializes seq assignment, the optional persist callback, the
	// ring append, and fanout. Sync handlers therefore block publishers.
	pubMu     sync.Mutex
	seq       uint64
	closed    bool
	published uint64
	dropped   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}

	ring *ring

	mirrors   []Mirror
	mirrorSub *Subscription
	mirrorMu  sync.Mutex
	mirrorErr map[string]time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a bus with the configured replay capacity. Call Restore before
// the first publish when resuming over a persisted event tail.
func New(cfg *config.BusConfig) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:       cfg,
		subs:      make(map[*Subscription]struct{}),
		ring:      newRing(cfg.ReplaySize),
		mirrorErr: make(map[string]time.Time),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Restore advances the seq counter past a persisted high-water mark so new
// events never reuse sequence numbers from a previous run.
func (b *Bus) Restore(lastSeq uint64) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if lastSeq > b.seq {
		b.seq = lastSeq
	}
}

// Seq returns the last assigned sequence number.
func (b *Bus) Seq() uint64 {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.seq
}

// Subscribe registers a handler for events passing the filter. An empty
// filter is the wildcard. The returned subscription stays live until
// Unsubscribe or Close.
func (b *Bus) Subscribe(name string, filter models.EventFilter, mode Mode, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, models.NewValidationError("handler", "must not be nil")
	}
	if name == "" {
		name = "sub-" + uuid.New().String()[:8]
	}

	sub := &Subscription{
		name:    name,
		filter:  filter,
		mode:    mode,
		handler: handler,
	}
	if mode == ModeAsync {
		sub.queue = make(chan *models.Event, b.cfg.SubscriberQueueSize)
		sub.stop = make(chan struct{})
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			sub.run(b.baseCtx, b.reportHandlerError)
		}()
	}

	b.subMu.Lock()
	b.subs[sub] = struct{}{}
	b.subMu.Unlock()
	return sub, nil
}

// Unsubscribe removes the subscription and stops its worker. Queued but
// undelivered events are discarded.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.subMu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.subMu.Unlock()
	if ok && sub.stop != nil {
		close(sub.stop)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subs)
}

// Publish stamps the event (id, seq, timestamp) and delivers it to matching
// subscribers. In-process publish cannot fail; handler errors surface as
// subscriber_error events.
func (b *Bus) Publish(ctx context.Context, evt *models.Event) *models.Event {
	stamped, internal, _ := b.publishOne(ctx, evt, nil)
	b.drainInternal(ctx, internal)
	return stamped
}

// PublishPersisted runs persist(evt) under the publish lock before the event
// becomes visible. On persist failure nothing is published, no seq is
// consumed, and the error is returned; on success the persisted row and the
// bus agree on seq.
func (b *Bus) PublishPersisted(ctx context.Context, evt *models.Event, persist func(*models.Event) error) (*models.Event, error) {
	stamped, internal, err := b.publishOne(ctx, evt, persist)
	if err != nil {
		return nil, err
	}
	b.drainInternal(ctx, internal)
	return stamped, nil
}

// publishOne performs one serialized publish. It returns self-reporting
// events (subscriber_error, lag_warning) generated during fanout; callers
// publish those after releasing the lock.
func (b *Bus) publishOne(ctx context.Context, evt *models.Event, persist func(*models.Event) error) (*models.Event, []*models.Event, error) {
	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		return nil, nil, fmt.Errorf("bus closed: %w", models.ErrInvalidState)
	}

	next := b.seq + 1
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Seq = next

	if persist != nil {
		if err := persist(evt); err != nil {
			b.pubMu.Unlock()
			return nil, nil, err
		}
	}

	b.seq = next
	b.published++
	b.ring.append(evt)
	internal := b.fanoutLocked(ctx, evt)
	b.pubMu.Unlock()
	return evt, internal, nil
}

// Stats reports cumulative counts for this process: events published and
// events evicted from async subscriber queues. Restore does not affect either.
func (b *Bus) Stats() (published, dropped uint64) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.published, b.dropped
}

// fanoutLocked delivers to all matching subscriptions. Callers hold pubMu.
func (b *Bus) fanoutLocked(ctx context.Context, evt *models.Event) []*models.Event {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	var internal []*models.Event
	for sub := range b.subs {
		if !sub.matches(evt) {
			continue
		}
		switch sub.mode {
		case ModeSync:
			if err := deliverSync(ctx, sub, evt); err != nil {
				slog.Warn("Sync subscriber failed",
					"subscription", sub.name, "event_type", evt.Type, "seq", evt.Seq, "error", err)
				if evt.Type != models.EventTypeSubscriberError {
					internal = append(internal, newBusEvent(models.EventTypeSubscriberError, models.SubscriberErrorPayload{
						Subscription: sub.name,
						EventType:    string(evt.Type),
						EventSeq:     evt.Seq,
						Error:        err.Error(),
						Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
					}))
				}
			}
		case ModeAsync:
			droppedSeq, warnDue, droppedTotal := sub.offer(evt, b.cfg.LagWarnInterval)
			if droppedSeq > 0 {
				b.dropped++
				slog.Debug("Async subscriber queue overflow, dropped oldest",
					"subscription", sub.name, "dropped_seq", droppedSeq)
			}
			if warnDue {
				internal = append(internal, newBusEvent(models.EventTypeLagWarning, models.LagWarningPayload{
					Subscription: sub.name,
					DroppedSeq:   droppedSeq,
					Dropped:      droppedTotal,
					Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
				}))
			}
		}
	}
	return internal
}

// deliverSync invokes a sync handler with panic containment. A throwing
// handler never corrupts the bus.
func deliverSync(ctx context.Context, sub *Subscription, evt *models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, evt)
}

// drainInternal publishes self-reporting events, including any generated
// while publishing them.
func (b *Bus) drainInternal(ctx context.Context, pending []*models.Event) {
	for len(pending) > 0 {
		evt := pending[0]
		pending = pending[1:]
		_, more, err := b.publishOne(ctx, evt, nil)
		if err != nil {
			return // closed mid-drain
		}
		pending = append(pending, more...)
	}
}

// reportHandlerError surfaces async handler failures as subscriber_error
// events. Failures while handling a subscriber_error are logged only.
func (b *Bus) reportHandlerError(sub *Subscription, evt *models.Event, err error) {
	slog.Warn("Async subscriber failed",
		"subscription", sub.name, "event_type", evt.Type, "seq", evt.Seq, "error", err)
	if evt.Type == models.EventTypeSubscriberError {
		return
	}
	b.Publish(b.baseCtx, newBusEvent(models.EventTypeSubscriberError, models.SubscriberErrorPayload{
		Subscription: sub.name,
		EventType:    string(evt.Type),
		EventSeq:     evt.Seq,
		Error:        err.Error(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
	}))
}

// GetRecent returns the last n events from the replay log in seq order.
func (b *Bus) GetRecent(n int) []*models.Event {
	return b.ring.recent(n)
}

// GetEvents returns buffered events passing the filter in seq order.
func (b *Bus) GetEvents(filter models.EventFilter) []*models.Event {
	return b.ring.events(filter)
}

// AddMirror attaches an out-of-process mirror. Mirrors consume through one
// shared async subscription so a slow broker can never block publishers, and
// mirror failures surface as mirror_failed events rather than publish errors.
func (b *Bus) AddMirror(m Mirror) error {
	b.mirrors = append(b.mirrors, m)
	if b.mirrorSub != nil {
		return nil
	}
	sub, err := b.Subscribe("mirror", models.EventFilter{}, ModeAsync, b.mirrorHandler)
	if err != nil {
		return err
	}
	b.mirrorSub = sub
	return nil
}

func (b *Bus) mirrorHandler(ctx context.Context, evt *models.Event) error {
	// Never re-mirror the bus's own failure reports.
	if evt.Type == models.EventTypeMirrorFailed {
		return nil
	}
	for _, m := range b.mirrors {
		if err := m.Publish(ctx, evt); err != nil {
			b.reportMirrorError(ctx, m.Name(), err)
		}
	}
	return nil
}

// reportMirrorError emits mirror_failed, throttled per mirror so a dead
// broker cannot flood the bus with its own failure reports.
func (b *Bus) reportMirrorError(ctx context.Context, name string, err error) {
	slog.Warn("Event mirror failed", "mirror", name, "error", err)

	b.mirrorMu.Lock()
	last := b.mirrorErr[name]
	due := time.Since(last) >= b.cfg.LagWarnInterval
	if due {
		b.mirrorErr[name] = time.Now()
	}
	b.mirrorMu.Unlock()
	if !due {
		return
	}

	b.Publish(ctx, newBusEvent(models.EventTypeMirrorFailed, models.MirrorFailedPayload{
		Mirror:    name,
		Error:     err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}))
}

// Close stops accepting publishes, stops all workers, and closes mirrors.
func (b *Bus) Close() error {
	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		return nil
	}
	b.closed = true
	b.pubMu.Unlock()

	b.subMu.Lock()
	for sub := range b.subs {
		if sub.stop != nil {
			close(sub.stop)
		}
		delete(b.subs, sub)
	}
	b.subMu.Unlock()

	b.cancel()
	b.wg.Wait()

	var firstErr error
	for _, m := range b.mirrors {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newBusEvent builds a bus-sourced event with a marshaled payload.
func newBusEvent(typ models.EventType, payload any) *models.Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	return &models.Event{
		Type:    typ,
		Source:  "bus",
		Payload: data,
	}
}
