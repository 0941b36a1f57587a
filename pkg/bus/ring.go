package bus

import (
	"sync"

	"github.com/flocklab/flock/pkg/models"
)

// ring is the bounded replay log. Capacity is fixed at construction; older
// events are evicted FIFO regardless of subscriber state, which is what
// bounds the bus's memory.
type ring struct {
	mu    sync.RWMutex
	buf   []*models.Event
	start int // index of the oldest event
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*models.Event, capacity)}
}

func (r *ring) append(evt *models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = evt
		r.size++
		return
	}
	// Full: overwrite the oldest slot.
	r.buf[r.start] = evt
	r.start = (r.start + 1) % len(r.buf)
}

// recent returns the last n events in seq order.
func (r *ring) recent(n int) []*models.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]*models.Event, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// events returns buffered events passing the filter, in seq order.
func (r *ring) events(filter models.EventFilter) []*models.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Event
	for i := 0; i < r.size; i++ {
		evt := r.buf[(r.start+i)%len(r.buf)]
		if !filter.Matches(evt) {
			continue
		}
		out = append(out, evt)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
