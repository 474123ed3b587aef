// Package reactions aggregates ephemeral audience reactions into a bounded,
// time-ordered display window per channel. Purely presentational: counts need
// not be exact under load, and nothing is persisted.
package reactions

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagecast/engine/internal/models"
)

const (
	// DefaultCapacity bounds the per-channel window size.
	DefaultCapacity = 20
	// DefaultHorizon is how far back the window reaches.
	DefaultHorizon = 10 * time.Second
)

// window is a fixed-capacity ring of reaction events ordered by emission time.
type window struct {
	buf   []models.ReactionEvent
	start int
	count int
}

func (w *window) push(ev models.ReactionEvent) {
	if w.count < len(w.buf) {
		w.buf[(w.start+w.count)%len(w.buf)] = ev
		w.count++
		return
	}
	// full: overwrite oldest
	w.buf[w.start] = ev
	w.start = (w.start + 1) % len(w.buf)
}

// prune drops entries older than the cutoff. Entries are time-ordered, so the
// scan stops at the first young enough event.
func (w *window) prune(cutoff time.Time) {
	for w.count > 0 && w.buf[w.start].EmittedAt.Before(cutoff) {
		w.start = (w.start + 1) % len(w.buf)
		w.count--
	}
}

func (w *window) snapshot() []models.ReactionEvent {
	out := make([]models.ReactionEvent, 0, w.count)
	for i := 0; i < w.count; i++ {
		out = append(out, w.buf[(w.start+i)%len(w.buf)])
	}
	return out
}

// Aggregator maintains the bounded reaction window for every live channel.
type Aggregator struct {
	mu       sync.Mutex
	windows  map[uuid.UUID]*window
	capacity int
	horizon  time.Duration
	now      func() time.Time
}

// New creates an aggregator. Non-positive capacity or horizon fall back to the
// defaults.
func New(capacity int, horizon time.Duration) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Aggregator{
		windows:  make(map[uuid.UUID]*window),
		capacity: capacity,
		horizon:  horizon,
		now:      time.Now,
	}
}

// Record adds a reaction to the channel's window, pruning expired entries.
func (a *Aggregator) Record(channelID uuid.UUID, ev models.ReactionEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.windows[channelID]
	if w == nil {
		w = &window{buf: make([]models.ReactionEvent, a.capacity)}
		a.windows[channelID] = w
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = a.now()
	}
	w.prune(a.now().Add(-a.horizon))
	w.push(ev)
}

// Window returns the channel's live reaction window, oldest first. Used to
// warm up a late joiner's animation state.
func (a *Aggregator) Window(channelID uuid.UUID) []models.ReactionEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.windows[channelID]
	if w == nil {
		return nil
	}
	w.prune(a.now().Add(-a.horizon))
	return w.snapshot()
}

// Drop discards a channel's window when the channel closes.
func (a *Aggregator) Drop(channelID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, channelID)
}
