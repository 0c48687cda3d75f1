package stream

import (
	"time"

	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
)

// Deduper suppresses repeated ticks using two rotating windows. A key is
// remembered for at least one window length and at most two, which bounds
// memory without a per-key timer. Not safe for concurrent use; the tick loop
// is its single caller.
type Deduper struct {
	window    time.Duration
	clock     clockwork.Clock
	cur       map[string]struct{}
	prev      map[string]struct{}
	rotatedAt time.Time
}

// NewDeduper builds a deduper with the given suppression window.
func NewDeduper(window time.Duration, clock clockwork.Clock) *Deduper {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Deduper{
		window:    window,
		clock:     clock,
		cur:       make(map[string]struct{}),
		prev:      make(map[string]struct{}),
		rotatedAt: clock.Now(),
	}
}

// Seen records the tick and reports whether its key was already present.
// A repeated key is refreshed into the current window, so a continuously
// repeating tick stays suppressed.
func (d *Deduper) Seen(t domain.Tick) bool {
	now := d.clock.Now()
	if now.Sub(d.rotatedAt) >= d.window {
		d.prev = d.cur
		d.cur = make(map[string]struct{}, len(d.prev))
		d.rotatedAt = now
	}

	key := t.DedupKey()
	_, inCur := d.cur[key]
	_, inPrev := d.prev[key]
	d.cur[key] = struct{}{}
	return inCur || inPrev
}

// Size reports how many keys are currently remembered.
func (d *Deduper) Size() int {
	return len(d.cur) + len(d.prev)
}
