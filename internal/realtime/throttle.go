package realtime

import (
	"sync"
	"time"
)

// Throttle rate-limits high-frequency continuous mutations to one emit per
// interval per key, leading edge first. Calls landing inside a key's
// cool-down are coalesced into a single trailing-edge emit carrying the
// latest payload; superseded payloads are the only ones ever dropped. Keys
// are independent, so a drag stream on one card never starves a resize
// stream on another.
type Throttle struct {
	interval time.Duration
	emit     func(payload Envelope)
	clock    func() time.Time

	mu      sync.Mutex
	entries map[string]*throttleEntry
	closed  bool
}

type throttleEntry struct {
	lastEmit time.Time
	timer    *time.Timer
	pending  *Envelope
}

// NewThrottle constructs a throttle that forwards payloads to emit.
func NewThrottle(interval time.Duration, emit func(payload Envelope)) *Throttle {
	return &Throttle{
		interval: interval,
		emit:     emit,
		clock:    time.Now,
		entries:  make(map[string]*throttleEntry),
	}
}

// Schedule submits the latest payload for the key. The first call in an
// idle window emits immediately; later calls inside the window replace the
// pending trailing-edge payload.
func (t *Throttle) Schedule(key string, payload Envelope) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	entry, ok := t.entries[key]
	if !ok {
		entry = &throttleEntry{}
		t.entries[key] = entry
	}

	now := t.clock()
	if entry.timer == nil && now.Sub(entry.lastEmit) >= t.interval {
		entry.lastEmit = now
		t.mu.Unlock()
		t.emit(payload)
		return
	}

	entry.pending = &payload
	if entry.timer == nil {
		remaining := t.interval - now.Sub(entry.lastEmit)
		if remaining < 0 {
			remaining = 0
		}
		entry.timer = time.AfterFunc(remaining, func() {
			t.fire(key)
		})
	}
	t.mu.Unlock()
}

func (t *Throttle) fire(key string) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	payload := entry.pending
	entry.pending = nil
	entry.timer = nil
	entry.lastEmit = t.clock()
	t.mu.Unlock()

	if payload != nil {
		t.emit(*payload)
	}
}

// Close cancels every pending trailing-edge timer. Pending payloads are
// dropped rather than flushed: the owning engine publishes final state on
// teardown itself, and a post-teardown delivery would race a detached
// transport.
func (t *Throttle) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, entry := range t.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		entry.pending = nil
	}
}
