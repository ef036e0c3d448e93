// Package ratectl implements the bandwidth pacing advisor (SPEC_FULL §9.1,
// grounded on the original source's utils/load_tracker.hpp moving-window
// sampling idiom): a per-worker moving window of observed bytes/sec,
// consulted read-only and non-blocking by internal/worker to decide whether
// pulling another submission this tick would likely exceed the configured
// instance bandwidth. It is an additive knob, not a gate: Allow never
// blocks, so it cannot introduce a new suspension point (spec §5).
package ratectl

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// windowSize is the number of buckets the moving window keeps; each bucket
// covers bucketSpan, so the tracker reports throughput over the trailing
// windowSize*bucketSpan interval.
const (
	windowSize = 8
	bucketSpan = 250 * time.Millisecond
)

// Tracker accumulates observed bytes over a trailing moving window and
// advises whether another submission should be pulled this tick against a
// target bytes/sec ceiling. The zero value is not usable; construct with
// New.
type Tracker struct {
	targetBytesPerSec atomic.Uint64 // 0 = unbounded, never throttle

	mu      sync.Mutex
	buckets [windowSize]uint64
	cursor  int
	last    time.Time
}

// New constructs a Tracker. targetBytesPerSec is the instance's advertised
// network bandwidth (SPEC_FULL §9.1 per-instance-type table); 0 disables
// pacing entirely.
func New(targetBytesPerSec uint64) *Tracker {
	t := &Tracker{last: time.Now()}
	t.targetBytesPerSec.Store(targetBytesPerSec)
	return t
}

// SetTarget updates the ceiling, e.g. when WorkerGroup.SetInstanceBandwidth
// applies a new instance-type bandwidth figure.
func (t *Tracker) SetTarget(bytesPerSec uint64) { t.targetBytesPerSec.Store(bytesPerSec) }

// Record adds n observed bytes to the current bucket, rotating buckets as
// bucketSpan elapses.
func (t *Tracker) Record(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotate()
	t.buckets[t.cursor] += uint64(n)
}

// rotate advances the bucket cursor for every bucketSpan that elapsed since
// the last call, zeroing the buckets it passes over. Must be called with
// mu held.
func (t *Tracker) rotate() {
	now := time.Now()
	elapsed := now.Sub(t.last)
	steps := int(elapsed / bucketSpan)
	if steps <= 0 {
		return
	}
	if steps > windowSize {
		steps = windowSize
	}
	for i := 0; i < steps; i++ {
		t.cursor = (t.cursor + 1) % windowSize
		t.buckets[t.cursor] = 0
	}
	t.last = now
}

// BytesPerSec reports the trailing moving-window throughput.
func (t *Tracker) BytesPerSec() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotate()
	var sum uint64
	for _, b := range t.buckets {
		sum += b
	}
	return float64(sum) / (windowSize * bucketSpan.Seconds())
}

// Allow reports whether pulling one more submission this tick is advised
// given the current moving-window rate against the configured target; it
// never blocks and a false result is advisory only (spec §9.1: "an
// additive knob, not a blocking gate"). A zero target always allows.
func (t *Tracker) Allow() bool {
	target := t.targetBytesPerSec.Load()
	if target == 0 {
		return true
	}
	return t.BytesPerSec() < float64(target)
}
