// Package breaker provides a local circuit breaker protecting calls to
// dependent services.
//
// Breakers are per-process and never replicated: each node protects its
// own outbound calls independently of consensus. Failure counts use a
// time-bucketed rolling window so stale failures age out instead of
// counting forever.
package breaker

import (
	"time"
)

// bucket holds the counts for one slice of the rolling window.
type bucket struct {
	start     time.Time
	failures  uint64
	successes uint64
}

// window is a fixed ring of time buckets covering a rolling duration.
// Counts outside the window age out as their buckets are reused.
// Not safe for concurrent use; the owning Breaker serializes access.
type window struct {
	buckets []bucket
	span    time.Duration // duration covered by one bucket
}

// newWindow creates a rolling window of the given total duration split
// into numBuckets slices.
func newWindow(duration time.Duration, numBuckets int) *window {
	if numBuckets <= 0 {
		numBuckets = 1
	}
	return &window{
		buckets: make([]bucket, numBuckets),
		span:    duration / time.Duration(numBuckets),
	}
}

// current returns the bucket for now, resetting it first if it holds
// counts from an earlier rotation of the ring.
func (w *window) current(now time.Time) *bucket {
	start := now.Truncate(w.span)
	idx := int(start.UnixNano()/int64(w.span)) % len(w.buckets)
	if idx < 0 {
		idx += len(w.buckets)
	}

	b := &w.buckets[idx]
	if !b.start.Equal(start) {
		b.start = start
		b.failures = 0
		b.successes = 0
	}
	return b
}

// recordFailure adds one failure to the bucket covering now.
func (w *window) recordFailure(now time.Time) {
	w.current(now).failures++
}

// recordSuccess adds one success to the bucket covering now.
func (w *window) recordSuccess(now time.Time) {
	w.current(now).successes++
}

// counts sums the failures and successes still inside the window at now.
func (w *window) counts(now time.Time) (failures, successes uint64) {
	cutoff := now.Add(-w.span * time.Duration(len(w.buckets)))
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.start.IsZero() || b.start.Before(cutoff) {
			continue
		}
		failures += b.failures
		successes += b.successes
	}
	return failures, successes
}

// reset clears all buckets.
func (w *window) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
