// Package traffic keeps sliding windows of request outcomes. The health
// endpoint reads them to report overload and elevated server error rates.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies a finished request.
type Outcome int

const (
	// Success is any response below 500 other than a rate-limit denial.
	Success Outcome = iota
	// Failure is a 5xx response: storage, query or engine errors.
	Failure
	// Denied is a 429 from the upload rate limiter.
	Denied
)

// retention bounds how far back any window may look.
const retention = 5 * time.Minute

var defaultTracker Tracker

// Record records o on the process-wide tracker.
func Record(o Outcome) {
	defaultTracker.Record(o)
}

// RecordStatus records the outcome implied by an HTTP status code.
func RecordStatus(code int) {
	defaultTracker.Record(OutcomeOf(code))
}

// RequestCount returns the number of outcomes of any kind within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// ErrorRate returns (failures, successes+failures) within the window.
func ErrorRate(window time.Duration) (failures, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// OutcomeOf maps a response status to its outcome.
func OutcomeOf(code int) Outcome {
	switch {
	case code == 429:
		return Denied
	case code >= 500:
		return Failure
	default:
		return Success
	}
}

// Tracker maintains per-outcome timestamp windows. The zero value is ready
// to use.
type Tracker struct {
	mu    sync.Mutex
	times [3][]time.Time
	now   func() time.Time
}

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

// Record appends the current time to o's window and prunes expired entries.
func (t *Tracker) Record(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.times[o] = append(t.times[o], now)
	t.pruneLocked(now)
}

// RequestCount returns the total number of outcomes within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-window)
	return countSince(t.times[Success], cutoff) +
		countSince(t.times[Failure], cutoff) +
		countSince(t.times[Denied], cutoff)
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.times[Denied], t.clock().Add(-window))
}

// ErrorRate returns (failures, total) within the window. Denials are not part
// of total.
func (t *Tracker) ErrorRate(window time.Duration) (failures, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-window)
	failures = countSince(t.times[Failure], cutoff)
	return failures, failures + countSince(t.times[Success], cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.times {
		t.times[i] = nil
	}
}

// countSince counts timestamps not before cutoff. times is ascending.
func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(times) - 1; i >= 0 && !times[i].Before(cutoff); i-- {
		n++
	}
	return n
}

// pruneLocked drops timestamps older than retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	for o := range t.times {
		times := t.times[o]
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			t.times[o] = append(times[:0], times[i:]...)
		}
	}
}
