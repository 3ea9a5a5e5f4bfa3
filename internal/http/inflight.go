package http

import (
	"context"
	"sync/atomic"
	"time"
)

// InFlightTracker counts requests being served, with uploads counted
// separately. Shutdown waits on it after the listener closes; an upload cut
// off here leaves only a staging file behind, which startup removes.
type InFlightTracker struct {
	total   atomic.Int64
	uploads atomic.Int64
}

// Begin records a request start and returns the func that records its end.
func (t *InFlightTracker) Begin(upload bool) (done func()) {
	t.total.Add(1)
	if upload {
		t.uploads.Add(1)
	}
	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		if upload {
			t.uploads.Add(-1)
		}
		t.total.Add(-1)
	}
}

// Count returns the number of requests in flight.
func (t *InFlightTracker) Count() int64 {
	return t.total.Load()
}

// Uploads returns the number of uploads in flight.
func (t *InFlightTracker) Uploads() int64 {
	return t.uploads.Load()
}

// WaitForZero blocks until nothing is in flight or ctx is done, polling every
// checkInterval.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if t.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// globalInFlightTracker is maintained by MetricsMiddleware.
var globalInFlightTracker = &InFlightTracker{}

// InFlightCount returns the number of requests in flight.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// InFlightUploads returns the number of uploads in flight.
func InFlightUploads() int64 {
	return globalInFlightTracker.Uploads()
}

// WaitForInFlight blocks until in-flight requests reach zero or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return globalInFlightTracker.WaitForZero(ctx, checkInterval)
}
