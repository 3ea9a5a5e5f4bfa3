package http

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// TestInFlightTracker_CountsUploadsSeparately verifies uploads are part of
// the total and also counted on their own.
func TestInFlightTracker_CountsUploadsSeparately(t *testing.T) {
	tracker := &InFlightTracker{}

	read := tracker.Begin(false)
	upload := tracker.Begin(true)
	if tracker.Count() != 2 || tracker.Uploads() != 1 {
		t.Fatalf("Count()=%d Uploads()=%d, want 2 and 1", tracker.Count(), tracker.Uploads())
	}

	upload()
	upload()
	if tracker.Count() != 1 || tracker.Uploads() != 0 {
		t.Errorf("after upload done: Count()=%d Uploads()=%d, want 1 and 0", tracker.Count(), tracker.Uploads())
	}
	read()
	if tracker.Count() != 0 {
		t.Errorf("Count() = %d, want 0", tracker.Count())
	}
}

// TestInFlightTracker_Concurrent verifies the counts are exact under contention.
func TestInFlightTracker_Concurrent(t *testing.T) {
	tracker := &InFlightTracker{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			done := tracker.Begin(i%2 == 0)
			done()
		}(i)
	}
	wg.Wait()
	if tracker.Count() != 0 || tracker.Uploads() != 0 {
		t.Errorf("Count()=%d Uploads()=%d, want 0", tracker.Count(), tracker.Uploads())
	}
}

// TestInFlightTracker_WaitForZero verifies the wait returns once the last
// request completes.
func TestInFlightTracker_WaitForZero(t *testing.T) {
	tracker := &InFlightTracker{}
	done := tracker.Begin(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- tracker.WaitForZero(ctx, 5*time.Millisecond) }()

	time.Sleep(10 * time.Millisecond)
	done()

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("WaitForZero() error = %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("WaitForZero did not return after count reached zero")
	}
}

// TestInFlightTracker_WaitForZero_ContextCanceled verifies the wait gives up
// with the context error.
func TestInFlightTracker_WaitForZero_ContextCanceled(t *testing.T) {
	tracker := &InFlightTracker{}
	tracker.Begin(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tracker.WaitForZero(ctx, 5*time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitForZero() error = %v, want context.Canceled", err)
	}
}
