package lifecycle

import (
	"testing"
	"time"
)

// TestShuttingDown verifies the flag defaults to false and follows
// SetShuttingDown.
func TestShuttingDown(t *testing.T) {
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Fatal("IsShuttingDown() = true, want false by default")
	}
	SetShuttingDown(true)
	defer SetShuttingDown(false)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after SetShuttingDown(true), want true")
	}
}

// TestUptime verifies uptime is measured from MarkStarted.
func TestUptime(t *testing.T) {
	MarkStarted(time.Now().Add(-time.Minute))
	if up := Uptime(); up < time.Minute || up > 2*time.Minute {
		t.Errorf("Uptime() = %v, want about 1m", up)
	}
}
