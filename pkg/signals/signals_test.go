package signals

import (
	"syscall"
	"testing"
	"time"
)

// TestSetupSIGTERM ensures SIGTERM triggers stopCh closure and ctx cancellation.
func TestSetupSIGTERM(t *testing.T) {
	stopCh := make(chan struct{})
	ctx := Setup(stopCh)

	// Short delay so the goroutine installs the handler first.
	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	})

	select {
	case <-stopCh:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for stopCh after SIGTERM")
	}

	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for ctx.Done() after SIGTERM")
	}
}
