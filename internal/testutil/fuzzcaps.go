// Package testutil holds helpers shared by fuzz targets.
package testutil

import (
	"testing"
	"time"
)

const (
	MaxFuzzInput = 1 << 16
	FuzzDeadline = 100 * time.Millisecond
)

// RunCapped calls fn with data truncated to MaxFuzzInput and fails t when fn
// has not returned within FuzzDeadline.
func RunCapped(t testing.TB, data []byte, fn func(data []byte)) {
	t.Helper()
	if len(data) > MaxFuzzInput {
		data = data[:MaxFuzzInput]
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(data)
	}()
	timer := time.NewTimer(FuzzDeadline)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("input of %d bytes took longer than %s", len(data), FuzzDeadline)
	}
}
