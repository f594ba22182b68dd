// Package testutil holds helpers shared by fuzz targets and cluster tests.
package testutil

import (
	"fmt"
	"testing"
	"time"
)

const (
	// FuzzMaxBytes keeps fuzz inputs around one soft-limited frame.
	FuzzMaxBytes = 64 << 10
	FuzzTimeout  = 100 * time.Millisecond
)

// Capped truncates fuzz input to FuzzMaxBytes.
func Capped(b []byte) []byte {
	if len(b) > FuzzMaxBytes {
		return b[:FuzzMaxBytes]
	}
	return b
}

// Within fails t when fn does not return within d. A decoder that loops on
// crafted input shows up here instead of hanging the fuzzer.
func Within(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = FuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("did not finish within %s", d)
	}
}

// NodeNames returns n names of the form prefix + zero-padded index, so they
// compress into a single hostlist range.
func NodeNames(prefix string, n, digits int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s%0*d", prefix, digits, i)
	}
	return names
}
