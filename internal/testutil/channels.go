// Package testutil provides shared test helpers for asynchronous code.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Common test timeout constants.
const (
	// DefaultTestTimeout is the standard timeout for most async test operations.
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for operations expected to complete quickly.
	ShortTestTimeout = 1 * time.Second
)

// WaitForChannel waits for a signal on the channel or fails after timeout.
func WaitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// Receive returns the next value from ch or fails after timeout. A closed
// channel is a failure too.
func Receive[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for a value")
	}
	var zero T
	return zero
}

// ReceiveN collects n values from ch, failing if they don't all arrive
// within timeout.
func ReceiveN[T any](t *testing.T, ch <-chan T, n int, timeout time.Duration) []T {
	t.Helper()
	deadline := time.After(timeout)
	out := make([]T, 0, n)
	for len(out) < n {
		select {
		case v, ok := <-ch:
			require.True(t, ok, "channel closed after %d of %d values", len(out), n)
			out = append(out, v)
		case <-deadline:
			require.FailNow(t, "timed out", "received %d of %d values", len(out), n)
		}
	}
	return out
}

// ExpectNone fails if ch yields a value within wait
func ExpectNone[T any](t *testing.T, ch <-chan T, wait time.Duration) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			require.Failf(t, "unexpected value", "%v", v)
		}
	case <-time.After(wait):
	}
}
