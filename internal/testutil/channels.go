// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Timeouts for asynchronous assertions.
const (
	DefaultTestTimeout = 5 * time.Second
	ShortTestTimeout   = 1 * time.Second
)

// Receive returns the next value from ch, failing the test after timeout.
func Receive[T any](t *testing.T, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		require.FailNow(t, msg)
		var zero T
		return zero
	}
}

// Collect reads from ch until n values arrived or timeout passes, and
// returns what it got. Closing ch ends collection early.
func Collect[T any](ch <-chan T, n int, timeout time.Duration) []T {
	got := make([]T, 0, n)
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case v, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, v)
		case <-deadline:
			return got
		}
	}
	return got
}
