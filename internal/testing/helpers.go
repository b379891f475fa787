// Package testing provides helpers for tests that spawn goroutines.
//
// Calling t.Fatal or t.FailNow from a goroutine other than the test
// goroutine is undefined behavior: those methods call runtime.Goexit,
// which only terminates the calling goroutine. The helpers here collect
// errors over a channel and report them from the test goroutine instead.
package testing

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestHelper collects errors from concurrent publishers, readers, and
// other test goroutines.
//
// Usage:
//
//	func TestConcurrentPublish(t *testing.T) {
//	    h := NewTestHelper(t)
//	    defer h.Wait()
//
//	    for i := 0; i < 10; i++ {
//	        h.Go(func() error {
//	            return client.Publish(testEnvelope(i))
//	        })
//	    }
//	}
type TestHelper struct {
	t      *testing.T
	wg     sync.WaitGroup
	errors chan error
}

// NewTestHelper creates a helper bound to t.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{
		t:      t,
		errors: make(chan error, 100),
	}
}

// Go runs fn in a goroutine. A non-nil return is recorded and reported
// by Wait.
func (h *TestHelper) Go(fn func() error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := fn(); err != nil {
			h.Error(err)
		}
	}()
}

// Add increments the goroutine counter for callers that manage their own
// goroutines and pair it with Done.
func (h *TestHelper) Add(delta int) {
	h.wg.Add(delta)
}

// Done decrements the goroutine counter.
func (h *TestHelper) Done() {
	h.wg.Done()
}

// Errorf records a test error. Safe to call from any goroutine.
func (h *TestHelper) Errorf(format string, args ...interface{}) {
	select {
	case h.errors <- fmt.Errorf(format, args...):
	default:
		// Buffer full. The error is dropped but earlier ones still fail
		// the test.
	}
}

// Error records a non-nil error. Safe to call from any goroutine.
func (h *TestHelper) Error(err error) {
	if err == nil {
		return
	}
	select {
	case h.errors <- err:
	default:
	}
}

// Wait blocks until all goroutines finish and reports collected errors
// on the test goroutine. Call it via defer.
func (h *TestHelper) Wait() {
	h.wg.Wait()
	close(h.errors)

	failed := false
	for err := range h.errors {
		h.t.Errorf("goroutine error: %v", err)
		failed = true
	}
	if failed {
		h.t.FailNow()
	}
}

// WaitFor polls cond until it returns true or the timeout expires.
// It reports the timeout as a test error with msg for context.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("condition not met within %v: %s", timeout, msg)
}
