package testing

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTestHelperCollectsNoErrors(t *testing.T) {
	h := NewTestHelper(t)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		h.Go(func() error {
			ran.Add(1)
			return nil
		})
	}
	h.Wait()

	if got := ran.Load(); got != 10 {
		t.Errorf("expected 10 goroutines to run, got %d", got)
	}
}

func TestTestHelperReportsErrors(t *testing.T) {
	// Bind the helper to a throwaway T so recorded errors fail that
	// instance, not this test.
	inner := &testing.T{}
	h := NewTestHelper(inner)

	h.Go(func() error {
		return errors.New("boom")
	})

	h.wg.Wait()
	if len(h.errors) != 1 {
		t.Errorf("expected 1 recorded error, got %d", len(h.errors))
	}
}

func TestTestHelperAddDone(t *testing.T) {
	h := NewTestHelper(t)

	var ran atomic.Bool
	h.Add(1)
	go func() {
		defer h.Done()
		ran.Store(true)
	}()
	h.Wait()

	if !ran.Load() {
		t.Error("goroutine did not run before Wait returned")
	}
}

func TestWaitFor(t *testing.T) {
	var flag atomic.Bool
	go func() {
		time.Sleep(10 * time.Millisecond)
		flag.Store(true)
	}()

	WaitFor(t, time.Second, flag.Load, "flag set by background goroutine")
}
