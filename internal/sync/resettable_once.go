// Package sync provides synchronization primitives used by the producer
// client, which sync.Once alone cannot express.
package sync

import (
	"sync"
	"sync/atomic"
)

// ResettableOnce is like sync.Once but can be reset, allowing the
// function to run again. The producer client uses it to guard teardown
// across reconnect cycles: Close tears the connection down exactly once,
// and Reconnect resets the guard for the next connection.
//
// ResettableOnce is safe for concurrent use.
type ResettableOnce struct {
	done uint32
	m    sync.Mutex
}

// Do calls f if and only if Do has not been called since the last Reset
// (or ever, if Reset was never called). Concurrent calls block until f
// returns, then return without calling f.
func (o *ResettableOnce) Do(f func()) {
	if atomic.LoadUint32(&o.done) == 1 {
		return
	}

	o.m.Lock()
	defer o.m.Unlock()

	if o.done == 0 {
		defer atomic.StoreUint32(&o.done, 1)
		f()
	}
}

// DoWithError calls f if and only if Do has not succeeded since the last
// Reset. If f returns an error the Once is NOT marked done, so the call
// can be retried.
func (o *ResettableOnce) DoWithError(f func() error) error {
	if atomic.LoadUint32(&o.done) == 1 {
		return nil
	}

	o.m.Lock()
	defer o.m.Unlock()

	if o.done == 0 {
		if err := f(); err != nil {
			return err
		}
		atomic.StoreUint32(&o.done, 1)
	}

	return nil
}

// Reset allows Do to run again. Safe to call concurrently with Do: if a
// Do is in progress, Reset blocks until it completes.
func (o *ResettableOnce) Reset() {
	o.m.Lock()
	defer o.m.Unlock()
	atomic.StoreUint32(&o.done, 0)
}

// Done reports whether Do has completed since the last Reset.
func (o *ResettableOnce) Done() bool {
	return atomic.LoadUint32(&o.done) == 1
}
