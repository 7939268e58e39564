package transport

import "sync"

// Inbox is a mutex-guarded queue of deferred event deliveries. Transports
// that observe activity on background goroutines append a closure per
// observation and run them all from Tick, so feeds only ever fire on the
// owning goroutine.
//
// The zero value is ready to use.
type Inbox struct {
	mu    sync.Mutex
	queue []func()
}

// Put appends one delivery. Safe to call from any goroutine.
func (in *Inbox) Put(fn func()) {
	in.mu.Lock()
	in.queue = append(in.queue, fn)
	in.mu.Unlock()
}

// Drain runs queued deliveries in arrival order. Deliveries enqueued
// while Drain runs, including by the deliveries themselves, wait for the
// next call.
func (in *Inbox) Drain() {
	in.mu.Lock()
	q := in.queue
	in.queue = nil
	in.mu.Unlock()

	for _, fn := range q {
		fn()
	}
}

// Clear discards all queued deliveries without running them. Used on
// teardown so a stale session cannot deliver into a new one.
func (in *Inbox) Clear() {
	in.mu.Lock()
	in.queue = nil
	in.mu.Unlock()
}

// Len returns the number of queued deliveries.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}
