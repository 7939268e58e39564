// Package event provides the typed observer lists gridlink components use
// to publish lifecycle notifications.
//
// A Feed is deliberately unsynchronized. The runtime model is cooperative:
// a single goroutine owns a facade and its transport, drives Tick, and
// performs every Subscribe, Cancel, and Emit from that one goroutine.
// Callers that need events on another goroutine must hand them off
// themselves; the feed will not do it for them.
package event

// Feed is an ordered list of callbacks for a single event type.
// The zero value is ready to use.
type Feed[T any] struct {
	subs     []*subscriber[T]
	emitting int
}

type subscriber[T any] struct {
	fn     func(T)
	active bool
}

// Subscription is a handle to one registered callback.
// Cancelling it twice, or cancelling the zero value, is harmless.
type Subscription struct {
	stop func()
}

// Cancel removes the callback from its feed. After Cancel returns the
// callback will not be invoked again, even by an Emit already in progress.
func (s *Subscription) Cancel() {
	if s == nil || s.stop == nil {
		return
	}
	s.stop()
	s.stop = nil
}

// Subscribe registers fn and returns a handle that removes it again.
// Callbacks run in subscription order.
func (f *Feed[T]) Subscribe(fn func(T)) *Subscription {
	sub := &subscriber[T]{fn: fn, active: true}
	f.subs = append(f.subs, sub)
	return &Subscription{stop: func() {
		sub.active = false
		if f.emitting == 0 {
			f.sweep()
		}
	}}
}

// Emit invokes every live subscriber with v, in subscription order.
// A subscriber cancelled while Emit runs is skipped for the remainder of
// the emit; one subscribed while Emit runs is not invoked until the next.
// A panic in a subscriber propagates to the caller and leaves the feed
// usable.
func (f *Feed[T]) Emit(v T) {
	f.emitting++
	defer func() {
		f.emitting--
		if f.emitting == 0 {
			f.sweep()
		}
	}()
	n := len(f.subs)
	for i := 0; i < n; i++ {
		if s := f.subs[i]; s.active {
			s.fn(v)
		}
	}
}

// Len returns the number of live subscribers.
func (f *Feed[T]) Len() int {
	n := 0
	for _, s := range f.subs {
		if s.active {
			n++
		}
	}
	return n
}

// sweep compacts the subscriber list, dropping cancelled entries.
// Never called while an emit is in progress.
func (f *Feed[T]) sweep() {
	live := f.subs[:0]
	for _, s := range f.subs {
		if s.active {
			live = append(live, s)
		}
	}
	for i := len(live); i < len(f.subs); i++ {
		f.subs[i] = nil
	}
	f.subs = live
}
