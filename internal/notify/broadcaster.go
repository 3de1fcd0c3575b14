// Package notify fans out a current value to any number of subscribers.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

const (
	// subscriberBuffer bounds how far a slow subscriber may lag behind
	// published values before the oldest undelivered ones are dropped.
	subscriberBuffer = 16
	// eventBuffer bounds how far a slow subscriber may lag behind emitted
	// events before its subscription is ended.
	eventBuffer = 256
)

// item is one queued value. Published values may be coalesced; emitted
// ones may not.
type item[T any] struct {
	v         T
	published bool
}

// subscriber owns the queue between the broadcaster and one channel. Its
// pending and ending fields are guarded by the broadcaster's mutex.
type subscriber[T any] struct {
	out     chan T
	wake    chan struct{}
	pending []item[T]
	ending  bool
}

func (s *subscriber[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Broadcaster holds a current value and publishes changes to subscribers.
// Consecutive equal values are published once, and a subscriber never
// receives two equal published values in a row, even after it fell behind.
type Broadcaster[T any] struct {
	mu      sync.Mutex
	current T
	equal   func(a, b T) bool
	subs    map[*subscriber[T]]struct{}
	closed  bool
}

// New creates a Broadcaster with the given initial value. equal decides
// whether a published value differs from the current one.
func New[T any](initial T, equal func(a, b T) bool) *Broadcaster[T] {
	return &Broadcaster[T]{
		current: initial,
		equal:   equal,
		subs:    make(map[*subscriber[T]]struct{}),
	}
}

// Current returns the last published value.
func (b *Broadcaster[T]) Current() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Publish sets the current value and delivers it to every subscriber.
// It reports whether the value changed. A subscriber that lags more than
// subscriberBuffer values behind loses the oldest ones it has not read.
func (b *Broadcaster[T]) Publish(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || (b.equal != nil && b.equal(b.current, v)) {
		return false
	}
	b.current = v
	for s := range b.subs {
		b.push(s, item[T]{v: v, published: true})
	}
	return true
}

// Emit delivers v to every subscriber without touching the current value.
// It suits event streams where every value matters: a subscriber that lags
// more than eventBuffer values behind has its channel closed instead of
// losing values.
func (b *Broadcaster[T]) Emit(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for s := range b.subs {
		b.push(s, item[T]{v: v})
	}
}

// push queues it for s. The caller holds b.mu.
func (b *Broadcaster[T]) push(s *subscriber[T], it item[T]) {
	limit := subscriberBuffer
	if !it.published {
		limit = eventBuffer
	}
	if len(s.pending) >= limit {
		if !it.published || !s.pending[0].published {
			slog.Warn("subscriber fell behind",
				"component", "notify",
				"action", "subscriber_dropped",
				"pending", len(s.pending),
			)
			b.end(s)
			return
		}
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, it)
	s.signal()
}

// end detaches s. Its channel closes once the values already queued are
// read. The caller holds b.mu.
func (b *Broadcaster[T]) end(s *subscriber[T]) {
	delete(b.subs, s)
	s.ending = true
	s.signal()
}

// Subscribe returns a channel that first yields the current value and then
// every subsequent change. The channel is closed when ctx ends or the
// broadcaster is closed.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) <-chan T {
	return b.subscribe(ctx, true)
}

// Listen is like Subscribe but does not replay the current value.
func (b *Broadcaster[T]) Listen(ctx context.Context) <-chan T {
	return b.subscribe(ctx, false)
}

func (b *Broadcaster[T]) subscribe(ctx context.Context, replay bool) <-chan T {
	s := &subscriber[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out
	}
	if replay {
		s.pending = append(s.pending, item[T]{v: b.current, published: true})
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go b.run(ctx, s)
	return s.out
}

// run hands queued values to the subscriber's channel one at a time. It
// skips a published value equal to the one the subscriber last received.
func (b *Broadcaster[T]) run(ctx context.Context, s *subscriber[T]) {
	defer close(s.out)

	var last T
	var delivered bool
	for {
		b.mu.Lock()
		if len(s.pending) == 0 {
			ending := s.ending
			b.mu.Unlock()
			if ending {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				b.unsubscribe(s)
				return
			}
		}
		it := s.pending[0]
		s.pending = s.pending[1:]
		b.mu.Unlock()

		if it.published && delivered && b.equal != nil && b.equal(last, it.v) {
			continue
		}
		select {
		case s.out <- it.v:
			last, delivered = it.v, true
		case <-ctx.Done():
			b.unsubscribe(s)
			return
		}
	}
}

func (b *Broadcaster[T]) unsubscribe(s *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
	s.pending = nil
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Values already queued are still
// delivered. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		b.end(s)
	}
}
