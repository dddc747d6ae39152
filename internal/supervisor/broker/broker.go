// Package broker provides ordered fan-out of values to many subscribers.
//
// Every subscription owns an independent queue, so Publish never waits on a
// subscriber and a slow subscriber never delays the others. Subscribers only
// see values published after they subscribed.
package broker

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
)

// DefaultMaxPending is the queue length at which a subscriber is dropped.
const DefaultMaxPending = 10000

// ErrLagged is returned by Next once a subscription was dropped because its
// queue grew past the configured limit.
var ErrLagged = errors.New("subscriber lagged too far behind")

// Option configures a Broker.
type Option func(*options)

type options struct {
	maxPending int
	onLag      func()
	onSubs     func(n int)
}

// WithMaxPending sets how many undelivered values a subscriber may hold.
func WithMaxPending(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPending = n
		}
	}
}

// WithLagHook sets a function called whenever a subscriber is dropped.
func WithLagHook(fn func()) Option {
	return func(o *options) {
		o.onLag = fn
	}
}

// WithSubscriberHook sets a function called with the subscriber count each
// time it changes.
func WithSubscriberHook(fn func(n int)) Option {
	return func(o *options) {
		o.onSubs = fn
	}
}

// Broker delivers published values to every current Subscription in publish
// order.
type Broker[T any] struct {
	opts options

	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// New creates an empty Broker.
func New[T any](opts ...Option) *Broker[T] {
	b := &Broker[T]{
		opts: options{maxPending: DefaultMaxPending},
		subs: make(map[*Subscription[T]]struct{}),
	}

	for _, opt := range opts {
		opt(&b.opts)
	}

	return b
}

// Publish appends v to the queue of every subscriber. It does not block on
// subscribers. Publishing to a closed Broker is a no-op.
func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	lagged := 0

	for sub := range b.subs {
		if !sub.push(v, b.opts.maxPending) {
			delete(b.subs, sub)
			lagged++
		}
	}

	if lagged > 0 {
		if b.opts.onLag != nil {
			for range lagged {
				b.opts.onLag()
			}
		}

		b.notifySubs()
	}
}

// Subscribe returns a Subscription receiving every value published from now
// on. Subscribing to a closed Broker returns a Subscription that is already
// at end of stream.
func (b *Broker[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{b: b}
	sub.cond.L = &sub.mu

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.done = true
		return sub
	}

	b.subs[sub] = struct{}{}
	b.notifySubs()

	return sub
}

// Len returns the current number of subscribers.
func (b *Broker[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

// Close ends every subscription. Subscribers still receive values already
// queued, then io.EOF.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for sub := range b.subs {
		sub.finish()
		delete(b.subs, sub)
	}

	b.notifySubs()
}

func (b *Broker[T]) remove(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		b.notifySubs()
	}
}

// notifySubs must be called with b.mu held.
func (b *Broker[T]) notifySubs() {
	if b.opts.onSubs != nil {
		b.opts.onSubs(len(b.subs))
	}
}

// Subscription is one subscriber's ordered view of a Broker. Safe for
// concurrent use, though values are normally consumed by one goroutine.
type Subscription[T any] struct {
	b *Broker[T]

	mu     sync.Mutex
	cond   sync.Cond
	queue  []T
	done   bool
	lagged bool
	closed bool
}

// push must be called with the broker lock held. It returns false when the
// subscriber exceeded maxPending and was dropped.
func (s *Subscription[T]) push(v T, maxPending int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) >= maxPending {
		s.queue = nil
		s.lagged = true
		s.cond.Broadcast()

		return false
	}

	s.queue = append(s.queue, v)
	s.cond.Signal()

	return true
}

func (s *Subscription[T]) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.done = true
	s.cond.Broadcast()
}

// Next blocks until the next value is available and returns it. It returns
// io.EOF after the Subscription was closed or the Broker closed and the
// queue drained, ErrLagged if the subscriber was dropped, or the context's
// error if ctx is done first.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		switch {
		case s.closed:
			return zero, io.EOF
		case s.lagged:
			return zero, ErrLagged
		case len(s.queue) > 0:
			v := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]

			return v, nil
		case s.done:
			return zero, io.EOF
		case ctx.Err() != nil:
			return zero, ctx.Err()
		}

		s.cond.Wait()
	}
}

// All returns an iterator over values until Next returns an error. Use Next
// directly when the reason for stopping matters.
func (s *Subscription[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := s.Next(ctx)
			if err != nil {
				return
			}

			if !yield(v) {
				return
			}
		}
	}
}

// Close unsubscribes and wakes any waiting Next. Closing a closed
// Subscription returns io.ErrClosedPipe.
func (s *Subscription[T]) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}

	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	s.b.remove(s)

	return nil
}
