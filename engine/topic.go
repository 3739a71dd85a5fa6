package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrTopicClosed is returned by Publish after Close.
var ErrTopicClosed = errors.New("engine: topic closed")

// Topic fans values out to subscribers. Each subscriber receives values in publish order.
type Topic[T any] struct {
	mu     sync.RWMutex
	subs   map[*subscription[T]]struct{}
	closed bool
}

type subscription[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

// NewTopic creates an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[*subscription[T]]struct{})}
}

// Subscribe returns a channel of published values and a function that ends the
// subscription and closes the channel. Nothing is delivered after unsubscribe returns.
func (t *Topic[T]) Subscribe(buffer int) (<-chan T, func()) {
	sub := &subscription[T]{
		ch:   make(chan T, buffer),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		close(sub.ch)

		return sub.ch, func() {}
	}

	t.subs[sub] = struct{}{}

	return sub.ch, func() { t.unsubscribe(sub) }
}

func (t *Topic[T]) unsubscribe(sub *subscription[T]) {
	sub.once.Do(func() {
		// Wake publishers blocked on this subscriber before taking the write lock.
		close(sub.done)

		t.mu.Lock()
		defer t.mu.Unlock()

		if _, ok := t.subs[sub]; ok {
			delete(t.subs, sub)
			close(sub.ch)
		}
	})
}

// Publish delivers v to every subscriber, blocking while a subscriber's buffer is full.
func (t *Topic[T]) Publish(ctx context.Context, v T) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrTopicClosed
	}

	for sub := range t.subs {
		select {
		case sub.ch <- v:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Subscribers returns the number of live subscriptions.
func (t *Topic[T]) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.subs)
}

// Close ends every subscription. Later publishes fail with ErrTopicClosed.
func (t *Topic[T]) Close() {
	t.mu.RLock()
	subs := make([]*subscription[T], 0, len(t.subs))

	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.RUnlock()

	for _, sub := range subs {
		t.unsubscribe(sub)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true

	// Subscriptions made while the snapshot was being drained.
	for sub := range t.subs {
		sub.once.Do(func() { close(sub.done) })
		delete(t.subs, sub)
		close(sub.ch)
	}
}
