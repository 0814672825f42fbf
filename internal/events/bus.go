// Package events is a subscribe/unsubscribe event stream with buffered,
// non-blocking delivery. A slow subscriber loses its oldest undelivered
// events; it never blocks the publisher or other subscribers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const DefaultBuffer = 64

type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[string]*Subscription[T]
	size   int
	closed bool
}

type Subscription[T any] struct {
	ID string

	ch      chan T
	bus     *Bus[T]
	dropped atomic.Uint64
	once    sync.Once
}

// NewBus returns a bus whose subscribers buffer up to size events.
func NewBus[T any](size int) *Bus[T] {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &Bus[T]{subs: make(map[string]*Subscription[T]), size: size}
}

// Subscribe registers a new subscriber. On a closed bus the subscription's
// channel is already closed.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{ID: uuid.NewString(), ch: make(chan T, b.size), bus: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.once.Do(func() {})
		return s
	}
	b.subs[s.ID] = s
	return s
}

// Publish delivers v to every subscriber without blocking.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- v:
			continue
		default:
		}
		// Full: drop the oldest and retry once. A concurrent reader may have
		// drained a slot in between, which is fine.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- v:
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later Publish calls are no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

// C is closed when the subscription or the bus is closed.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Dropped counts events this subscriber lost to overflow.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription[T]) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.ID)
	s.once.Do(func() { close(s.ch) })
}
