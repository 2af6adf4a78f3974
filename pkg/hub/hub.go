// Package hub is a process-wide fan-out point. Every published message is copied into the queue of
// each current subscriber; subscribers only see messages published after they subscribed.
package hub

import (
	"context"
	"iter"
	"log/slog"
	"sync"
)

// DefaultBuffer bounds the pending queue of a DropNewest subscriber.
const DefaultBuffer = 256

// Overflow decides what a subscriber queue does with a message it is not ready for.
type Overflow int

const (
	// Unbounded keeps every message. Publish never blocks and nothing is lost; a subscriber that
	// stops reading must Close.
	Unbounded Overflow = iota
	// DropNewest drops a message for a subscriber already holding Buffer pending messages.
	DropNewest
	// KeepLatest replaces whatever is pending with the newest message.
	KeepLatest
)

type Options struct {
	// Buffer is the pending limit for DropNewest. Zero means DefaultBuffer.
	Buffer   int
	Overflow Overflow
	Logger   *slog.Logger
}

type Hub[T any] struct {
	buffer   int
	overflow Overflow
	log      *slog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

func New[T any](opts Options) *Hub[T] {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub[T]{
		buffer:   opts.Buffer,
		overflow: opts.Overflow,
		log:      opts.Logger,
		subs:     make(map[*Subscription[T]]struct{}),
	}
}

// Subscription is one subscriber's queue. A pump goroutine moves pending messages onto C in order.
// C is closed right away when the subscriber calls Close, and after the pending messages have been
// handed over when the hub is torn down.
type Subscription[T any] struct {
	hub *Hub[T]
	ch  chan T

	mu      sync.Mutex
	pending []T
	ending  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Messages yields queued messages until the subscription ends or ctx is done. It cannot be restarted
// once it returns.
func (s *Subscription[T]) Messages(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-s.ch:
				if !ok || !yield(m) {
					return
				}
			}
		}
	}
}

// Close unsubscribes and discards anything still pending. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.hub.mu.Lock()
	s.endLocked()
	s.hub.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// endLocked detaches the subscription from the hub. The caller holds the hub lock.
func (s *Subscription[T]) endLocked() {
	delete(s.hub.subs, s)
	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// enqueue reports whether msg was queued.
func (s *Subscription[T]) enqueue(msg T) bool {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return false
	}
	switch s.hub.overflow {
	case DropNewest:
		if len(s.pending) >= s.hub.buffer {
			s.mu.Unlock()
			return false
		}
	case KeepLatest:
		clear(s.pending)
		s.pending = s.pending[:0]
	}
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Subscription[T]) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.pending = nil
			ending := s.ending
			s.mu.Unlock()
			if ending {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		msg := s.pending[0]
		var zero T
		s.pending[0] = zero
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.ch <- msg:
		case <-s.done:
			return
		}
	}
}

func (h *Hub[T]) Subscribe() *Subscription[T] {
	return h.subscribe(nil)
}

// SubscribeWithInitial subscribes and queues first ahead of any later publish.
func (h *Hub[T]) SubscribeWithInitial(first T) *Subscription[T] {
	return h.subscribe(&first)
}

func (h *Hub[T]) subscribe(first *T) *Subscription[T] {
	s := &Subscription[T]{
		hub:  h,
		ch:   make(chan T),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if first != nil {
		s.pending = append(s.pending, *first)
	}
	go s.pump()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.endLocked()
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish queues msg for every current subscriber and returns how many queued it. It never blocks
// on a subscriber.
func (h *Hub[T]) Publish(msg T) int {
	delivered := 0
	dropped := 0

	h.mu.RLock()
	for s := range h.subs {
		if s.enqueue(msg) {
			delivered++
		} else {
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		h.log.Debug("dropped message for full subscribers", "count", dropped)
	}
	return delivered
}

func (h *Hub[T]) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Later subscriptions are returned already ended.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		s.endLocked()
	}
}
