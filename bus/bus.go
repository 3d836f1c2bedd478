// Package bus is the in-process transport between the engine, the MIDI
// router and the UI surfaces.
//
// A Bus is an unbounded multi-producer multi-consumer queue. Send never
// blocks and TryReceive never blocks, so both are safe to call from a
// real-time audio callback or a MIDI driver callback. Receive blocks and is
// meant for goroutines that are allowed to sleep.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Send once the receiving side closed the bus, and
// by Receive once the bus is closed and drained.
var ErrClosed = errors.New("bus: closed")

// Sender is the producing half of a bus. Handles are freely copied.
type Sender[T any] interface {
	Send(v T) error
}

// Receiver is the consuming half of a bus.
type Receiver[T any] interface {
	TryReceive() (T, bool)
	Receive(ctx context.Context) (T, error)
}

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Bus is a lock-free linked queue (Michael and Scott) with a wake-up
// channel for blocking receivers.
type Bus[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	length atomic.Int64
	closed atomic.Bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New[T any]() *Bus[T] {
	b := &Bus[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	stub := &node[T]{}
	b.head.Store(stub)
	b.tail.Store(stub)
	return b
}

// Send enqueues v. It fails only after Close.
func (b *Bus[T]) Send(v T) error {
	if b.closed.Load() {
		return ErrClosed
	}
	n := &node[T]{value: v}
	for {
		tail := b.tail.Load()
		next := tail.next.Load()
		if tail != b.tail.Load() {
			continue
		}
		if next != nil {
			b.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			b.tail.CompareAndSwap(tail, n)
			break
		}
	}
	b.length.Add(1)
	b.wake()
	return nil
}

// TryReceive dequeues the oldest value if one is ready.
func (b *Bus[T]) TryReceive() (T, bool) {
	for {
		head := b.head.Load()
		tail := b.tail.Load()
		next := head.next.Load()
		if head != b.head.Load() {
			continue
		}
		if next == nil {
			var zero T
			return zero, false
		}
		if head == tail {
			b.tail.CompareAndSwap(tail, next)
			continue
		}
		v := next.value
		if b.head.CompareAndSwap(head, next) {
			b.length.Add(-1)
			return v, true
		}
	}
}

// Receive blocks until a value is ready, the bus is closed and drained, or
// ctx is done.
func (b *Bus[T]) Receive(ctx context.Context) (T, error) {
	for {
		if v, ok := b.TryReceive(); ok {
			if b.length.Load() > 0 {
				b.wake()
			}
			return v, nil
		}
		select {
		case <-b.notify:
		case <-b.done:
			if v, ok := b.TryReceive(); ok {
				return v, nil
			}
			var zero T
			return zero, ErrClosed
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Close marks the bus closed. Pending values stay receivable.
func (b *Bus[T]) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)
	})
}

func (b *Bus[T]) Closed() bool { return b.closed.Load() }

// Len is the number of queued values. It is approximate under concurrency.
func (b *Bus[T]) Len() int {
	n := b.length.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

func (b *Bus[T]) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
