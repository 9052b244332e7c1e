// ABOUTME: Bounded fan-out broadcast with per-receiver cursors over a shared ring buffer
// ABOUTME: Publish never blocks; receivers that fall behind get an explicit lag count

package bus

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is the ring size used when a non-positive capacity is requested.
const DefaultCapacity = 1024

// ErrClosed is returned by Recv once the broadcast is closed and drained.
var ErrClosed = errors.New("broadcast closed")

// Delivery is one item handed to a receiver. When Lagged is non-zero the
// receiver missed that many values and Value is the zero value.
type Delivery[T any] struct {
	Value  T
	Lagged uint64
}

// Broadcast delivers every published value to every receiver subscribed at
// the time of publishing. Values are retained in a ring of fixed capacity.
type Broadcast[T any] struct {
	mu        sync.Mutex
	ring      []T
	head      uint64 // sequence number of the next value to publish
	closed    bool
	wake      chan struct{}
	receivers int
}

// New creates a Broadcast retaining up to capacity values.
func New[T any](capacity int) *Broadcast[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broadcast[T]{
		ring: make([]T, capacity),
		wake: make(chan struct{}),
	}
}

// Publish appends v and wakes waiting receivers. Publishing with no
// receivers, or after Close, is a silent no-op. It returns the number of
// receivers subscribed at the time.
func (b *Broadcast[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}
	b.ring[b.head%uint64(len(b.ring))] = v
	b.head++
	close(b.wake)
	b.wake = make(chan struct{})
	return b.receivers
}

// Close stops the broadcast. Receivers drain what they have not yet seen and
// then observe the end of their channel.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}

// Closed reports whether Close has been called.
func (b *Broadcast[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// ReceiverCount returns the number of open receivers.
func (b *Broadcast[T]) ReceiverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receivers
}

// Subscribe returns a receiver that sees values published from now on.
func (b *Broadcast[T]) Subscribe() *Receiver[T] {
	b.mu.Lock()
	r := &Receiver[T]{
		b:    b,
		next: b.head,
		out:  make(chan Delivery[T]),
		done: make(chan struct{}),
	}
	if !b.closed {
		b.receivers++
		r.counted = true
	}
	b.mu.Unlock()

	go r.pump()
	return r
}

// take returns the next delivery for cursor next, or a wake channel to wait on.
// ok is false once the broadcast is closed and the cursor has caught up.
func (b *Broadcast[T]) take(next uint64) (d Delivery[T], newNext uint64, wait <-chan struct{}, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := uint64(len(b.ring))
	if next < b.head {
		if b.head-next > size {
			oldest := b.head - size
			return Delivery[T]{Lagged: oldest - next}, oldest, nil, true
		}
		return Delivery[T]{Value: b.ring[next%size]}, next + 1, nil, true
	}
	if b.closed {
		return d, next, nil, false
	}
	return d, next, b.wake, true
}

func (b *Broadcast[T]) release() {
	b.mu.Lock()
	b.receivers--
	b.mu.Unlock()
}

// Receiver is one subscriber's view of a Broadcast.
type Receiver[T any] struct {
	b       *Broadcast[T]
	next    uint64
	out     chan Delivery[T]
	done    chan struct{}
	once    sync.Once
	counted bool
}

// C returns the delivery channel. It is closed after the broadcast closes and
// every retained value has been delivered, or after the receiver is closed.
func (r *Receiver[T]) C() <-chan Delivery[T] {
	return r.out
}

// Recv blocks for the next delivery.
func (r *Receiver[T]) Recv(ctx context.Context) (Delivery[T], error) {
	select {
	case d, ok := <-r.out:
		if !ok {
			return Delivery[T]{}, ErrClosed
		}
		return d, nil
	case <-ctx.Done():
		return Delivery[T]{}, ctx.Err()
	}
}

// Close detaches the receiver. Safe to call more than once.
func (r *Receiver[T]) Close() {
	r.once.Do(func() {
		close(r.done)
		if r.counted {
			r.b.release()
		}
	})
}

// pump moves values from the ring to out. The cursor only advances when the
// consumer accepts a delivery, so a stalled consumer is detected as lag on
// its next read rather than slowing the publisher.
func (r *Receiver[T]) pump() {
	defer close(r.out)
	for {
		d, next, wait, ok := r.b.take(r.next)
		if !ok {
			return
		}
		if wait != nil {
			select {
			case <-wait:
				continue
			case <-r.done:
				return
			}
		}
		select {
		case r.out <- d:
			r.next = next
		case <-r.done:
			return
		}
	}
}
