// Package delivery is a single-producer single-consumer queue that carries
// streamed values from a generation worker to whoever is reading them.
//
// The producer holds a Sender and the consumer a Receiver. The channel is
// Open until the producer calls Close (finished) or Fail (error). The
// consumer may Detach at any time; the producer learns about it on its
// next Send.
package delivery

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrDetached is returned by Send once the receiver has gone away.
	ErrDetached = errors.New("delivery: consumer detached")
	// ErrClosed is returned by Send after Close or Fail.
	ErrClosed = errors.New("delivery: channel closed")
)

// State is the lifecycle state of a channel.
type State int

const (
	Open State = iota
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Kind tells the consumer what a polled Event carries.
type Kind int

const (
	// Data carries a value.
	Data Kind = iota
	// Empty means the channel is open but nothing is queued.
	Empty
	// Done means the producer finished and the queue is drained.
	Done
	// Error means the producer failed and the queue is drained.
	Error
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case Empty:
		return "empty"
	case Done:
		return "done"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one poll result.
type Event[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// Terminal reports whether no further events will follow.
func (e Event[T]) Terminal() bool { return e.Kind == Done || e.Kind == Error }

type channel[T any] struct {
	mu       sync.Mutex
	queue    []T
	capacity int
	state    State
	err      error
	detached bool

	readable chan struct{}
	writable chan struct{}
	gone     chan struct{}
}

// New returns both ends of a channel. capacity bounds the number of queued
// values; Send blocks while the queue is full. Zero means unbounded.
func New[T any](capacity int) (*Sender[T], *Receiver[T]) {
	ch := &channel[T]{
		capacity: capacity,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		gone:     make(chan struct{}),
	}
	return &Sender[T]{ch: ch}, &Receiver[T]{ch: ch}
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// Sender is the producer end.
type Sender[T any] struct {
	ch *channel[T]
}

// Send enqueues v. It fails with ErrDetached once the receiver detached and
// with ErrClosed after the channel reached a terminal state.
func (s *Sender[T]) Send(v T) error {
	ch := s.ch
	ch.mu.Lock()
	for {
		if ch.detached {
			ch.mu.Unlock()
			return ErrDetached
		}
		if ch.state != Open {
			ch.mu.Unlock()
			return ErrClosed
		}
		if ch.capacity <= 0 || len(ch.queue) < ch.capacity {
			break
		}
		ch.mu.Unlock()
		select {
		case <-ch.writable:
		case <-ch.gone:
		}
		ch.mu.Lock()
	}
	ch.queue = append(ch.queue, v)
	ch.mu.Unlock()
	signal(ch.readable)
	return nil
}

// Close marks the stream finished. Queued values stay readable.
func (s *Sender[T]) Close() error {
	return s.ch.terminate(Finished, nil)
}

// Fail marks the stream failed with err. Queued values stay readable and
// err is reported once they are drained.
func (s *Sender[T]) Fail(err error) error {
	if err == nil {
		err = errors.New("delivery: producer failed")
	}
	return s.ch.terminate(Failed, err)
}

// Detached reports whether the receiver has gone away.
func (s *Sender[T]) Detached() bool {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	return s.ch.detached
}

// Gone is closed when the receiver detaches.
func (s *Sender[T]) Gone() <-chan struct{} { return s.ch.gone }

func (ch *channel[T]) terminate(state State, err error) error {
	ch.mu.Lock()
	if ch.state != Open {
		ch.mu.Unlock()
		return ErrClosed
	}
	ch.state = state
	ch.err = err
	ch.mu.Unlock()
	signal(ch.readable)
	return nil
}

// Receiver is the consumer end.
type Receiver[T any] struct {
	ch   *channel[T]
	once sync.Once
}

// Poll returns the next event without blocking.
func (r *Receiver[T]) Poll() Event[T] {
	ch := r.ch
	ch.mu.Lock()
	if len(ch.queue) > 0 {
		v := ch.queue[0]
		var zero T
		ch.queue[0] = zero
		ch.queue = ch.queue[1:]
		more := len(ch.queue) > 0 || ch.state != Open
		ch.mu.Unlock()
		signal(ch.writable)
		if more {
			signal(ch.readable)
		}
		return Event[T]{Kind: Data, Value: v}
	}
	defer ch.mu.Unlock()
	switch ch.state {
	case Finished:
		return Event[T]{Kind: Done}
	case Failed:
		return Event[T]{Kind: Error, Err: ch.err}
	default:
		if ch.detached {
			return Event[T]{Kind: Error, Err: ErrDetached}
		}
		return Event[T]{Kind: Empty}
	}
}

// Next blocks until an event other than Empty is available or ctx is done.
func (r *Receiver[T]) Next(ctx context.Context) (Event[T], error) {
	for {
		ev := r.Poll()
		if ev.Kind != Empty {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return Event[T]{Kind: Empty}, ctx.Err()
		case <-r.ch.readable:
		}
	}
}

// State reports the producer side state.
func (r *Receiver[T]) State() State {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	return r.ch.state
}

// Detach drops queued values and tells the producer to stop. It is safe to
// call more than once.
func (r *Receiver[T]) Detach() {
	r.once.Do(func() {
		ch := r.ch
		ch.mu.Lock()
		ch.detached = true
		clear(ch.queue)
		ch.queue = nil
		ch.mu.Unlock()
		close(ch.gone)
	})
}
