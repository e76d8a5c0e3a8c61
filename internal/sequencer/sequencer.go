// Package sequencer provides an ordered, single-flight processing queue.
//
// Every item put on a Sequencer is handed to one step function, one at a
// time, in submission order. Each step receives the previous step's result
// so a stage can carry state (an accumulator) from item to item without
// locks. Put never blocks; the queue is unbounded and its depth is exposed
// through Len so callers can export it as a backlog gauge.
//
//	seq := sequencer.New(step, initial)
//	seq.Put(a)
//	seq.Put(b)
//	<-seq.End() // a and b have been processed
package sequencer

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Put once End has been called.
var ErrClosed = errors.New("sequencer closed")

// Step processes item given the result of the previous step and returns the
// result handed to the next one.
type Step[T, R any] func(item T, prev R) R

// Sequencer runs Step over queued items on a dedicated worker goroutine.
type Sequencer[T, R any] struct {
	step Step[T, R]

	mu     sync.Mutex
	queue  []T
	closed bool
	last   R

	wake chan struct{} // cap 1; coalesces wakeups
	done chan struct{} // closed after the worker drained a closed queue
}

// New starts a Sequencer whose first step sees initial as its previous result.
func New[T, R any](step Step[T, R], initial R) *Sequencer[T, R] {
	s := &Sequencer[T, R]{
		step: step,
		last: initial,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Put enqueues item behind everything queued before it. It never blocks.
// Put may be called from within a step.
func (s *Sequencer[T, R]) Put(item T) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, item)
	s.mu.Unlock()

	s.notify()
	return nil
}

// End stops accepting items and returns a channel that is closed once every
// queued and in-flight step has finished. Calling End more than once returns
// the same channel.
func (s *Sequencer[T, R]) End() <-chan struct{} {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.notify()
	return s.done
}

// Done is closed once the Sequencer has ended and drained.
func (s *Sequencer[T, R]) Done() <-chan struct{} { return s.done }

// Len returns the number of items waiting to be processed (excluding the one
// in flight).
func (s *Sequencer[T, R]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Closed reports whether End has been called.
func (s *Sequencer[T, R]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Result returns the last step's result. It is only meaningful after Done.
func (s *Sequencer[T, R]) Result() R {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sequencer[T, R]) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sequencer[T, R]) run() {
	defer close(s.done)

	prev := s.last
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.last = prev
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		item := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		if len(s.queue) == 0 {
			s.queue = nil // release the backing array after a burst
		}
		s.mu.Unlock()

		prev = s.step(item, prev)
	}
}
