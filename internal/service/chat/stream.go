package chat

import (
	"context"
	"iter"
	"sync"
)

// Stream is a from-now sequence of values handed off by a producer that never blocks on the
// consumer: values queue in memory until Next drains them. A Stream ends when the consumer
// calls Close or the producing session shuts down; queued values are still returned first
// in the latter case.
type Stream[T any] struct {
	mu     sync.Mutex
	queue  []T
	ended  bool
	notify chan struct{}

	detach func(*Stream[T])
	once   sync.Once
}

func newStream[T any](detach func(*Stream[T])) *Stream[T] {
	return &Stream[T]{
		notify: make(chan struct{}, 1),
		detach: detach,
	}
}

func (s *Stream[T]) push(v T) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.wake()
}

func (s *Stream[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// end stops accepting values; pending ones stay readable.
func (s *Stream[T]) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.wake()
}

// Next blocks until a value is available, the stream ends or ctx is done.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return v, nil
		}
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return zero, ErrStreamClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.notify:
		}
	}
}

// All ranges over the stream until it ends or ctx is done.
func (s *Stream[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := s.Next(ctx)
			if err != nil || !yield(v) {
				return
			}
		}
	}
}

// Pending returns the number of queued values.
func (s *Stream[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the stream from its producer and discards queued values.
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach(s)
		}
		s.mu.Lock()
		s.ended = true
		s.queue = nil
		s.mu.Unlock()
		s.wake()
	})
}

// fanout delivers every published value to all attached streams.
type fanout[T any] struct {
	mu     sync.Mutex
	subs   map[*Stream[T]]struct{}
	closed bool

	// idle runs, without f.mu held, when the last stream detaches from an open fanout.
	idle func()
}

func newFanout[T any]() *fanout[T] {
	return &fanout[T]{subs: make(map[*Stream[T]]struct{})}
}

// subscribe attaches a new stream; seed values are queued ahead of anything published later.
func (f *fanout[T]) subscribe(seed ...T) *Stream[T] {
	s := newStream(f.remove)
	for _, v := range seed {
		s.push(v)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		s.end()
		return s
	}
	f.subs[s] = struct{}{}
	return s
}

func (f *fanout[T]) remove(s *Stream[T]) {
	f.mu.Lock()
	delete(f.subs, s)
	empty := len(f.subs) == 0 && !f.closed
	f.mu.Unlock()

	if empty && f.idle != nil {
		f.idle()
	}
}

func (f *fanout[T]) publish(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		s.push(v)
	}
	return len(f.subs)
}

func (f *fanout[T]) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fanout[T]) close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[*Stream[T]]struct{})
	f.closed = true
	f.mu.Unlock()

	for s := range subs {
		s.end()
	}
}
