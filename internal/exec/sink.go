package exec

import (
	"context"
	"sync"
)

// defaultSinkCapacity is the bound of the event channel.
const defaultSinkCapacity = 100

// EventSink is a bounded single-consumer event channel shared by every
// executable in a request. It is closed exactly once, after the top-level
// executable finishes.
type EventSink struct {
	ch        chan Event
	closeOnce sync.Once

	mu        sync.Mutex
	observers []func(Event)
}

// NewEventSink creates a sink with the default capacity.
func NewEventSink() *EventSink {
	return NewEventSinkWithCapacity(defaultSinkCapacity)
}

// NewEventSinkWithCapacity creates a sink with an explicit channel bound.
func NewEventSinkWithCapacity(capacity int) *EventSink {
	if capacity <= 0 {
		capacity = defaultSinkCapacity
	}
	return &EventSink{ch: make(chan Event, capacity)}
}

// Events returns the receive side of the sink. There must be exactly one
// consumer.
func (s *EventSink) Events() <-chan Event {
	return s.ch
}

// Observe registers a callback invoked synchronously for every event before
// it is enqueued. Used by the fallback combinator to watch for success
// markers without consuming the stream.
func (s *EventSink) Observe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Emit enqueues an event, blocking if the channel is full. Returns the
// context error if the caller is cancelled while blocked.
func (s *EventSink) Emit(ctx context.Context, event Event) error {
	s.mu.Lock()
	observers := s.observers
	s.mu.Unlock()
	for _, fn := range observers {
		fn(event)
	}

	select {
	case s.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the sink. Safe to call more than once; only the first call
// has effect.
func (s *EventSink) Close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}
