package stream

import (
	"sync/atomic"
	"time"
)

// SubscriberID is a unique identifier for a subscriber.
type SubscriberID uint64

// Subscriber represents an event stream subscription.
type Subscriber struct {
	// ID is the unique identifier for this subscriber.
	ID SubscriberID
	// Filter determines which events this subscriber receives.
	Filter WatchFilter
	// Channel receives matching events.
	Channel chan Event
	// Created is when the subscription was created.
	Created time.Time

	dropped atomic.Uint64
	closed  atomic.Bool
}

// NewSubscriber creates a new subscriber with the given filter and
// buffer size.
func NewSubscriber(id SubscriberID, filter WatchFilter, bufferSize int) *Subscriber {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Subscriber{
		ID:      id,
		Filter:  filter,
		Channel: make(chan Event, bufferSize),
		Created: time.Now(),
	}
}

// Send attempts to deliver an event. Returns false when the channel is
// full; the event is dropped and the subscriber resumes via the replay
// buffer using the gap in indexes.
func (s *Subscriber) Send(event Event) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.Channel <- event:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Close closes the subscriber's channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.Channel)
	}
}

// IsClosed returns true if the subscriber has been closed.
func (s *Subscriber) IsClosed() bool {
	return s.closed.Load()
}

// DroppedCount returns the number of events dropped due to
// backpressure.
func (s *Subscriber) DroppedCount() uint64 {
	return s.dropped.Load()
}

// ResetDropped resets the dropped counter and returns the previous
// value.
func (s *Subscriber) ResetDropped() uint64 {
	return s.dropped.Swap(0)
}
