package stream

import "sync"

// RingBuffer is a fixed-size circular buffer of recent events. It
// supports index-based resume by tracking the minimum retained index.
type RingBuffer struct {
	events   []Event
	head     int
	tail     int
	size     int
	capacity int
	minIndex uint64
	mu       sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = ReplayBufferSize
	}
	return &RingBuffer{
		events:   make([]Event, capacity),
		capacity: capacity,
	}
}

// Push adds an event, overwriting the oldest when full.
func (rb *RingBuffer) Push(event Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.events[rb.tail] = event
	rb.tail = (rb.tail + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
		if rb.size == 1 {
			rb.minIndex = event.Index
		}
	} else {
		rb.head = (rb.head + 1) % rb.capacity
		rb.minIndex = rb.events[rb.head].Index
	}
}

// EventsSince returns all events with indexes greater than the given
// index. Returns nil if the index has already been evicted; an empty
// slice if nothing newer exists. Index 0 means everything retained.
func (rb *RingBuffer) EventsSince(index uint64) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return []Event{}
	}

	if index > 0 && index < rb.minIndex {
		return nil
	}

	var result []Event
	for i := 0; i < rb.size; i++ {
		idx := (rb.head + i) % rb.capacity
		if rb.events[idx].Index > index {
			result = append(result, rb.events[idx])
		}
	}
	if result == nil {
		return []Event{}
	}
	return result
}

// Len returns the number of events in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// MinIndex returns the oldest retained index (0 when empty).
func (rb *RingBuffer) MinIndex() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.size == 0 {
		return 0
	}
	return rb.minIndex
}

// MaxIndex returns the newest retained index (0 when empty).
func (rb *RingBuffer) MaxIndex() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.size == 0 {
		return 0
	}
	lastIdx := (rb.tail - 1 + rb.capacity) % rb.capacity
	return rb.events[lastIdx].Index
}

// Clear removes all events from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = 0
	rb.tail = 0
	rb.size = 0
	rb.minIndex = 0
}
