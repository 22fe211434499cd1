// Package stream publishes the committed command stream to in-process
// consumers. It bridges the consensus commit path to a pub/sub broker
// with filtering, backpressure handling and index-based resume, and
// hosts the projection runtime that folds events into read models.
package stream

import (
	"time"
)

// Event is one committed, successfully applied command. The log index
// doubles as the resume token: indexes are dense over command entries
// in commit order, and a projection that remembers the last index it
// folded can resume from there.
type Event struct {
	// Index is the Raft log index the command committed at.
	Index uint64
	// Term is the term of the committed entry.
	Term uint64
	// Kind is the application command namespace.
	Kind uint8
	// AggregateID names the entity the command targeted.
	AggregateID string
	// RequestID is the originating client request ID.
	RequestID string
	// Payload is the opaque command payload.
	Payload []byte
	// Timestamp is the leader clock stamp assigned at append time.
	Timestamp time.Time
}

// Clone creates a copy of the event with its own payload slice.
func (e *Event) Clone() *Event {
	clone := &Event{
		Index:       e.Index,
		Term:        e.Term,
		Kind:        e.Kind,
		AggregateID: e.AggregateID,
		RequestID:   e.RequestID,
		Timestamp:   e.Timestamp,
	}
	if e.Payload != nil {
		clone.Payload = make([]byte, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	return clone
}
