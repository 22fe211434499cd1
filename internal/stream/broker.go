package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KilimcininKorOglu/divan/internal/raft"
)

// Buffer size constants.
const (
	DefaultBufferSize = 256
	ReplayBufferSize  = 4096
)

// Errors.
var (
	ErrIndexTooOld   = errors.New("stream: resume index too old")
	ErrBrokerClosed  = errors.New("stream: broker is closed")
	ErrSubscriberNil = errors.New("stream: subscriber is nil")
)

// Broker manages event subscriptions and publishing. It implements
// raft.CommitListener: plug it into the cluster before Start and every
// successfully applied command fans out to matching subscribers.
type Broker struct {
	subscribers     sync.Map // map[SubscriberID]*Subscriber
	nextID          atomic.Uint64
	subscriberCount atomic.Int64
	replayBuffer    *RingBuffer
	lastIndex       atomic.Uint64
	closed          atomic.Bool
	subscriberBuf   int

	// pubMu orders Publish against SubscribeFrom so a resuming
	// subscriber never misses an event published between its replay
	// snapshot and its registration, and never sees live events ahead
	// of replayed ones.
	pubMu sync.Mutex
}

// NewBroker creates a new commit stream broker.
func NewBroker() *Broker {
	return NewBrokerWithCapacity(ReplayBufferSize)
}

// NewBrokerWithCapacity creates a broker whose replay buffer retains
// the given number of events.
func NewBrokerWithCapacity(replayCapacity int) *Broker {
	return &Broker{
		replayBuffer: NewRingBuffer(replayCapacity),
	}
}

// SetSubscriberBuffer sets the channel capacity handed to new
// subscribers. Existing subscriptions are unchanged.
func (b *Broker) SetSubscriberBuffer(n int) {
	b.subscriberBuf = n
}

// OnCommit converts an applied entry into an event and publishes it.
// Noop entries and failed applies carry no state change and are
// skipped, which keeps projections deterministic: folding only
// successful events reproduces exactly the state machine's history.
func (b *Broker) OnCommit(entry *raft.LogEntry, cmd *raft.Command, result interface{}, applyErr error) {
	if entry.Type != raft.EntryCommand || cmd == nil || applyErr != nil {
		return
	}

	b.Publish(Event{
		Index:       entry.Index,
		Term:        entry.Term,
		Kind:        cmd.Kind,
		AggregateID: cmd.Aggregate,
		RequestID:   cmd.RequestID,
		Payload:     cmd.Data,
		Timestamp:   time.Unix(0, cmd.Stamp),
	})
}

// Subscribe creates a new subscription with the given filter.
// Returns a Subscriber that receives matching events on its Channel.
func (b *Broker) Subscribe(filter WatchFilter) *Subscriber {
	if b.closed.Load() {
		return nil
	}

	bufSize := b.subscriberBuf
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	id := SubscriberID(b.nextID.Add(1))
	sub := NewSubscriber(id, filter, bufSize)
	b.subscribers.Store(id, sub)
	b.subscriberCount.Add(1)
	return sub
}

// SubscribeFrom creates a subscription and replays retained events
// with indexes greater than resumeIndex before live delivery begins.
// Returns ErrIndexTooOld if the replay buffer no longer reaches back
// that far; the caller must rebuild from a projection snapshot.
func (b *Broker) SubscribeFrom(filter WatchFilter, resumeIndex uint64) (*Subscriber, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	events := b.replayBuffer.EventsSince(resumeIndex)
	if events == nil {
		return nil, ErrIndexTooOld
	}

	sub := b.Subscribe(filter)
	if sub == nil {
		return nil, ErrBrokerClosed
	}

	for _, event := range events {
		if filter.Matches(&event) {
			sub.Send(event)
		}
	}

	return sub, nil
}

// Unsubscribe removes a subscription by ID.
func (b *Broker) Unsubscribe(id SubscriberID) {
	if val, ok := b.subscribers.LoadAndDelete(id); ok {
		sub := val.(*Subscriber)
		sub.Close()
		b.subscriberCount.Add(-1)
	}
}

// Publish retains an event for replay and fans it out to matching
// subscribers. Events must arrive in index order; the commit path
// guarantees this.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.lastIndex.Store(event.Index)
	b.replayBuffer.Push(event)

	if b.subscriberCount.Load() == 0 {
		return
	}

	b.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.Filter.Matches(&event) {
			sub.Send(event)
		}
		return true
	})
}

// HasSubscribers returns true if there are active subscribers.
func (b *Broker) HasSubscribers() bool {
	return b.subscriberCount.Load() > 0
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int64 {
	return b.subscriberCount.Load()
}

// LastIndex returns the index of the last published event.
func (b *Broker) LastIndex() uint64 {
	return b.lastIndex.Load()
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	return BrokerStats{
		SubscriberCount: b.subscriberCount.Load(),
		LastIndex:       b.lastIndex.Load(),
		ReplayBufferLen: b.replayBuffer.Len(),
		MinReplayIndex:  b.replayBuffer.MinIndex(),
	}
}

// Close closes the broker and all subscribers.
func (b *Broker) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.subscriberCount.Store(0)
}

// IsClosed returns true if the broker has been closed.
func (b *Broker) IsClosed() bool {
	return b.closed.Load()
}

// BrokerStats contains broker statistics.
type BrokerStats struct {
	SubscriberCount int64
	LastIndex       uint64
	ReplayBufferLen int
	MinReplayIndex  uint64
}
