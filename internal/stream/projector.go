package stream

import (
	"sync"
	"sync/atomic"
)

// FoldFunc folds one event into a projection state. It must be pure:
// no clocks, no randomness, no external reads. Folding the same event
// sequence into the same starting state must yield the same bytes on
// every node, which is what makes projection checkpoints portable.
type FoldFunc func(state []byte, event *Event) []byte

// Projector maintains a read model by folding the committed event
// stream. It tracks the index of the last event it folded; a
// checkpoint of (index, state) is sufficient to resume, replaying the
// tail from the broker's retained buffer.
type Projector struct {
	name   string
	broker *Broker
	filter WatchFilter
	fold   FoldFunc

	mu        sync.RWMutex
	state     []byte
	lastIndex uint64

	sub     *Subscriber
	stopCh  chan struct{}
	doneCh  chan struct{}
	running atomic.Bool
}

// NewProjector creates a projector over the broker's event stream.
func NewProjector(name string, broker *Broker, filter WatchFilter, fold FoldFunc) *Projector {
	return &Projector{
		name:   name,
		broker: broker,
		filter: filter,
		fold:   fold,
	}
}

// Name returns the projector's name.
func (p *Projector) Name() string {
	return p.name
}

// Restore loads a checkpoint taken by Checkpoint. Must be called
// before Start.
func (p *Projector) Restore(index uint64, state []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastIndex = index
	p.state = append([]byte(nil), state...)
}

// Checkpoint returns the last folded index and a copy of the state.
func (p *Projector) Checkpoint() (uint64, []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastIndex, append([]byte(nil), p.state...)
}

// State returns a copy of the current projection state.
func (p *Projector) State() []byte {
	_, state := p.Checkpoint()
	return state
}

// LastIndex returns the index of the last folded event.
func (p *Projector) LastIndex() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastIndex
}

// Start subscribes from the last folded index and begins folding.
// Returns ErrIndexTooOld when the replay buffer no longer reaches the
// checkpoint; the caller must restore a newer checkpoint first.
func (p *Projector) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}

	sub, err := p.broker.SubscribeFrom(p.filter, p.LastIndex())
	if err != nil {
		p.running.Store(false)
		return err
	}

	p.sub = sub
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.run()
	return nil
}

// Stop stops the projector and waits for the fold loop to exit.
func (p *Projector) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.broker.Unsubscribe(p.sub.ID)
	<-p.doneCh
}

func (p *Projector) run() {
	defer close(p.doneCh)

	for {
		// Backpressure drops leave a gap; resubscribe from the last
		// folded index to replay what was missed.
		if p.sub.ResetDropped() > 0 {
			p.resubscribe()
		}

		select {
		case <-p.stopCh:
			return
		case event, ok := <-p.sub.Channel:
			if !ok {
				if p.running.Load() {
					p.resubscribe()
					continue
				}
				return
			}
			p.apply(&event)
		}
	}
}

func (p *Projector) resubscribe() {
	p.broker.Unsubscribe(p.sub.ID)
	sub, err := p.broker.SubscribeFrom(p.filter, p.LastIndex())
	if err != nil {
		// Buffer moved past the checkpoint; nothing recoverable from
		// inside the loop. Keep the old (closed) subscriber so the run
		// loop exits on its closed channel.
		return
	}
	p.sub = sub
}

func (p *Projector) apply(event *Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Replay overlap after a resubscribe
	if event.Index <= p.lastIndex {
		return
	}

	p.state = p.fold(p.state, event)
	p.lastIndex = event.Index
}
