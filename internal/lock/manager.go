package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/divan/internal/raft"
	"github.com/KilimcininKorOglu/divan/internal/stream"
)

// Proposer is the consensus surface the manager needs. *raft.Cluster
// satisfies it.
type Proposer interface {
	Propose(ctx context.Context, cmd *raft.Command) (*raft.ProposeResult, error)
	IsLeader() bool
}

// Lock is a client-side handle to a held lock. The Token must
// accompany every downstream operation guarded by the lock.
type Lock struct {
	Resource  string
	Owner     string
	Token     uint64
	ExpiresAt int64 // Leader clock, unix nanos (0 = no expiry)
}

// Manager is the client-facing lock API on one node. Mutations ride
// the replicated log through the Proposer; blocking acquires park on
// the commit stream and wake when their resource changes hands.
type Manager struct {
	proposer Proposer
	table    *Table
	broker   *stream.Broker
	logger   raft.Logger

	maxRetries   int
	reapInterval time.Duration

	reaperStop chan struct{}
	reaperDone chan struct{}
	reaping    atomic.Bool
}

// NewManager creates a lock manager.
func NewManager(proposer Proposer, table *Table, broker *stream.Broker) *Manager {
	return &Manager{
		proposer:     proposer,
		table:        table,
		broker:       broker,
		logger:       noopLogger{},
		maxRetries:   3,
		reapInterval: time.Second,
	}
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...interface{}) {}
func (noopLogger) Info(msg string, args ...interface{})  {}
func (noopLogger) Warn(msg string, args ...interface{})  {}
func (noopLogger) Error(msg string, args ...interface{}) {}

// SetLogger sets the manager's logger.
func (m *Manager) SetLogger(logger raft.Logger) {
	m.logger = logger
}

// SetReapInterval sets how often the reaper scans for expired leases.
func (m *Manager) SetReapInterval(d time.Duration) {
	m.reapInterval = d
}

// Table returns the underlying lock table for local reads.
func (m *Manager) Table() *Table {
	return m.table
}

// TryAcquire attempts to take the lock without waiting. Returns
// ErrResourceHeld when another owner holds it.
func (m *Manager) TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, error) {
	cmd := newCommand(KindAcquire, uuid.NewString(), resource, &payload{
		Owner: owner,
		TTL:   int64(ttl),
	})

	res, err := m.proposeRetry(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return lockFromResult(res.Value)
}

// Acquire takes the lock, waiting in the replicated FIFO queue if it
// is held. Waiting is bounded by ctx; an abandoned waiter's eventual
// grant simply expires by its TTL and is reclaimed by the reaper.
func (m *Manager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, error) {
	// Subscribe before proposing so the hand-off event cannot slip
	// between the queue decision and the watch.
	sub := m.broker.Subscribe(stream.MatchAggregate(AggregatePrefix + resource))
	if sub == nil {
		return nil, stream.ErrBrokerClosed
	}
	defer m.broker.Unsubscribe(sub.ID)

	cmd := newCommand(KindAcquire, uuid.NewString(), resource, &payload{
		Owner: owner,
		TTL:   int64(ttl),
		Wait:  true,
	})

	res, err := m.proposeRetry(ctx, cmd)
	if err != nil {
		return nil, err
	}

	switch v := res.Value.(type) {
	case *Grant:
		return lockFromGrant(v), nil
	case *Queued:
		m.logger.Debug("queued for lock", "resource", resource, "owner", owner, "position", v.Position)
		return m.awaitGrant(ctx, sub, resource, owner)
	default:
		return nil, ErrCorrupted
	}
}

// awaitGrant waits for the replicated queue to hand the lock to owner.
// Every change of hands for the resource produces an event on sub; the
// local table reflects the change by the time the event is delivered.
func (m *Manager) awaitGrant(ctx context.Context, sub *stream.Subscriber, resource, owner string) (*Lock, error) {
	for {
		if rec, ok := m.table.Get(resource); ok && rec.Owner == owner {
			return lockFromGrant(rec), nil
		}

		select {
		case <-ctx.Done():
			return nil, ErrAcquireAborted
		case _, ok := <-sub.Channel:
			if !ok {
				return nil, ErrAcquireAborted
			}
		}
	}
}

// Release gives up a held lock. The fencing token must match the
// current grant; a stale handle gets ErrTokenMismatch.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	cmd := newCommand(KindRelease, uuid.NewString(), l.Resource, &payload{
		Owner: l.Owner,
		Token: l.Token,
	})

	_, err := m.proposeRetry(ctx, cmd)
	return err
}

// Renew extends a held lease and returns the updated handle. The
// fencing token is unchanged: renewal does not reassign the lock.
func (m *Manager) Renew(ctx context.Context, l *Lock, ttl time.Duration) (*Lock, error) {
	cmd := newCommand(KindRenew, uuid.NewString(), l.Resource, &payload{
		Owner: l.Owner,
		Token: l.Token,
		TTL:   int64(ttl),
	})

	res, err := m.proposeRetry(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return lockFromResult(res.Value)
}

// proposeRetry proposes a command, retrying on timeout with the same
// request ID so a commit that raced the deadline is not duplicated.
func (m *Manager) proposeRetry(ctx context.Context, cmd *raft.Command) (*raft.ProposeResult, error) {
	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		res, err := m.proposer.Propose(ctx, cmd)
		if err == nil || !errors.Is(err, raft.ErrTimeout) {
			return res, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		m.logger.Warn("proposal timed out, retrying", "requestId", cmd.RequestID, "attempt", attempt+1)
	}
	return nil, lastErr
}

func lockFromResult(v interface{}) (*Lock, error) {
	grant, ok := v.(*Grant)
	if !ok {
		return nil, ErrCorrupted
	}
	return lockFromGrant(grant), nil
}

func lockFromGrant(g *Grant) *Lock {
	return &Lock{
		Resource:  g.Resource,
		Owner:     g.Owner,
		Token:     g.Token,
		ExpiresAt: g.ExpiresAt,
	}
}

// StartReaper starts the expiry reaper. Each tick, if this node is
// the leader, expired leases are reclaimed by proposing reap commands
// through the log, so reclaims replicate like any other mutation.
func (m *Manager) StartReaper() {
	if !m.reaping.CompareAndSwap(false, true) {
		return
	}
	m.reaperStop = make(chan struct{})
	m.reaperDone = make(chan struct{})
	go m.reapLoop()
}

// StopReaper stops the expiry reaper.
func (m *Manager) StopReaper() {
	if !m.reaping.CompareAndSwap(true, false) {
		return
	}
	close(m.reaperStop)
	<-m.reaperDone
}

func (m *Manager) reapLoop() {
	defer close(m.reaperDone)

	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.reaperStop:
			return
		case <-ticker.C:
			if !m.proposer.IsLeader() {
				continue
			}
			m.reapExpired()
		}
	}
}

func (m *Manager) reapExpired() {
	expired := m.table.Expired(time.Now().UnixNano())
	for _, resource := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		cmd := newCommand(KindReap, uuid.NewString(), resource, &payload{})
		_, err := m.proposer.Propose(ctx, cmd)
		cancel()
		if err != nil && !errors.Is(err, ErrNotExpired) {
			m.logger.Warn("reap failed", "resource", resource, "error", err)
			continue
		}
		m.logger.Info("reaped expired lease", "resource", resource)
	}
}
