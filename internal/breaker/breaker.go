package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting it.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State is the breaker state.
type State int

const (
	// StateClosed admits all calls and counts failures.
	StateClosed State = iota
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits probe calls to test recovery.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of failures inside the rolling
	// window that trips the breaker open.
	FailureThreshold uint64
	// SuccessThreshold is the number of consecutive successes in
	// half-open state required to close the breaker.
	SuccessThreshold uint64
	// Cooldown is how long the breaker stays open before admitting
	// probe calls.
	Cooldown time.Duration
	// Window is the rolling duration over which failures are counted.
	Window time.Duration
	// Buckets is the number of slices the window is split into.
	Buckets int
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		Window:           60 * time.Second,
		Buckets:          10,
	}
}

// Breaker is a circuit breaker for one named dependency.
// All operations are safe for concurrent use and never block.
type Breaker struct {
	mu   sync.Mutex
	name string
	cfg  Config

	state            State
	window           *window
	openedAt         time.Time
	halfOpenSuccess  uint64
	lastTransitionAt time.Time
}

// New creates a breaker with the given name and config. Zero-valued
// config fields fall back to DefaultConfig.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = def.Buckets
	}

	return &Breaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		window: newWindow(cfg.Window, cfg.Buckets),
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, applying any pending open-to-half-open
// transition first.
func (b *Breaker) State() State {
	return b.StateAt(time.Now())
}

// StateAt returns the state at a specific time.
func (b *Breaker) StateAt(now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked(now)
	return b.state
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	return b.AllowAt(time.Now())
}

// AllowAt reports whether a call may proceed at a specific time.
// This is useful for testing.
func (b *Breaker) AllowAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked(now)
	return b.state != StateOpen
}

// maybeHalfOpenLocked moves an open breaker to half-open once the
// cooldown has elapsed. Must be called with the lock held.
func (b *Breaker) maybeHalfOpenLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transitionLocked(StateHalfOpen, now)
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.RecordSuccessAt(time.Now())
}

// RecordSuccessAt records a successful call at a specific time.
func (b *Breaker) RecordSuccessAt(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked(now)

	switch b.state {
	case StateClosed:
		b.window.recordSuccess(now)
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed, now)
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.RecordFailureAt(time.Now())
}

// RecordFailureAt records a failed call at a specific time.
func (b *Breaker) RecordFailureAt(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked(now)

	switch b.state {
	case StateClosed:
		b.window.recordFailure(now)
		failures, _ := b.window.counts(now)
		if failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		// A single probe failure reopens the breaker.
		b.transitionLocked(StateOpen, now)
	}
}

// transitionLocked changes state and resets per-state counters.
// Must be called with the lock held.
func (b *Breaker) transitionLocked(to State, now time.Time) {
	b.state = to
	b.lastTransitionAt = now

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateHalfOpen:
		b.halfOpenSuccess = 0
	case StateClosed:
		b.window.reset()
		b.halfOpenSuccess = 0
	}
}

// Do runs fn through the breaker, returning ErrCircuitOpen without
// calling it when the breaker is open. fn's error is recorded as a
// failure and returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	return b.DoAt(time.Now(), fn)
}

// DoAt runs fn through the breaker at a specific time.
func (b *Breaker) DoAt(now time.Time, fn func() error) error {
	if !b.AllowAt(now) {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		b.RecordFailureAt(now)
		return err
	}
	b.RecordSuccessAt(now)
	return nil
}

// Counts returns the failure and success counts inside the current
// rolling window.
func (b *Breaker) Counts() (failures, successes uint64) {
	return b.CountsAt(time.Now())
}

// CountsAt returns the window counts at a specific time.
func (b *Breaker) CountsAt(now time.Time) (failures, successes uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.window.counts(now)
}

// LastTransition returns when the breaker last changed state.
// Returns zero time if it has never left the closed state.
func (b *Breaker) LastTransition() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastTransitionAt
}

// Reset forces the breaker closed and clears all counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.window.reset()
	b.halfOpenSuccess = 0
	b.openedAt = time.Time{}
	b.lastTransitionAt = time.Time{}
}
