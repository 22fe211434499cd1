package raft

// StateMachine is the replicated application state. Commands reach
// Apply in commit order, exactly once per log index, on every node.
// Apply must be deterministic: given the same command sequence, every
// replica must produce the same state and the same results.
type StateMachine interface {
	// Apply applies a committed command and returns its result. The
	// returned error is an application verdict (for example a lock
	// being held), not a replication failure; it is delivered to the
	// proposer but does not stop the apply loop.
	Apply(cmd *Command) (interface{}, error)

	// Snapshot returns a serialized copy of the full state.
	Snapshot() ([]byte, error)

	// Restore replaces the state from a snapshot.
	Restore(data []byte) error
}

// CommitListener observes entries after they have been applied to the
// state machine. Listeners run on the apply goroutine and must not
// block; slow consumers buffer on their own side.
type CommitListener interface {
	OnCommit(entry *LogEntry, cmd *Command, result interface{}, applyErr error)
}

// ProposeResult carries the outcome of a committed proposal back to
// the proposer.
type ProposeResult struct {
	Index uint64      // Log index the command committed at
	Term  uint64      // Term of the committed entry
	Value interface{} // Result returned by StateMachine.Apply
}
