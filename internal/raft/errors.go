package raft

import "errors"

// Raft errors.
var (
	// ErrNotLeader is returned when a proposal is made to a non-leader
	// node. Callers read LeaderID/LeaderAddr for the redirect hint.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrLeaderUnknown is returned when no leader is currently known.
	ErrLeaderUnknown = errors.New("raft: leader unknown")

	// ErrTimeout is returned when a proposal was not committed within
	// the caller's deadline. The outcome is unknown: the entry may
	// still commit, so retries must reuse the same request ID.
	ErrTimeout = errors.New("raft: proposal timed out")

	// ErrNodeStopped is returned when an operation is attempted on a
	// stopped node.
	ErrNodeStopped = errors.New("raft: node stopped")

	// ErrLogCorrupted is returned when persisted or wire data fails to
	// decode.
	ErrLogCorrupted = errors.New("raft: log corrupted")

	// ErrLogIndexOutOfRange is returned when accessing an invalid log
	// index.
	ErrLogIndexOutOfRange = errors.New("raft: log index out of range")

	// ErrCompacted is returned when requested entries have been
	// discarded by log compaction.
	ErrCompacted = errors.New("raft: log entries compacted")

	// ErrSnapshotFailed is returned when snapshot creation fails.
	ErrSnapshotFailed = errors.New("raft: snapshot failed")

	// ErrTransportClosed is returned when the transport is closed.
	ErrTransportClosed = errors.New("raft: transport closed")

	// ErrConnectFailed is returned when connection to a peer fails.
	ErrConnectFailed = errors.New("raft: connection failed")

	// ErrInvalidConfig is returned when the node configuration is
	// invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")
)
