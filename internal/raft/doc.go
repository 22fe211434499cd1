// Package raft implements the Raft consensus algorithm that powers the
// divan coordination core.
//
// A cluster of nodes agrees on an ordered, replicated log of opaque
// commands. One node is elected leader; the leader accepts proposals,
// replicates them to followers, and commits an entry once a majority
// has acknowledged it and the entry belongs to the leader's current
// term. Committed entries are applied, in log order, to a pluggable
// StateMachine.
//
// # Overview
//
// The package provides:
//   - Leader election with randomized timeouts and the formal
//     log-comparison vote rule
//   - Log replication with conflict backtracking
//   - Durable per-node state (term, vote, log, snapshots)
//   - Snapshotting with log compaction and InstallSnapshot catch-up
//   - A Transport interface with TCP and in-memory implementations
//
// # Usage
//
//	cfg := &raft.NodeConfig{
//	    ID:               1,
//	    Addr:             "localhost:7401",
//	    Peers:            peers,
//	    ElectionTimeout:  150 * time.Millisecond,
//	    HeartbeatTimeout: 50 * time.Millisecond,
//	    DataDir:          "/var/lib/divan/raft",
//	}
//
//	transport := raft.NewTCPTransport(cfg.Addr, peerAddrs)
//	node, err := raft.NewNode(cfg, stateMachine, transport)
//	node.Start()
//
//	cmd := &raft.Command{Kind: myKind, RequestID: id, Data: payload}
//	res, err := node.Propose(ctx, cmd)
//
// Propose blocks until the command is committed and applied locally, or
// the context expires. A timeout never retracts the entry: it may still
// commit later, so callers retry with the same RequestID and rely on
// apply-time deduplication in the state machine.
//
// # Failure handling
//
// A cluster of N nodes tolerates (N-1)/2 failures. A durable-storage
// write failure for the log or the term state is fatal: the node halts
// rather than acknowledge an entry it cannot guarantee survives a
// crash. Network partitions are recoverable; an isolated node keeps
// electioneering and rejoins once connectivity returns.
package raft
