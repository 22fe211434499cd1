package raft

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Node roles.
const (
	StateFollower uint8 = iota
	StateCandidate
	StateLeader
)

// StateString returns the string representation of a node role.
func StateString(state uint8) string {
	switch state {
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Peer represents a remote node in the cluster.
type Peer struct {
	ID   uint64
	Addr string
}

// NodeConfig holds configuration for a Raft node.
type NodeConfig struct {
	ID                uint64        // Unique node ID (non-zero)
	Addr              string        // Raft RPC listen address
	Peers             []*Peer       // Cluster peers (may include self)
	ElectionTimeout   time.Duration // Election timeout base; randomized up to 2x
	HeartbeatTimeout  time.Duration // Leader heartbeat interval
	ProposeTimeout    time.Duration // Default bound for Propose without a deadline
	SnapshotThreshold uint64        // Live log entries that trigger a snapshot (0 = off)
	DataDir           string        // Directory for persistent state ("" = in-memory)
}

// DefaultNodeConfig returns default configuration.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		ElectionTimeout:   150 * time.Millisecond,
		HeartbeatTimeout:  50 * time.Millisecond,
		ProposeTimeout:    5 * time.Second,
		SnapshotThreshold: 10000,
	}
}

// Validate checks if the configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.ID == 0 {
		return ErrInvalidConfig
	}
	if c.Addr == "" {
		return ErrInvalidConfig
	}
	if c.ElectionTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.HeartbeatTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.HeartbeatTimeout >= c.ElectionTimeout {
		return ErrInvalidConfig
	}
	return nil
}

const termFileName = "term.dat"

// NodeState holds the mutable state of a Raft node. Term, vote and log
// are persistent and written through before any RPC is answered; a
// write failure panics, halting the node rather than letting it
// acknowledge state it cannot recover (see package doc).
type NodeState struct {
	// Persistent state
	currentTerm uint64
	votedFor    uint64 // 0 means not voted this term
	log         *RaftLog

	// Volatile state on all servers
	state       uint8
	commitIndex uint64
	lastApplied uint64

	// Volatile state on leaders (reinitialized after election)
	nextIndex  map[uint64]uint64 // peer ID -> next log index to send
	matchIndex map[uint64]uint64 // peer ID -> highest replicated index

	leaderID uint64

	dataDir string

	mu sync.RWMutex
}

// NewNodeState creates an in-memory node state (used by tests and
// diskless configurations).
func NewNodeState() *NodeState {
	return &NodeState{
		log:        NewLog(),
		state:      StateFollower,
		nextIndex:  make(map[uint64]uint64),
		matchIndex: make(map[uint64]uint64),
	}
}

// OpenNodeState creates a node state backed by dataDir, reloading any
// persisted term, vote and log.
func OpenNodeState(dataDir string) (*NodeState, error) {
	log, err := OpenLog(dataDir)
	if err != nil {
		return nil, err
	}

	s := &NodeState{
		log:        log,
		state:      StateFollower,
		nextIndex:  make(map[uint64]uint64),
		matchIndex: make(map[uint64]uint64),
		dataDir:    dataDir,
	}

	s.loadPersistedState()
	return s, nil
}

// loadPersistedState loads term and vote from disk. Only the snapshot
// boundary is known committed on restart: the log tail may hold entries
// that never reached a majority and could yet be overwritten, so the
// commit and apply indexes start at the boundary and the leader's
// AppendEntries re-advances them over whatever survives.
func (s *NodeState) loadPersistedState() {
	data, err := os.ReadFile(filepath.Join(s.dataDir, termFileName))
	if err == nil && len(data) >= 16 {
		s.currentTerm = binary.LittleEndian.Uint64(data[0:8])
		s.votedFor = binary.LittleEndian.Uint64(data[8:16])
	}

	s.commitIndex = s.log.FirstIndex()
	s.lastApplied = s.log.FirstIndex()
}

// CurrentTerm returns the current term.
func (s *NodeState) CurrentTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTerm
}

// VotedFor returns the candidate this node voted for in the current
// term (0 = none).
func (s *NodeState) VotedFor() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votedFor
}

// SetVotedFor records and persists the vote for the current term.
func (s *NodeState) SetVotedFor(candidateID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = candidateID
	s.persistTermAndVote()
}

// persistTermAndVote writes term and vote through to disk. Must be
// called with the lock held. A write failure is fatal.
func (s *NodeState) persistTermAndVote() {
	if s.dataDir == "" {
		return
	}

	path := filepath.Join(s.dataDir, termFileName)
	tmpPath := path + ".tmp"

	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data[0:8], s.currentTerm)
	binary.LittleEndian.PutUint64(data[8:16], s.votedFor)

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		panic("raft: cannot persist term state: " + err.Error())
	}
	if err := os.Rename(tmpPath, path); err != nil {
		panic("raft: cannot persist term state: " + err.Error())
	}
}

// State returns the current node role.
func (s *NodeState) State() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsLeader returns true if this node is the leader.
func (s *NodeState) IsLeader() bool {
	return s.State() == StateLeader
}

// CommitIndex returns the commit index.
func (s *NodeState) CommitIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commitIndex
}

// SetCommitIndex advances the commit index. The commit index is
// monotonic; attempts to move it backward are ignored.
func (s *NodeState) SetCommitIndex(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index > s.commitIndex {
		s.commitIndex = index
	}
}

// LastApplied returns the last applied index.
func (s *NodeState) LastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

// SetLastApplied sets the last applied index. It is not persisted: a
// restarting node restores the snapshot and replays the committed tail
// through the state machine.
func (s *NodeState) SetLastApplied(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastApplied = index
}

// LeaderID returns the current leader's ID (0 if unknown).
func (s *NodeState) LeaderID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderID
}

// SetLeaderID sets the leader ID.
func (s *NodeState) SetLeaderID(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderID = id
}

// Log returns the Raft log.
func (s *NodeState) Log() *RaftLog {
	return s.log
}

// GetNextIndex returns the next index for a peer.
func (s *NodeState) GetNextIndex(peerID uint64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextIndex[peerID]
}

// SetNextIndex sets the next index for a peer.
func (s *NodeState) SetNextIndex(peerID uint64, index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIndex[peerID] = index
}

// SetMatchIndex sets the match index for a peer.
func (s *NodeState) SetMatchIndex(peerID uint64, index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index > s.matchIndex[peerID] {
		s.matchIndex[peerID] = index
	}
}

// GetMatchIndexes returns a copy of all match indexes.
func (s *NodeState) GetMatchIndexes() map[uint64]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[uint64]uint64, len(s.matchIndex))
	for k, v := range s.matchIndex {
		result[k] = v
	}
	return result
}

// InitLeaderState initializes leader-specific replication state after
// winning an election.
func (s *NodeState) InitLeaderState(peers []*Peer) {
	lastIndex := s.log.LastIndex()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, peer := range peers {
		s.nextIndex[peer.ID] = lastIndex + 1
		s.matchIndex[peer.ID] = 0
	}
}

// BecomeFollower transitions to follower at the given term, clearing
// the vote when the term advances.
func (s *NodeState) BecomeFollower(term uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateFollower
	if term > s.currentTerm {
		s.currentTerm = term
		s.votedFor = 0
		s.persistTermAndVote()
	}
}

// BecomeCandidate transitions to candidate, starting a new term and
// voting for self.
func (s *NodeState) BecomeCandidate(selfID uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateCandidate
	s.currentTerm++
	s.votedFor = selfID
	s.leaderID = 0
	s.persistTermAndVote()
	return s.currentTerm
}

// BecomeLeader transitions to leader state.
func (s *NodeState) BecomeLeader(nodeID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateLeader
	s.leaderID = nodeID
}
