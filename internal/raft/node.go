package raft

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the logging interface used by the raft package. The
// default is a no-op; callers plug in the application logger.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, args ...interface{}) {}
func (l *defaultLogger) Info(msg string, args ...interface{})  {}
func (l *defaultLogger) Warn(msg string, args ...interface{})  {}
func (l *defaultLogger) Error(msg string, args ...interface{}) {}

// Node represents a Raft node in the cluster.
type Node struct {
	id     uint64
	config *NodeConfig

	state *NodeState

	peers map[uint64]*Peer

	transport    Transport
	stateMachine StateMachine
	snapStore    *SnapshotStore
	logger       Logger

	proposeCh chan *proposeRequest
	stopCh    chan struct{}

	// Pending proposals keyed by log index; resolved after apply.
	pendingMu        sync.Mutex
	pendingProposals map[uint64]*proposeRequest

	listenersMu sync.RWMutex
	listeners   []CommitListener

	leaderChangeFn func(leaderID uint64)
	lastNotified   uint64

	electionTimer  *time.Timer
	heartbeatTimer *time.Timer

	// rpcMu serializes incoming RPC handling. Transports invoke the
	// handler from per-connection goroutines; the vote and log checks
	// must act on the state they read.
	rpcMu sync.Mutex

	running int32

	mu sync.RWMutex
}

type proposeOutcome struct {
	res *ProposeResult
	err error
}

type proposeRequest struct {
	cmd    *Command
	result chan proposeOutcome
	index  uint64
}

// NewNode creates a new Raft node. When cfg.DataDir is set, persisted
// term, vote, log and the latest snapshot are reloaded before the node
// starts; the state machine is restored from the snapshot and the
// committed tail replays through it as the leader re-advances the
// commit index.
func NewNode(cfg *NodeConfig, sm StateMachine, transport Transport) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var state *NodeState
	var snapStore *SnapshotStore
	var err error

	if cfg.DataDir != "" {
		state, err = OpenNodeState(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		snapStore, err = NewSnapshotStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
	} else {
		state = NewNodeState()
	}

	n := &Node{
		id:               cfg.ID,
		config:           cfg,
		state:            state,
		peers:            make(map[uint64]*Peer),
		transport:        transport,
		stateMachine:     sm,
		snapStore:        snapStore,
		logger:           &defaultLogger{},
		proposeCh:        make(chan *proposeRequest, 256),
		stopCh:           make(chan struct{}),
		pendingProposals: make(map[uint64]*proposeRequest),
	}

	for _, p := range cfg.Peers {
		if p.ID != cfg.ID {
			n.peers[p.ID] = p
		}
	}

	if snapStore != nil {
		if err := n.restoreFromDisk(); err != nil {
			return nil, err
		}
	}

	return n, nil
}

// restoreFromDisk restores the state machine from the latest snapshot
// and aligns the log's compaction boundary with it.
func (n *Node) restoreFromDisk() error {
	snap, err := n.snapStore.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	if n.stateMachine != nil {
		if err := n.stateMachine.Restore(snap.Data); err != nil {
			return err
		}
	}

	log := n.state.Log()
	if snap.LastIncludedIndex > log.FirstIndex() {
		if err := log.Compact(snap.LastIncludedIndex, snap.LastIncludedTerm); err != nil {
			return err
		}
	}

	n.state.SetCommitIndex(snap.LastIncludedIndex)
	if n.state.LastApplied() < snap.LastIncludedIndex {
		n.state.SetLastApplied(snap.LastIncludedIndex)
	}
	return nil
}

// SetLogger sets the logger for the node.
func (n *Node) SetLogger(logger Logger) {
	n.logger = logger
}

// AddCommitListener registers a listener for applied entries. Must be
// called before Start.
func (n *Node) AddCommitListener(l CommitListener) {
	n.listenersMu.Lock()
	defer n.listenersMu.Unlock()
	n.listeners = append(n.listeners, l)
}

// OnLeaderChange registers a callback invoked whenever the observed
// leader changes. Must be called before Start. The callback runs on
// raft goroutines and must not block.
func (n *Node) OnLeaderChange(fn func(leaderID uint64)) {
	n.leaderChangeFn = fn
}

// ID returns the node's ID.
func (n *Node) ID() uint64 {
	return n.id
}

// State returns the current role (Follower, Candidate, Leader).
func (n *Node) State() uint8 {
	return n.state.State()
}

// IsLeader returns true if this node is the leader.
func (n *Node) IsLeader() bool {
	return n.state.IsLeader()
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	return n.state.CurrentTerm()
}

// LeaderID returns the current leader's ID (0 if unknown).
func (n *Node) LeaderID() uint64 {
	return n.state.LeaderID()
}

// LeaderAddr returns the current leader's address ("" if unknown).
func (n *Node) LeaderAddr() string {
	id := n.state.LeaderID()
	if id == n.id {
		return n.config.Addr
	}
	if p, ok := n.peers[id]; ok {
		return p.Addr
	}
	return ""
}

// CommitIndex returns the commit index.
func (n *Node) CommitIndex() uint64 {
	return n.state.CommitIndex()
}

// LastApplied returns the last applied index.
func (n *Node) LastApplied() uint64 {
	return n.state.LastApplied()
}

// Start starts the Raft node.
func (n *Node) Start() error {
	if !atomic.CompareAndSwapInt32(&n.running, 0, 1) {
		return nil
	}

	if n.transport != nil {
		if err := n.transport.Listen(n.handleRPC); err != nil {
			atomic.StoreInt32(&n.running, 0)
			return err
		}
	}

	go n.run()
	go n.applyLoop()

	return nil
}

// Stop stops the Raft node.
func (n *Node) Stop() {
	if !atomic.CompareAndSwapInt32(&n.running, 1, 0) {
		return
	}

	close(n.stopCh)
	n.transport.Close()
	n.cancelPendingProposals(ErrNodeStopped)
}

// Propose submits a command for replication and blocks until it has
// been committed and applied locally, or ctx expires. On ErrTimeout
// the outcome is unknown: the entry may still commit, so retries must
// reuse the same RequestID and rely on apply-time deduplication.
func (n *Node) Propose(ctx context.Context, cmd *Command) (*ProposeResult, error) {
	if !n.IsLeader() {
		if n.LeaderID() == 0 {
			return nil, ErrLeaderUnknown
		}
		return nil, ErrNotLeader
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.ProposeTimeout)
		defer cancel()
	}

	req := &proposeRequest{
		cmd:    cmd,
		result: make(chan proposeOutcome, 1),
	}

	select {
	case n.proposeCh <- req:
	case <-ctx.Done():
		return nil, ErrTimeout
	case <-n.stopCh:
		return nil, ErrNodeStopped
	}

	select {
	case out := <-req.result:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ErrTimeout
	case <-n.stopCh:
		return nil, ErrNodeStopped
	}
}

// run is the main loop for the Raft node.
func (n *Node) run() {
	n.resetElectionTimer()

	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		switch n.State() {
		case StateFollower:
			n.runFollower()
		case StateCandidate:
			n.runCandidate()
		case StateLeader:
			n.runLeader()
		}
	}
}

func (n *Node) runFollower() {
	for n.State() == StateFollower {
		select {
		case <-n.stopCh:
			return
		case <-n.electionTimer.C:
			n.state.BecomeCandidate(n.id)
			return
		case req := <-n.proposeCh:
			req.result <- proposeOutcome{err: ErrNotLeader}
		}
	}
}

func (n *Node) runCandidate() {
	term := n.state.CurrentTerm()
	lastLogIndex := n.state.Log().LastIndex()
	lastLogTerm := n.state.Log().LastTerm()

	// Single node cluster becomes leader immediately
	if len(n.peers) == 0 {
		n.becomeLeader()
		return
	}

	votes := int32(1) // self
	voteCh := make(chan bool, len(n.peers))

	for peerID := range n.peers {
		go func(peerID uint64) {
			args := &RequestVoteArgs{
				Term:         term,
				CandidateID:  n.id,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			}

			reply, err := n.sendRequestVote(peerID, args)
			if err != nil {
				voteCh <- false
				return
			}

			if reply.Term > term {
				n.state.BecomeFollower(reply.Term)
				voteCh <- false
				return
			}

			voteCh <- reply.VoteGranted
		}(peerID)
	}

	n.resetElectionTimer()
	votesNeeded := (len(n.peers)+1)/2 + 1

	for i := 0; i < len(n.peers); i++ {
		select {
		case <-n.stopCh:
			return
		case <-n.electionTimer.C:
			// Split vote, retry with a new term
			n.state.BecomeCandidate(n.id)
			return
		case granted := <-voteCh:
			if n.State() != StateCandidate {
				return
			}
			if granted {
				if int(atomic.AddInt32(&votes, 1)) >= votesNeeded {
					n.becomeLeader()
					return
				}
			}
		}
	}

	// Not enough votes; wait out the election timer before retrying so
	// a partitioned minority does not spin through terms.
	select {
	case <-n.stopCh:
		return
	case <-n.electionTimer.C:
		n.state.BecomeCandidate(n.id)
	}
}

func (n *Node) runLeader() {
	n.broadcastAppendEntries()
	n.resetHeartbeatTimer()

	for n.State() == StateLeader {
		select {
		case <-n.stopCh:
			n.cancelPendingProposals(ErrNodeStopped)
			return
		case <-n.heartbeatTimer.C:
			n.broadcastAppendEntries()
			n.resetHeartbeatTimer()
		case req := <-n.proposeCh:
			if n.State() != StateLeader {
				req.result <- proposeOutcome{err: ErrNotLeader}
				continue
			}
			req.index = n.appendCommandAndTrack(req)
		}
	}
	// Deposed: outcomes of in-flight proposals are now unknown
	n.cancelPendingProposals(ErrNotLeader)
}

func (n *Node) becomeLeader() {
	n.logger.Info("became leader", "nodeId", n.id, "term", n.state.CurrentTerm())
	n.state.BecomeLeader(n.id)
	n.noteLeader(n.id)

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.state.InitLeaderState(peers)

	// Noop entry: commits entries from previous terms without counting
	// replicas of old-term entries directly.
	entry := &LogEntry{
		Index: n.state.Log().LastIndex() + 1,
		Term:  n.state.CurrentTerm(),
		Type:  EntryNoop,
	}
	n.mustAppend(entry)
	n.updateCommitIndex()
}

// mustAppend appends to the durable log. Per the storage contract a
// log write failure is fatal.
func (n *Node) mustAppend(entry *LogEntry) {
	if err := n.state.Log().Append(entry); err != nil {
		panic("raft: cannot persist log entry: " + err.Error())
	}
}

func (n *Node) noteLeader(id uint64) {
	if atomic.SwapUint64(&n.lastNotified, id) == id {
		return
	}
	if n.leaderChangeFn != nil {
		n.leaderChangeFn(id)
	}
}

func (n *Node) resetElectionTimer() {
	timeout := n.randomElectionTimeout()
	if n.electionTimer == nil {
		n.electionTimer = time.NewTimer(timeout)
	} else {
		if !n.electionTimer.Stop() {
			select {
			case <-n.electionTimer.C:
			default:
			}
		}
		n.electionTimer.Reset(timeout)
	}
}

func (n *Node) resetHeartbeatTimer() {
	if n.heartbeatTimer == nil {
		n.heartbeatTimer = time.NewTimer(n.config.HeartbeatTimeout)
	} else {
		if !n.heartbeatTimer.Stop() {
			select {
			case <-n.heartbeatTimer.C:
			default:
			}
		}
		n.heartbeatTimer.Reset(n.config.HeartbeatTimeout)
	}
}

func (n *Node) randomElectionTimeout() time.Duration {
	return n.config.ElectionTimeout + time.Duration(rand.Int63n(int64(n.config.ElectionTimeout)))
}

// handleRPC dispatches incoming RPC messages, one at a time.
func (n *Node) handleRPC(msgType uint8, data []byte) []byte {
	n.rpcMu.Lock()
	defer n.rpcMu.Unlock()

	switch msgType {
	case RPCRequestVote:
		return n.handleRequestVote(data)
	case RPCAppendEntries:
		return n.handleAppendEntries(data)
	case RPCInstallSnapshot:
		return n.handleInstallSnapshot(data)
	default:
		return nil
	}
}

func (n *Node) handleRequestVote(data []byte) []byte {
	args, err := DeserializeRequestVoteArgs(data)
	if err != nil {
		return (&RequestVoteReply{Term: n.Term()}).Serialize()
	}

	reply := &RequestVoteReply{Term: n.Term()}

	if args.Term < n.Term() {
		return reply.Serialize()
	}

	if args.Term > n.Term() {
		n.state.BecomeFollower(args.Term)
		reply.Term = args.Term
	}

	// Grant at most one vote per term, and only to a candidate whose
	// log is at least as up to date: higher last term wins, equal last
	// terms compare by last index.
	votedFor := n.state.VotedFor()
	if votedFor == 0 || votedFor == args.CandidateID {
		lastLogIndex := n.state.Log().LastIndex()
		lastLogTerm := n.state.Log().LastTerm()

		if args.LastLogTerm > lastLogTerm ||
			(args.LastLogTerm == lastLogTerm && args.LastLogIndex >= lastLogIndex) {
			n.state.SetVotedFor(args.CandidateID)
			reply.VoteGranted = true
			n.resetElectionTimer()
		}
	}

	return reply.Serialize()
}

func (n *Node) handleAppendEntries(data []byte) []byte {
	args, err := DeserializeAppendEntriesArgs(data)
	if err != nil {
		return (&AppendEntriesReply{Term: n.Term()}).Serialize()
	}

	reply := &AppendEntriesReply{Term: n.Term()}

	if args.Term < n.Term() {
		return reply.Serialize()
	}

	if args.Term > n.Term() {
		n.state.BecomeFollower(args.Term)
		reply.Term = args.Term
	} else if n.State() == StateCandidate {
		// A leader exists for this term, step down
		n.state.BecomeFollower(args.Term)
	}

	n.resetElectionTimer()
	n.state.SetLeaderID(args.LeaderID)
	n.noteLeader(args.LeaderID)

	log := n.state.Log()

	// Everything at or below our snapshot boundary is already applied;
	// report the boundary as matched so the leader advances.
	if args.PrevLogIndex < log.FirstIndex() {
		reply.Success = true
		reply.MatchIndex = log.FirstIndex()
		return reply.Serialize()
	}

	if args.PrevLogIndex > log.LastIndex() {
		reply.ConflictIndex = log.LastIndex() + 1
		return reply.Serialize()
	}
	if log.TermAt(args.PrevLogIndex) != args.PrevLogTerm {
		// Report the whole conflicting term so the leader skips it in
		// one round trip.
		reply.ConflictTerm = log.TermAt(args.PrevLogIndex)
		idx := args.PrevLogIndex
		for idx > log.FirstIndex()+1 && log.TermAt(idx-1) == reply.ConflictTerm {
			idx--
		}
		reply.ConflictIndex = idx
		return reply.Serialize()
	}

	for i, entry := range args.Entries {
		idx := args.PrevLogIndex + uint64(i) + 1
		if idx <= log.FirstIndex() {
			continue
		}
		if idx <= log.LastIndex() {
			if log.TermAt(idx) != entry.Term {
				if err := log.TruncateFrom(idx); err != nil {
					panic("raft: cannot truncate log: " + err.Error())
				}
				n.mustAppend(entry)
			}
		} else {
			n.mustAppend(entry)
		}
	}

	if args.LeaderCommit > n.state.CommitIndex() {
		newCommit := args.LeaderCommit
		if log.LastIndex() < newCommit {
			newCommit = log.LastIndex()
		}
		n.state.SetCommitIndex(newCommit)
	}

	reply.Success = true
	reply.MatchIndex = args.PrevLogIndex + uint64(len(args.Entries))
	return reply.Serialize()
}

func (n *Node) handleInstallSnapshot(data []byte) []byte {
	args, err := DeserializeInstallSnapshotArgs(data)
	if err != nil {
		return (&InstallSnapshotReply{Term: n.Term()}).Serialize()
	}

	reply := &InstallSnapshotReply{Term: n.Term()}

	if args.Term < n.Term() {
		return reply.Serialize()
	}

	if args.Term > n.Term() {
		n.state.BecomeFollower(args.Term)
		reply.Term = args.Term
	}

	n.resetElectionTimer()
	n.state.SetLeaderID(args.LeaderID)
	n.noteLeader(args.LeaderID)

	// Stale snapshot, our state is already past it
	if args.LastIncludedIndex <= n.state.LastApplied() {
		return reply.Serialize()
	}

	if n.stateMachine != nil {
		if err := n.stateMachine.Restore(args.Data); err != nil {
			n.logger.Error("failed to restore snapshot", "error", err)
			return reply.Serialize()
		}
	}

	if n.snapStore != nil {
		snap := &Snapshot{
			LastIncludedIndex: args.LastIncludedIndex,
			LastIncludedTerm:  args.LastIncludedTerm,
			Data:              args.Data,
		}
		if err := n.snapStore.Save(snap); err != nil {
			n.logger.Error("failed to save snapshot", "error", err)
		}
	}

	if err := n.state.Log().Compact(args.LastIncludedIndex, args.LastIncludedTerm); err != nil {
		panic("raft: cannot compact log: " + err.Error())
	}

	n.state.SetCommitIndex(args.LastIncludedIndex)
	n.state.SetLastApplied(args.LastIncludedIndex)

	n.logger.Info("snapshot installed", "lastIncludedIndex", args.LastIncludedIndex)
	return reply.Serialize()
}

func (n *Node) sendRequestVote(peerID uint64, args *RequestVoteArgs) (*RequestVoteReply, error) {
	resp, err := n.transport.Send(peerID, RPCRequestVote, args.Serialize())
	if err != nil {
		return nil, err
	}
	return DeserializeRequestVoteReply(resp)
}

func (n *Node) sendAppendEntries(peerID uint64, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	resp, err := n.transport.Send(peerID, RPCAppendEntries, args.Serialize())
	if err != nil {
		return nil, err
	}
	return DeserializeAppendEntriesReply(resp)
}

func (n *Node) sendInstallSnapshot(peerID uint64, args *InstallSnapshotArgs) (*InstallSnapshotReply, error) {
	resp, err := n.transport.Send(peerID, RPCInstallSnapshot, args.Serialize())
	if err != nil {
		return nil, err
	}
	return DeserializeInstallSnapshotReply(resp)
}

// broadcastAppendEntries sends AppendEntries to all peers.
func (n *Node) broadcastAppendEntries() {
	for peerID := range n.peers {
		go n.replicateTo(peerID)
	}
}

func (n *Node) replicateTo(peerID uint64) {
	if n.State() != StateLeader {
		return
	}

	log := n.state.Log()
	nextIndex := n.state.GetNextIndex(peerID)

	// The follower's next entry is gone from the log; ship a snapshot
	// instead.
	if nextIndex <= log.FirstIndex() {
		n.sendSnapshotTo(peerID)
		return
	}

	prevLogIndex := nextIndex - 1
	prevLogTerm := log.TermAt(prevLogIndex)
	entries := log.GetFrom(nextIndex)

	args := &AppendEntriesArgs{
		Term:         n.Term(),
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: n.state.CommitIndex(),
	}

	reply, err := n.sendAppendEntries(peerID, args)
	if err != nil {
		return
	}

	if reply.Term > n.Term() {
		n.state.BecomeFollower(reply.Term)
		return
	}

	if reply.Success {
		n.state.SetNextIndex(peerID, reply.MatchIndex+1)
		n.state.SetMatchIndex(peerID, reply.MatchIndex)
		n.updateCommitIndex()
	} else {
		if reply.ConflictTerm > 0 {
			n.state.SetNextIndex(peerID, reply.ConflictIndex)
		} else if reply.ConflictIndex > 0 {
			n.state.SetNextIndex(peerID, reply.ConflictIndex)
		} else if next := n.state.GetNextIndex(peerID); next > 1 {
			n.state.SetNextIndex(peerID, next-1)
		}
	}
}

// updateCommitIndex advances commitIndex to the highest index
// replicated on a majority. Only entries from the current term are
// counted; earlier-term entries commit transitively through them.
func (n *Node) updateCommitIndex() {
	log := n.state.Log()
	currentTerm := n.Term()

	if len(n.peers) == 0 {
		for idx := log.LastIndex(); idx > n.state.CommitIndex(); idx-- {
			if log.TermAt(idx) == currentTerm {
				n.state.SetCommitIndex(idx)
				break
			}
		}
		return
	}

	for idx := log.LastIndex(); idx > n.state.CommitIndex(); idx-- {
		if log.TermAt(idx) != currentTerm {
			continue
		}

		count := 1 // self
		for _, matchIdx := range n.state.GetMatchIndexes() {
			if matchIdx >= idx {
				count++
			}
		}

		if count > (len(n.peers)+1)/2 {
			n.state.SetCommitIndex(idx)
			break
		}
	}
}

// sendSnapshotTo ships the state machine snapshot to a follower whose
// next entry has been compacted away.
func (n *Node) sendSnapshotTo(peerID uint64) {
	var snap *Snapshot

	if n.snapStore != nil {
		loaded, err := n.snapStore.Load()
		if err == nil {
			snap = loaded
		}
	}

	if snap == nil {
		if n.stateMachine == nil {
			return
		}
		data, err := n.stateMachine.Snapshot()
		if err != nil {
			n.logger.Error("failed to create snapshot", "error", err)
			return
		}
		lastApplied := n.state.LastApplied()
		snap = &Snapshot{
			LastIncludedIndex: lastApplied,
			LastIncludedTerm:  n.state.Log().TermAt(lastApplied),
			Data:              data,
		}
	}

	args := &InstallSnapshotArgs{
		Term:              n.Term(),
		LeaderID:          n.id,
		LastIncludedIndex: snap.LastIncludedIndex,
		LastIncludedTerm:  snap.LastIncludedTerm,
		Data:              snap.Data,
	}

	n.logger.Info("sending snapshot to follower", "peer", peerID, "size", len(snap.Data))

	reply, err := n.sendInstallSnapshot(peerID, args)
	if err != nil {
		return
	}

	if reply.Term > n.Term() {
		n.state.BecomeFollower(reply.Term)
		return
	}

	n.state.SetNextIndex(peerID, args.LastIncludedIndex+1)
	n.state.SetMatchIndex(peerID, args.LastIncludedIndex)
}

// appendCommandAndTrack appends a command and tracks the proposal so
// the apply loop can deliver its result.
func (n *Node) appendCommandAndTrack(req *proposeRequest) uint64 {
	if n.State() != StateLeader {
		return 0
	}

	// Stamp with the leader clock so time-dependent apply logic is
	// evaluated identically on every replica.
	if req.cmd.Stamp == 0 {
		req.cmd.Stamp = time.Now().UnixNano()
	}

	data, err := req.cmd.Serialize()
	if err != nil {
		req.result <- proposeOutcome{err: err}
		return 0
	}

	entry := &LogEntry{
		Index:   n.state.Log().LastIndex() + 1,
		Term:    n.Term(),
		Type:    EntryCommand,
		Command: data,
	}

	n.mustAppend(entry)

	n.pendingMu.Lock()
	n.pendingProposals[entry.Index] = req
	n.pendingMu.Unlock()

	n.updateCommitIndex()
	n.broadcastAppendEntries()

	return entry.Index
}

// cancelPendingProposals fails all pending proposals with err.
func (n *Node) cancelPendingProposals(err error) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()

	for index, req := range n.pendingProposals {
		req.result <- proposeOutcome{err: err}
		delete(n.pendingProposals, index)
	}
}

// resolveProposal delivers the apply result for a committed index, if
// a proposer is still waiting on it.
func (n *Node) resolveProposal(entry *LogEntry, result interface{}, applyErr error) {
	n.pendingMu.Lock()
	req, ok := n.pendingProposals[entry.Index]
	if ok {
		delete(n.pendingProposals, entry.Index)
	}
	n.pendingMu.Unlock()

	if !ok {
		return
	}

	req.result <- proposeOutcome{
		res: &ProposeResult{Index: entry.Index, Term: entry.Term, Value: result},
		err: applyErr,
	}
}

// applyLoop applies committed entries to the state machine in log
// order, delivers results to waiting proposers, publishes to commit
// listeners and takes snapshots when the log grows past the threshold.
func (n *Node) applyLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		commitIndex := n.state.CommitIndex()
		lastApplied := n.state.LastApplied()

		for lastApplied < commitIndex {
			lastApplied++
			entry, err := n.state.Log().Get(lastApplied)
			if err != nil {
				break
			}

			var cmd *Command
			var result interface{}
			var applyErr error

			if entry.Type == EntryCommand {
				cmd, applyErr = DeserializeCommand(entry.Command)
				if applyErr == nil && n.stateMachine != nil {
					result, applyErr = n.stateMachine.Apply(cmd)
				}
			}

			n.state.SetLastApplied(lastApplied)
			n.resolveProposal(entry, result, applyErr)
			n.publishCommit(entry, cmd, result, applyErr)
		}

		n.maybeSnapshot()

		time.Sleep(5 * time.Millisecond)
	}
}

func (n *Node) publishCommit(entry *LogEntry, cmd *Command, result interface{}, applyErr error) {
	n.listenersMu.RLock()
	listeners := n.listeners
	n.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnCommit(entry, cmd, result, applyErr)
	}
}

// maybeSnapshot compacts the log once the live entry count exceeds the
// configured threshold.
func (n *Node) maybeSnapshot() {
	threshold := n.config.SnapshotThreshold
	if threshold == 0 || n.stateMachine == nil || n.snapStore == nil {
		return
	}

	log := n.state.Log()
	if log.Len() < int(threshold) {
		return
	}

	lastApplied := n.state.LastApplied()
	if lastApplied <= log.FirstIndex() {
		return
	}

	data, err := n.stateMachine.Snapshot()
	if err != nil {
		n.logger.Error("failed to create snapshot", "error", err)
		return
	}

	snap := &Snapshot{
		LastIncludedIndex: lastApplied,
		LastIncludedTerm:  log.TermAt(lastApplied),
		Data:              data,
	}
	if err := n.snapStore.Save(snap); err != nil {
		n.logger.Error("failed to save snapshot", "error", err)
		return
	}

	if err := log.Compact(lastApplied, snap.LastIncludedTerm); err != nil {
		n.logger.Error("failed to compact log", "error", err)
		return
	}

	n.logger.Info("snapshot taken", "lastIncludedIndex", lastApplied, "size", len(data))
}

// GetPeers returns the list of peers.
func (n *Node) GetPeers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}
