package raft

import (
	"context"
	"time"
)

// ClusterConfig holds the plain-value settings needed to assemble a
// cluster member. It deliberately avoids importing the application
// config package; the caller maps its config onto this.
type ClusterConfig struct {
	NodeID            uint64
	RaftAddr          string
	Peers             []*Peer
	ElectionTimeout   time.Duration
	HeartbeatTimeout  time.Duration
	ProposeTimeout    time.Duration
	SnapshotThreshold uint64
	DataDir           string
}

// Cluster wraps a Node with its transport and state machine, exposing
// the surface the rest of the application talks to: proposals, status
// and leader tracking.
type Cluster struct {
	node         *Node
	transport    Transport
	stateMachine StateMachine
	peers        []*Peer
}

// NewCluster assembles a cluster member with a TCP transport.
func NewCluster(cc *ClusterConfig, sm StateMachine) (*Cluster, error) {
	peerAddrs := make(map[uint64]string)
	for _, p := range cc.Peers {
		if p.ID != cc.NodeID {
			peerAddrs[p.ID] = p.Addr
		}
	}
	transport := NewTCPTransport(cc.RaftAddr, peerAddrs)
	return NewClusterWithTransport(cc, sm, transport)
}

// NewClusterWithTransport assembles a cluster member on a caller
// provided transport. Tests use this with an in-memory network.
func NewClusterWithTransport(cc *ClusterConfig, sm StateMachine, transport Transport) (*Cluster, error) {
	electionTimeout := cc.ElectionTimeout
	if electionTimeout == 0 {
		electionTimeout = 150 * time.Millisecond
	}
	heartbeatTimeout := cc.HeartbeatTimeout
	if heartbeatTimeout == 0 {
		heartbeatTimeout = 50 * time.Millisecond
	}
	proposeTimeout := cc.ProposeTimeout
	if proposeTimeout == 0 {
		proposeTimeout = 5 * time.Second
	}

	nodeCfg := &NodeConfig{
		ID:                cc.NodeID,
		Addr:              cc.RaftAddr,
		Peers:             cc.Peers,
		ElectionTimeout:   electionTimeout,
		HeartbeatTimeout:  heartbeatTimeout,
		ProposeTimeout:    proposeTimeout,
		SnapshotThreshold: cc.SnapshotThreshold,
		DataDir:           cc.DataDir,
	}

	node, err := NewNode(nodeCfg, sm, transport)
	if err != nil {
		return nil, err
	}

	return &Cluster{
		node:         node,
		transport:    transport,
		stateMachine: sm,
		peers:        cc.Peers,
	}, nil
}

// Node returns the underlying Raft node.
func (c *Cluster) Node() *Node {
	return c.node
}

// Start starts the cluster member.
func (c *Cluster) Start() error {
	return c.node.Start()
}

// Stop stops the cluster member.
func (c *Cluster) Stop() {
	c.node.Stop()
}

// Propose replicates a command through consensus and returns its apply
// result.
func (c *Cluster) Propose(ctx context.Context, cmd *Command) (*ProposeResult, error) {
	return c.node.Propose(ctx, cmd)
}

// AddCommitListener registers a commit listener. Must be called before
// Start.
func (c *Cluster) AddCommitListener(l CommitListener) {
	c.node.AddCommitListener(l)
}

// OnLeaderChange registers a leader-change callback. Must be called
// before Start.
func (c *Cluster) OnLeaderChange(fn func(leaderID uint64)) {
	c.node.OnLeaderChange(fn)
}

// SetLogger sets the logger on the underlying node. Must be called
// before Start.
func (c *Cluster) SetLogger(l Logger) {
	c.node.SetLogger(l)
}

// IsLeader returns true if this member is the leader.
func (c *Cluster) IsLeader() bool {
	return c.node.IsLeader()
}

// LeaderID returns the current leader's node ID (0 if unknown).
func (c *Cluster) LeaderID() uint64 {
	return c.node.LeaderID()
}

// LeaderAddr returns the current leader's address ("" if unknown).
func (c *Cluster) LeaderAddr() string {
	return c.node.LeaderAddr()
}

// NodeID returns this member's node ID.
func (c *Cluster) NodeID() uint64 {
	return c.node.ID()
}

// ClusterStatus reports a member's view of the cluster.
type ClusterStatus struct {
	NodeID      uint64       `json:"nodeId"`
	State       string       `json:"state"`
	Term        uint64       `json:"term"`
	LeaderID    uint64       `json:"leaderId"`
	LeaderAddr  string       `json:"leaderAddr"`
	CommitIndex uint64       `json:"commitIndex"`
	LastApplied uint64       `json:"lastApplied"`
	Peers       []PeerStatus `json:"peers"`
}

// PeerStatus identifies a peer in a status report.
type PeerStatus struct {
	ID   uint64 `json:"id"`
	Addr string `json:"addr"`
}

// Status returns the current cluster status.
func (c *Cluster) Status() *ClusterStatus {
	status := &ClusterStatus{
		NodeID:      c.node.ID(),
		State:       StateString(c.node.State()),
		Term:        c.node.Term(),
		LeaderID:    c.node.LeaderID(),
		LeaderAddr:  c.node.LeaderAddr(),
		CommitIndex: c.node.CommitIndex(),
		LastApplied: c.node.LastApplied(),
		Peers:       make([]PeerStatus, 0, len(c.peers)),
	}

	for _, p := range c.peers {
		status.Peers = append(status.Peers, PeerStatus{ID: p.ID, Addr: p.Addr})
	}

	return status
}
