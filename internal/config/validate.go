package config

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrMissingNodeID    = errors.New("config: node id is required")
	ErrMissingRaftAddr  = errors.New("config: raft address is required")
	ErrBadTimeouts      = errors.New("config: heartbeat timeout must be shorter than election timeout")
	ErrDuplicatePeer    = errors.New("config: duplicate peer id")
	ErrNodeNotInCluster = errors.New("config: node id missing from cluster peers")
	ErrBadThreshold     = errors.New("config: breaker thresholds must be positive")
)

// Validate checks the configuration for inconsistencies that would
// prevent the server from starting.
func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return ErrMissingNodeID
	}
	if c.Node.RaftAddr == "" {
		return ErrMissingRaftAddr
	}
	if c.Node.ElectionTimeout <= 0 || c.Node.HeartbeatTimeout <= 0 {
		return ErrBadTimeouts
	}
	if c.Node.HeartbeatTimeout >= c.Node.ElectionTimeout {
		return ErrBadTimeouts
	}

	if err := c.validateCluster(); err != nil {
		return err
	}

	if c.Breaker.FailureThreshold == 0 || c.Breaker.SuccessThreshold == 0 {
		return ErrBadThreshold
	}

	return nil
}

// validateCluster checks the peer list. An empty list means a
// single-node deployment and is always valid.
func (c *Config) validateCluster() error {
	if len(c.Cluster.Peers) == 0 {
		return nil
	}

	seen := make(map[uint64]bool)
	selfListed := false
	for _, peer := range c.Cluster.Peers {
		if peer.ID == 0 {
			return fmt.Errorf("config: peer %q has no id", peer.Addr)
		}
		if peer.Addr == "" {
			return fmt.Errorf("config: peer %d has no address", peer.ID)
		}
		if seen[peer.ID] {
			return ErrDuplicatePeer
		}
		seen[peer.ID] = true
		if peer.ID == c.Node.ID {
			selfListed = true
		}
	}
	if !selfListed {
		return ErrNodeNotInCluster
	}
	return nil
}
