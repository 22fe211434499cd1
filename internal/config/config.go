// Package config provides configuration parsing and validation for the
// Divan coordination server.
package config

import "time"

// Config holds the complete server configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Locks   LocksConfig   `yaml:"locks"`
	Breaker BreakerConfig `yaml:"breaker"`
	Stream  StreamConfig  `yaml:"stream"`
	API     APIConfig     `yaml:"api"`
	Logging LogConfig     `yaml:"logging"`
}

// NodeConfig holds this node's consensus configuration.
type NodeConfig struct {
	ID                uint64        `yaml:"id"`
	RaftAddr          string        `yaml:"raftAddr"`
	DataDir           string        `yaml:"dataDir"`
	ElectionTimeout   time.Duration `yaml:"electionTimeout"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	ProposeTimeout    time.Duration `yaml:"proposeTimeout"`
	SnapshotThreshold uint64        `yaml:"snapshotThreshold"`
}

// ClusterConfig lists the cluster membership, this node included.
type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

// PeerConfig identifies one cluster member.
type PeerConfig struct {
	ID   uint64 `yaml:"id"`
	Addr string `yaml:"addr"`
}

// LocksConfig holds lock manager configuration.
type LocksConfig struct {
	DefaultTTL   time.Duration `yaml:"defaultTtl"`
	ReapInterval time.Duration `yaml:"reapInterval"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold uint64        `yaml:"failureThreshold"`
	SuccessThreshold uint64        `yaml:"successThreshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	Window           time.Duration `yaml:"window"`
	Buckets          int           `yaml:"buckets"`
}

// StreamConfig holds event stream configuration.
type StreamConfig struct {
	BufferSize       int `yaml:"bufferSize"`
	ReplayBufferSize int `yaml:"replayBufferSize"`
}

// APIConfig holds the HTTP API configuration.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	RecentEntries int    `yaml:"recentEntries"`
}

// DefaultConfig returns a configuration with sensible defaults for a
// single-node deployment.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:                1,
			RaftAddr:          "localhost:7400",
			DataDir:           "./data",
			ElectionTimeout:   150 * time.Millisecond,
			HeartbeatTimeout:  50 * time.Millisecond,
			ProposeTimeout:    5 * time.Second,
			SnapshotThreshold: 10000,
		},
		Locks: LocksConfig{
			DefaultTTL:   30 * time.Second,
			ReapInterval: time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Cooldown:         30 * time.Second,
			Window:           60 * time.Second,
			Buckets:          10,
		},
		Stream: StreamConfig{
			BufferSize:       256,
			ReplayBufferSize: 4096,
		},
		API: APIConfig{
			Enabled:      true,
			Address:      "localhost:8400",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LogConfig{
			Level:         "info",
			Format:        "text",
			Output:        "stdout",
			RecentEntries: 1000,
		},
	}
}
