package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KilimcininKorOglu/divan/internal/api"
	"github.com/KilimcininKorOglu/divan/internal/breaker"
	"github.com/KilimcininKorOglu/divan/internal/config"
	"github.com/KilimcininKorOglu/divan/internal/lock"
	"github.com/KilimcininKorOglu/divan/internal/logging"
	"github.com/KilimcininKorOglu/divan/internal/raft"
	"github.com/KilimcininKorOglu/divan/internal/stream"
)

// serveCmd handles the serve command.
func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	nodeID := fs.Uint64("node-id", 0, "Node ID (overrides config)")
	raftAddr := fs.String("raft-addr", "", "Raft listen address (overrides config)")
	apiAddr := fs.String("api-addr", "", "API listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "Data directory path (overrides config)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printServeUsage(os.Stdout)
		return 0
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	if *nodeID != 0 {
		cfg.Node.ID = *nodeID
	}
	if *raftAddr != "" {
		cfg.Node.RaftAddr = *raftAddr
	}
	if *apiAddr != "" {
		cfg.API.Address = *apiAddr
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	server, err := newServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		return 1
	}

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		return 1
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	server.Stop()
	return 0
}

// server bundles the running components of one divan node.
type server struct {
	cfg      *config.Config
	logger   logging.Logger
	recent   *logging.Recent
	cluster  *raft.Cluster
	table    *lock.Table
	broker   *stream.Broker
	locks    *lock.Manager
	breakers *breaker.Registry
	api      *api.Server
}

// newServer wires the consensus core, lock manager, event broker,
// breaker registry and API server from configuration.
func newServer(cfg *config.Config) (*server, error) {
	recent := logging.NewRecent(cfg.Logging.RecentEntries)
	logger := logging.WithRecent(logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}), recent)

	table := lock.NewTable()

	broker := stream.NewBrokerWithCapacity(cfg.Stream.ReplayBufferSize)
	broker.SetSubscriberBuffer(cfg.Stream.BufferSize)

	peers := make([]*raft.Peer, 0, len(cfg.Cluster.Peers))
	for _, p := range cfg.Cluster.Peers {
		peers = append(peers, &raft.Peer{ID: p.ID, Addr: p.Addr})
	}
	if len(peers) == 0 {
		peers = []*raft.Peer{{ID: cfg.Node.ID, Addr: cfg.Node.RaftAddr}}
	}

	cluster, err := raft.NewCluster(&raft.ClusterConfig{
		NodeID:            cfg.Node.ID,
		RaftAddr:          cfg.Node.RaftAddr,
		Peers:             peers,
		ElectionTimeout:   cfg.Node.ElectionTimeout,
		HeartbeatTimeout:  cfg.Node.HeartbeatTimeout,
		ProposeTimeout:    cfg.Node.ProposeTimeout,
		SnapshotThreshold: cfg.Node.SnapshotThreshold,
		DataDir:           cfg.Node.DataDir,
	}, table)
	if err != nil {
		return nil, err
	}

	cluster.SetLogger(logger.WithFields("component", "raft"))
	cluster.AddCommitListener(broker)
	cluster.OnLeaderChange(func(leaderID uint64) {
		logger.Info("leader changed", "leaderId", leaderID)
	})

	locks := lock.NewManager(cluster, table, broker)
	locks.SetLogger(logger.WithFields("component", "lock"))
	if cfg.Locks.ReapInterval > 0 {
		locks.SetReapInterval(cfg.Locks.ReapInterval)
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		Window:           cfg.Breaker.Window,
		Buckets:          cfg.Breaker.Buckets,
	})

	s := &server{
		cfg:      cfg,
		logger:   logger,
		recent:   recent,
		cluster:  cluster,
		table:    table,
		broker:   broker,
		locks:    locks,
		breakers: breakers,
	}

	if cfg.API.Enabled {
		apiCfg := api.DefaultServerConfig()
		apiCfg.Address = cfg.API.Address
		apiCfg.ReadTimeout = cfg.API.ReadTimeout
		apiCfg.WriteTimeout = cfg.API.WriteTimeout
		apiCfg.DefaultLockTTL = cfg.Locks.DefaultTTL
		s.api = api.NewServer(apiCfg, cluster, locks, broker, breakers, recent, logger.WithFields("component", "api"))
	}

	return s, nil
}

// Start brings the node up: consensus first, then the reaper and the
// API surface.
func (s *server) Start() error {
	s.logger.Info("starting divan node",
		"nodeId", s.cfg.Node.ID,
		"raftAddr", s.cfg.Node.RaftAddr,
		"peers", len(s.cfg.Cluster.Peers),
	)

	if err := s.cluster.Start(); err != nil {
		return err
	}

	s.locks.StartReaper()

	if s.api != nil {
		if err := s.api.Start(); err != nil {
			s.locks.StopReaper()
			s.cluster.Stop()
			return err
		}
	}

	return nil
}

// Stop shuts the node down in reverse order of Start.
func (s *server) Stop() {
	s.logger.Info("shutting down")

	if s.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.api.Shutdown(ctx)
		cancel()
	}

	s.locks.StopReaper()
	s.cluster.Stop()
	s.broker.Close()
}
