package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adamgarcia4/goLearning/antientropy/history"
	"github.com/adamgarcia4/goLearning/antientropy/logger"
	"github.com/adamgarcia4/goLearning/antientropy/messaging"
	"github.com/adamgarcia4/goLearning/antientropy/metrics"
	"github.com/adamgarcia4/goLearning/antientropy/repair"
	"github.com/adamgarcia4/goLearning/antientropy/storage"
	"github.com/adamgarcia4/goLearning/antientropy/streaming"
	"github.com/adamgarcia4/goLearning/antientropy/transport"
)

// Node is one replica: storage, the repair layer and the transport that
// connects it to its peers.
type Node struct {
	config *Config
	logger zerolog.Logger

	engine      *storage.Engine
	messaging   *messaging.Service
	grpcServer  *transport.GRPC
	registry    *repair.ParentSessionRegistry
	stages      *repair.Stages
	coordinator *repair.Coordinator
	metrics     *metrics.Metrics
	history     *history.Store

	metricsServer *http.Server

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// New creates a new node with the given configuration
func New(config *Config) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		config:  config,
		logger:  logger.ForNode(config.NodeID),
		metrics: metrics.New(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start opens storage and brings up the repair layer and the gRPC server.
// Binding errors (e.g., port already in use) are returned synchronously.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return ErrNodeAlreadyStarted
	}
	if n.ctx.Err() != nil {
		return ErrNodeStopped
	}

	if err := n.start(); err != nil {
		n.shutdown()
		return err
	}
	n.started = true

	n.logger.Info().
		Str("endpoint", n.config.GetAddress()).
		Strs("tables", n.config.Tables).
		Strs("seeds", n.config.Seeds).
		Msg("Node started")
	return nil
}

func (n *Node) start() error {
	cfg := n.config

	if err := n.openStorage(); err != nil {
		return err
	}

	if cfg.HistoryPath != "" {
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return fmt.Errorf("open repair history: %w", err)
		}
		n.history = store
	}

	n.messaging = messaging.NewService(messaging.Config{
		LocalEndpoint:  cfg.GetAddress(),
		Logger:         n.logger,
		DefaultTimeout: cfg.Repair.RPCTimeout,
	})

	grpcTransport, err := transport.NewGRPC(cfg.GetAddress(), cfg.NodeID, n.messaging, n.logger)
	if err != nil {
		return fmt.Errorf("failed to create gRPC transport: %w", err)
	}
	n.messaging.SetSender(grpcTransport)

	streamer := streaming.NewService(n.engine, n.messaging, streaming.Config{
		Timeout: cfg.Repair.StreamTimeout,
		Logger:  n.logger,
		Metrics: n.metrics,
	})

	n.registry = repair.NewParentSessionRegistry(repair.RegistryConfig{
		TTL:     cfg.Repair.SessionTTL,
		Logger:  n.logger,
		Metrics: n.metrics,
	})

	coordinatorConfig := repair.CoordinatorConfig{
		Outbound:   n.messaging,
		RPCTimeout: cfg.Repair.RPCTimeout,
		JobTimeout: cfg.Repair.JobTimeout,
		Logger:     n.logger,
		Metrics:    n.metrics,
	}
	// A nil *history.Store must not become a non-nil interface.
	if n.history != nil {
		coordinatorConfig.History = n.history
	}
	n.coordinator = repair.NewCoordinator(coordinatorConfig)

	dispatcher, err := repair.NewDispatcher(repair.Config{
		Registry:      n.registry,
		Schema:        n.engine,
		Validations:   n.engine,
		AntiCompactor: n.engine,
		Syncer:        streamer,
		Outbound:      n.messaging,
		Sessions:      n.coordinator,
		MerkleDepth:   cfg.Repair.MerkleDepth,
		Logger:        n.logger,
		Metrics:       n.metrics,
	})
	if err != nil {
		return err
	}

	n.stages = repair.NewStages(dispatcher, repair.StagesConfig{
		RequestWorkers:     cfg.Repair.RequestWorkers,
		AntiEntropyWorkers: cfg.Repair.AntiEntropyWorkers,
		QueueSize:          cfg.Repair.StageQueue,
		Logger:             n.logger,
		Metrics:            n.metrics,
	})
	n.messaging.Register(messaging.VerbRepairMessage, n.stages.Handler())

	n.logger.Info().Str("addr", cfg.GetAddress()).Msg("gRPC server starting")
	if err := grpcTransport.Start(); err != nil {
		return fmt.Errorf("failed to bind gRPC server: %w", err)
	}
	n.grpcServer = grpcTransport

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.registry.RunEviction(n.ctx, cfg.Repair.EvictionInterval)
	}()

	if cfg.MetricsAddr != "" {
		if err := n.serveMetrics(cfg.MetricsAddr); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) openStorage() error {
	opts := storage.Options{
		ValidationWorkers: n.config.Repair.ValidationWorkers,
		Logger:            n.logger,
	}

	var err error
	if n.config.DataDir == "" {
		n.engine, err = storage.OpenInMemory(opts)
	} else {
		n.engine, err = storage.Open(n.config.DataDir, opts)
	}
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	refs, err := n.config.TableRefs()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if _, err := n.engine.EnsureTable(ref); err != nil {
			return fmt.Errorf("create table %s: %w", ref, err)
		}
	}
	return nil
}

// serveMetrics binds synchronously and serves /metrics in the background.
func (n *Node) serveMetrics(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind metrics server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	n.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.metricsServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	n.logger.Info().Str("addr", lis.Addr().String()).Msg("Serving metrics")
	return nil
}

// Stop stops the node gracefully
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.logger.Info().Msg("Stopping node")
	err := n.shutdown()
	n.started = false
	n.logger.Info().Msg("Node stopped")
	return err
}

// shutdown releases whatever start managed to bring up. Callers hold n.mu.
func (n *Node) shutdown() error {
	n.cancel()

	if n.metricsServer != nil {
		_ = n.metricsServer.Close()
	}
	if n.grpcServer != nil {
		n.grpcServer.Stop()
	}
	if n.stages != nil {
		n.stages.Stop()
	}
	if n.messaging != nil {
		n.messaging.Stop()
	}
	n.wg.Wait()

	n.metricsServer, n.grpcServer, n.stages, n.messaging = nil, nil, nil, nil

	var errs []error
	if n.engine != nil {
		if err := n.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		n.engine = nil
	}
	if n.history != nil {
		if err := n.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
		n.history = nil
	}
	return errors.Join(errs...)
}

// Repair runs a repair coordinated by this node. Without explicit endpoints
// it covers this node and its seeds.
func (n *Node) Repair(ctx context.Context, opts repair.Options) (*repair.Result, error) {
	n.mu.RLock()
	started, coordinator := n.started, n.coordinator
	n.mu.RUnlock()
	if !started {
		return nil, ErrNodeNotStarted
	}

	if len(opts.Endpoints) == 0 {
		opts.Endpoints = append([]string{n.config.GetAddress()}, n.config.Seeds...)
	}
	if opts.GCGrace == 0 {
		opts.GCGrace = n.config.Repair.GCGrace
	}
	return coordinator.Run(ctx, opts)
}

// Put writes a row to a table as a new segment.
func (n *Node) Put(table, key string, value []byte) error {
	n.mu.RLock()
	started, engine := n.started, n.engine
	n.mu.RUnlock()
	if !started {
		return ErrNodeNotStarted
	}

	ref, err := storage.ParseTableRef(table)
	if err != nil {
		return err
	}
	t, err := engine.Table(ref.Keyspace, ref.Table)
	if err != nil {
		return err
	}
	_, err = t.Flush([]storage.Row{storage.NewRow(key, value, time.Now().UnixMicro())})
	return err
}

// Status summarizes what the node holds for display.
type Status struct {
	NodeID         string
	Endpoint       string
	Rows           int
	Segments       int
	Repaired       int
	ParentSessions []*repair.ParentRepairSession
	ActiveRepairs  []repair.ActiveRepair
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()

	s := Status{NodeID: n.config.NodeID, Endpoint: n.config.GetAddress()}
	if !n.started {
		return s
	}

	for _, ref := range n.engine.Tables() {
		t, err := n.engine.Table(ref.Keyspace, ref.Table)
		if err != nil {
			continue
		}
		for _, seg := range t.Segments() {
			s.Segments++
			s.Rows += seg.Rows
			if seg.IsRepaired() {
				s.Repaired++
			}
		}
	}
	s.ParentSessions = n.registry.List()
	s.ActiveRepairs = n.coordinator.Active()
	return s
}

// GetConfig returns the node configuration (for external access)
func (n *Node) GetConfig() *Config {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.config
}

func (n *Node) Endpoint() string {
	return n.config.GetAddress()
}

func (n *Node) Engine() *storage.Engine {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// History is nil unless a history path is configured.
func (n *Node) History() *history.Store {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.history
}
