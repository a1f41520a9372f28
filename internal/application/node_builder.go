package application

import (
	"context"
	"fmt"

	"github.com/Shugur-Network/relaymux/internal/broker"
	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/connpool"
	"github.com/Shugur-Network/relaymux/internal/domain"
	"github.com/Shugur-Network/relaymux/internal/health"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/multiplexer"
	"github.com/Shugur-Network/relaymux/internal/relaygroup"
	"github.com/Shugur-Network/relaymux/internal/reputation"
	"github.com/Shugur-Network/relaymux/internal/selection"
	"github.com/Shugur-Network/relaymux/internal/signer"
	"github.com/Shugur-Network/relaymux/internal/storage"
	"github.com/Shugur-Network/relaymux/internal/web"
	"go.uber.org/zap"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	store      domain.Store
	reputation *reputation.Store
	stats      *reputation.StatStore
	connPool   *connpool.Pool
	selector   *selection.Selector
	signer     domain.Signer
	pubkey     string
	mux        *multiplexer.Pool
	groups     *relaygroup.Manager
	broker     *broker.Broker
	server     *broker.Server
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// BuildStorage opens the configured key-value backend.
func (b *NodeBuilder) BuildStorage() error {
	logger.Info("Opening storage",
		zap.String("backend", b.config.Storage.Backend),
		zap.String("path", b.config.Storage.Path))

	store, err := storage.Open(b.ctx, b.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", b.config.Storage.Backend, err)
	}
	if err := store.Ping(b.ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("storage ping failed: %w", err)
	}
	b.store = store
	return nil
}

// BuildReputation wires the relay descriptor store and the per-pubkey stat
// cache on top of storage.
func (b *NodeBuilder) BuildReputation() {
	b.reputation = reputation.NewStore(b.store)
	b.stats = reputation.NewStatStore(b.store)
}

// BuildConnPool creates the short-lived connection pool. Every open
// outcome is recorded against the relay's descriptor.
func (b *NodeBuilder) BuildConnPool() {
	b.connPool = connpool.New(b.config.Pool, b.reputation)
}

func (b *NodeBuilder) BuildSelection() {
	b.selector = selection.New(b.config.Selection, b.connPool, b.reputation, b.stats)
}

// BuildSigner loads the signing key. Without one the node still runs but
// group sync fails with a sign error.
func (b *NodeBuilder) BuildSigner() error {
	s, err := signer.FromConfig(b.config.Signer)
	if err != nil {
		return fmt.Errorf("failed to load signer: %w", err)
	}
	b.signer = s

	if pk, err := s.PublicKey(b.ctx); err == nil {
		b.pubkey = pk
		logger.Info("Signer loaded", zap.String("pubkey", pk))
	} else {
		logger.Warn("No signer configured; relay group sync is disabled")
	}
	return nil
}

// BuildMultiplexer creates the long-lived relay sockets shared by every port.
func (b *NodeBuilder) BuildMultiplexer() {
	b.mux = multiplexer.New(b.config.Pool, multiplexer.WithOutcomeRecorder(b.reputation))
}

// BuildRelayGroups creates the group manager for the signer's pubkey,
// publishing through the multiplexer.
func (b *NodeBuilder) BuildRelayGroups() {
	b.groups = relaygroup.NewManager(b.pubkey, b.store, b.signer, b.mux)
}

func (b *NodeBuilder) BuildBroker() {
	b.broker = broker.New(b.mux, b.config.Broker)
}

// BuildServer assembles the websocket listener with its health, API and
// metrics routes.
func (b *NodeBuilder) BuildServer() {
	checker := health.NewHealthChecker(b.store, b.mux, b.broker, b.config, logger.New("health"), config.Version)
	api := web.NewHandler(logger.New("web"), b.mux, b.reputation)

	opts := []broker.ServerOption{
		broker.WithHealth(checker.HandleHealth),
		broker.WithAPI(api),
	}
	if b.config.Metrics.Enabled && b.config.Metrics.Port == 0 {
		opts = append(opts, broker.WithMetrics())
	}
	b.server = broker.NewServer(b.broker, b.config.Broker, opts...)
}

// Build assembles the Node. Each Build* step must have run first.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.store == nil {
		return nil, fmt.Errorf("storage must be built before calling Build()")
	}
	if b.selector == nil {
		return nil, fmt.Errorf("selection must be built before calling Build()")
	}
	if b.mux == nil {
		return nil, fmt.Errorf("multiplexer must be built before calling Build()")
	}
	if b.broker == nil || b.server == nil {
		return nil, fmt.Errorf("broker and server must be built before calling Build()")
	}
	if b.groups == nil {
		return nil, fmt.Errorf("relay groups must be built before calling Build()")
	}

	return &Node{
		ctx:        b.ctx,
		cancel:     b.cancel,
		config:     b.config,
		store:      b.store,
		reputation: b.reputation,
		selector:   b.selector,
		signer:     b.signer,
		pubkey:     b.pubkey,
		mux:        b.mux,
		groups:     b.groups,
		broker:     b.broker,
		server:     b.server,
		served:     make(chan struct{}),
	}, nil
}
