package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Shugur-Network/relaymux/internal/broker"
	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/domain"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/multiplexer"
	"github.com/Shugur-Network/relaymux/internal/relaygroup"
	"github.com/Shugur-Network/relaymux/internal/reputation"
	"github.com/Shugur-Network/relaymux/internal/selection"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SeedSetID names the relay set a node connects to when started with no
// other set.
const SeedSetID = "seed"

// Node owns the multiplexer, the broker and everything they depend on.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	config     *config.Config
	store      domain.Store
	reputation *reputation.Store
	selector   *selection.Selector
	signer     domain.Signer
	pubkey     string
	mux        *multiplexer.Pool
	groups     *relaygroup.Manager
	broker     *broker.Broker
	server     *broker.Server

	metricsSrv *http.Server
	started    bool
	served     chan struct{}
	bg         sync.WaitGroup
	shutdown   sync.Once
	startTime  time.Time
}

// New creates and configures a Node using the NodeBuilder pattern. Nothing
// listens until Start.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	// 1) Construct a NodeBuilder
	builder := NewNodeBuilder(ctx, cfg)

	// 2) Storage first; everything persistent sits on it
	if err := builder.BuildStorage(); err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed building storage: %w", err)
	}

	// 3) Reputation, connection pool, selection
	builder.BuildReputation()
	builder.BuildConnPool()
	builder.BuildSelection()

	// 4) Signer
	if err := builder.BuildSigner(); err != nil {
		builder.cancel()
		_ = builder.store.Close()
		return nil, err
	}

	// 5) Multiplexer, relay groups, broker, server
	builder.BuildMultiplexer()
	builder.BuildRelayGroups()
	builder.BuildBroker()
	builder.BuildServer()

	// 6) Finally assemble the Node
	node, err := builder.Build()
	if err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start connects the seed relays, then serves the broker listener (and the
// metrics listener when it has its own port) in the background.
func (n *Node) Start(ctx context.Context) error {
	if n.started {
		return fmt.Errorf("node already started")
	}
	n.started = true
	n.startTime = time.Now()

	if seeds := n.config.Selection.SeedRelays; len(seeds) > 0 && len(n.mux.Relays().Relays) == 0 {
		if err := n.mux.SwitchRelays(multiplexer.RelaySet{ID: SeedSetID, Relays: seeds}); err != nil {
			return fmt.Errorf("failed to connect seed relays: %w", err)
		}
		logger.Info("Connecting seed relays", zap.Int("count", len(seeds)))
	}

	go func() {
		defer close(n.served)
		if err := n.server.ListenAndServe(n.ctx); err != nil {
			logger.Error("Server error", zap.Error(err))
			n.cancel()
		}
	}()

	if n.config.Metrics.Enabled && n.config.Metrics.Port != 0 {
		n.startMetricsServer()
	}

	n.bg.Add(1)
	go func() {
		defer n.bg.Done()
		n.refreshActiveRelays()
	}()

	logger.Debug("Node started", zap.String("ws_addr", n.config.Broker.WSAddr))
	return nil
}

func (n *Node) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	n.metricsSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", n.config.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	n.bg.Add(1)
	go func() {
		defer n.bg.Done()
		logger.Info("Metrics listening", zap.Int("port", n.config.Metrics.Port))
		if err := n.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
}

// refreshActiveRelays fetches NIP-11 documents for the active set when they
// are outdated.
func (n *Node) refreshActiveRelays() {
	urls := n.mux.Relays().Relays
	if len(urls) == 0 {
		return
	}
	refreshed, failed := n.selector.RefreshRelayInfo(n.ctx, urls)
	if refreshed > 0 || failed > 0 {
		logger.Debug("Relay info refreshed", zap.Int("count", refreshed), zap.Int("failed", failed))
	}
}

// Shutdown gracefully shuts down the node. It is safe to call more than once.
func (n *Node) Shutdown() {
	n.shutdown.Do(n.doShutdown)
}

func (n *Node) doShutdown() {
	logger.Info("Initiating graceful shutdown...")
	shutdownTimeout := n.config.Broker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErrors []error

	// Step 1: Cancel the node context; the listener stops accepting
	n.cancel()
	if n.started {
		select {
		case <-n.served:
			logger.Debug("Broker listener stopped")
		case <-shutdownCtx.Done():
			shutdownErrors = append(shutdownErrors, fmt.Errorf("listener shutdown timed out after %v", shutdownTimeout))
		}
	}

	// Step 2: Metrics listener
	if n.metricsSrv != nil {
		if err := n.metricsSrv.Shutdown(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics shutdown: %w", err))
		}
	}

	// Step 3: Close every port, then the relay sockets they share
	n.broker.Close()
	logger.Debug("Broker and multiplexer closed")

	// Step 4: Background jobs
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.bg.Wait()
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		shutdownErrors = append(shutdownErrors, fmt.Errorf("background jobs did not finish within %v", shutdownTimeout))
	}

	// Step 5: Storage last
	if err := n.store.Close(); err != nil {
		shutdownErrors = append(shutdownErrors, fmt.Errorf("storage close: %w", err))
	}

	if len(shutdownErrors) > 0 {
		logger.Warn("Node shutdown completed with errors",
			zap.Int("error_count", len(shutdownErrors)),
			zap.Errors("errors", shutdownErrors),
			zap.Duration("shutdown_timeout", shutdownTimeout))
	} else {
		logger.Info("Node shutdown completed successfully",
			zap.Duration("shutdown_timeout", shutdownTimeout))
	}
}

// Done is closed once the node context is canceled, by Shutdown or by a
// listener failure.
func (n *Node) Done() <-chan struct{} { return n.ctx.Done() }
