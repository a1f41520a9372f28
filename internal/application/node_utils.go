package application

import (
	"time"

	"github.com/Shugur-Network/relaymux/internal/broker"
	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/domain"
	"github.com/Shugur-Network/relaymux/internal/multiplexer"
	"github.com/Shugur-Network/relaymux/internal/relaygroup"
	"github.com/Shugur-Network/relaymux/internal/reputation"
	"github.com/Shugur-Network/relaymux/internal/selection"
)

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Store returns the node's key-value store.
func (n *Node) Store() domain.Store {
	return n.store
}

// Reputation returns the relay descriptor store.
func (n *Node) Reputation() *reputation.Store {
	return n.reputation
}

// Selector returns the relay selector.
func (n *Node) Selector() *selection.Selector {
	return n.selector
}

// Multiplexer returns the shared relay sockets.
func (n *Node) Multiplexer() *multiplexer.Pool {
	return n.mux
}

// Broker returns the port broker.
func (n *Node) Broker() *broker.Broker {
	return n.broker
}

// Groups returns the relay group manager for the signer's pubkey.
func (n *Node) Groups() *relaygroup.Manager {
	return n.groups
}

// Signer returns the configured signer.
func (n *Node) Signer() domain.Signer {
	return n.signer
}

// Pubkey returns the signer's public key, or "" when none is configured.
func (n *Node) Pubkey() string {
	return n.pubkey
}

// Server returns the broker's websocket listener.
func (n *Node) Server() *broker.Server {
	return n.server
}

// GetStartTime returns when the node was started (for health checks)
func (n *Node) GetStartTime() time.Time {
	return n.startTime
}
