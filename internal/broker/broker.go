// Package broker lets many independent clients, called ports, share one
// multiplexer. Each port sends commands and receives only the messages
// produced for it, plus relay-wide notifications.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/Shugur-Network/relaymux/internal/config"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/limiter"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/metrics"
	"github.com/Shugur-Network/relaymux/internal/multiplexer"
	"github.com/Shugur-Network/relaymux/internal/wire"
	"go.uber.org/zap"
)

// ErrBrokerClosed is returned once Close has run.
var ErrBrokerClosed = apperrors.New(apperrors.ErrorTypeInternal, "BROKER_CLOSED", "broker closed")

// Broker routes port commands to the multiplexer and relay output back to
// the ports that asked for it.
type Broker struct {
	mux     *multiplexer.Pool
	limiter *limiter.Registry
	outbox  int
	maxPort int
	log     *zap.Logger

	mu     sync.RWMutex
	ports  map[uint64]*Port
	nextID uint64
	closed bool
}

// New wires a broker onto mux. Relay status changes, notices and auth
// challenges are fanned out to every port.
func New(mux *multiplexer.Pool, cfg config.BrokerConfig) *Broker {
	b := &Broker{
		mux:     mux,
		outbox:  cfg.OutboxSize,
		maxPort: cfg.MaxPorts,
		log:     logger.New("broker"),
		ports:   make(map[uint64]*Port),
	}
	if b.outbox <= 0 {
		b.outbox = 256
	}
	if cfg.RateLimit.Enabled {
		b.limiter = limiter.NewRegistry(limiter.LimitFromConfig(cfg.RateLimit))
	}

	mux.AddStatusListener(func(map[string]bool) {
		info := b.relayInfo()
		b.broadcast(0, func(id uint64) Message {
			return Message{Kind: KindRelayInfo, PortID: id, RelayInfo: info}
		})
	})
	mux.AddNoticeListener(func(relay, notice string) {
		b.broadcast(0, func(id uint64) Message {
			return Message{Kind: KindNotice, PortID: id, RelayURL: relay, Notice: notice}
		})
	})
	mux.AddAuthListener(func(relay, challenge string) {
		b.broadcast(0, func(id uint64) Message {
			return Message{Kind: KindAuthChallenge, PortID: id, RelayURL: relay, Challenge: challenge}
		})
	})
	return b
}

// Connect opens a port. Port ids start at 1 and are never reused. The
// first message on the port is its PortID.
func (b *Broker) Connect() (*Port, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	if b.maxPort > 0 && len(b.ports) >= b.maxPort {
		b.mu.Unlock()
		return nil, apperrors.RateLimitError("ports")
	}
	b.nextID++
	p := newPort(b, b.nextID, b.outbox)
	b.ports[p.id] = p
	b.mu.Unlock()

	metrics.IncrementPorts()
	metrics.BrokerPorts.Inc()
	p.send(Message{Kind: KindPortID, PortID: p.id})
	go p.loop()
	b.log.Debug("port connected", zap.Uint64("port", p.id))
	return p, nil
}

// Disconnect closes a port, ending its subscriptions.
func (b *Broker) Disconnect(p *Port) { p.Close() }

// Port looks up an open port.
func (b *Broker) Port(id uint64) (*Port, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.ports[id]
	return p, ok
}

// Ports is the number of open ports.
func (b *Broker) Ports() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ports)
}

// Multiplexer exposes the shared pool.
func (b *Broker) Multiplexer() *multiplexer.Pool { return b.mux }

// Close closes every port, then the multiplexer.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ports := make([]*Port, 0, len(b.ports))
	for _, p := range b.ports {
		ports = append(ports, p)
	}
	b.mu.Unlock()

	for _, p := range ports {
		p.Close()
	}
	b.mux.Close()
	b.log.Info("broker closed", zap.Int("ports", len(ports)))
}

// release forgets p once it closed.
func (b *Broker) release(p *Port) {
	b.mu.Lock()
	_, ok := b.ports[p.id]
	delete(b.ports, p.id)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.mux.ClosePort(p.id)
	if b.limiter != nil {
		b.limiter.Forget(portKey(p.id))
	}
	metrics.DecrementPorts()
	metrics.BrokerPorts.Dec()
	b.log.Debug("port closed", zap.Uint64("port", p.id))
}

// broadcast sends a message to every port except skip.
func (b *Broker) broadcast(skip uint64, build func(id uint64) Message) {
	b.mu.RLock()
	ports := make([]*Port, 0, len(b.ports))
	for id, p := range b.ports {
		if id != skip {
			ports = append(ports, p)
		}
	}
	b.mu.RUnlock()
	for _, p := range ports {
		p.send(build(p.id))
	}
}

func (b *Broker) relayInfo() *RelayInfo {
	set := b.mux.Relays()
	return &RelayInfo{ID: set.ID, Relays: set.Relays, WsConnectStatus: b.mux.Status()}
}

func portKey(id uint64) string { return fmt.Sprintf("port:%d", id) }

/* ------------------------------------------------------------------ *
|  Command handling                                                   |
* -------------------------------------------------------------------*/

func (b *Broker) handle(p *Port, cmd Command) error {
	name := cmd.commandName()
	start := time.Now()
	defer func() {
		metrics.BrokerCommands.WithLabelValues(name).Inc()
		metrics.CommandProcessingDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	if b.limiter != nil {
		if err := b.limiter.Allow(portKey(p.id)); err != nil {
			return err
		}
	}

	switch c := cmd.(type) {
	case Subscribe:
		return b.subscribe(p, c)
	case Unsubscribe:
		b.mux.CloseSub(p.id, c.SubID)
		return nil
	case Publish:
		return b.publish(p, c)
	case SwitchRelays:
		if err := b.mux.SwitchRelays(c.Set); err != nil {
			return err
		}
		info := b.relayInfo()
		b.broadcast(p.id, func(id uint64) Message {
			return Message{Kind: KindRelayInfo, PortID: id, RelayInfo: info}
		})
		return nil
	case PullRelayInfo:
		p.send(Message{Kind: KindRelayInfo, PortID: p.id, RelayInfo: b.relayInfo()})
		return nil
	case Disconnect:
		set := b.mux.Relays()
		return b.mux.SwitchRelays(multiplexer.RelaySet{ID: set.ID})
	case ClosePort:
		p.Close()
		return nil
	default:
		return apperrors.ValidationError("UNKNOWN_COMMAND", fmt.Sprintf("unknown command %T", cmd))
	}
}

func (b *Broker) subscribe(p *Port, c Subscribe) error {
	if c.SubID == "" {
		return apperrors.ValidationError("MISSING_SUB_ID", "subscribe needs a subscription id")
	}
	if err := wire.ValidateSubID(c.SubID); err != nil {
		return err
	}
	subs, err := b.mux.SubFilter(p.id, c.Filter, c.KeepAlive, c.SubID, c.Target)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		p.send(Message{Kind: KindSubEnd, PortID: p.id, SubID: c.SubID, Reason: "no matching relays"})
		return nil
	}
	for _, s := range subs {
		go p.pump(s)
	}
	return nil
}

func (b *Broker) publish(p *Port, c Publish) error {
	acks, _, err := b.mux.PubEvent(p.ctx, p.id, c.Event, c.Target)
	if err != nil {
		return err
	}
	go func() {
		for res := range acks {
			res := res
			p.send(Message{Kind: KindPubResult, PortID: p.id, RelayURL: res.RelayURL, PubResult: &res})
		}
	}()
	return nil
}
