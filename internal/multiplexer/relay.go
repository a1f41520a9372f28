package multiplexer

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/relaymux/internal/domain"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/metrics"
	"github.com/Shugur-Network/relaymux/internal/socket"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// State is where a relay socket is in its connect cycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// relaySocket keeps one relay connected for the multiplexer and owns the
// subscriptions issued on it, oldest first.
type relaySocket struct {
	pool *Pool
	url  string
	log  *zap.Logger

	mu      sync.Mutex
	conn    *socket.Conn
	state   State
	subs    []*Subscription
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
}

// newRelaySocket owns its context from the start so a stop that lands
// before start still cancels the dial loop.
func newRelaySocket(p *Pool, url string) *relaySocket {
	ctx, cancel := context.WithCancel(context.Background())
	return &relaySocket{
		pool:   p,
		url:    url,
		log:    logger.New("multiplexer").With(zap.String("relay", url)),
		ctx:    ctx,
		cancel: cancel,
		exited: make(chan struct{}),
	}
}

func (r *relaySocket) start() {
	go r.run(r.ctx)
}

// run dials, waits for the socket to die, then redials after the idle
// delay until the socket is stopped.
func (r *relaySocket) run(ctx context.Context) {
	defer close(r.exited)
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			metrics.Reconnects.Inc()
		}
		r.setState(StateConnecting)
		conn, err := r.pool.open(ctx, r.url, r.pool.sockOpts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Debug("relay connect failed", zap.Error(err), zap.Int("attempt", attempt))
			r.pool.recordOutcome(r.url, false)
			r.setState(StateDisconnected)
		} else {
			r.pool.recordOutcome(r.url, true)
			if !r.attach(conn) {
				_ = conn.Close()
				return
			}
			select {
			case <-conn.Done():
				r.log.Debug("relay socket dropped", zap.Error(conn.Err()))
				r.detach(conn)
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}

		idle := time.NewTimer(r.pool.reconnectIdle)
		select {
		case <-ctx.Done():
			idle.Stop()
			return
		case <-idle.C:
		}
	}
}

func (r *relaySocket) setState(s State) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.state = s
	r.mu.Unlock()
	r.pool.setStatus(r, s == StateConnected)
}

func (r *relaySocket) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// attach makes conn current and issues every subscription waiting on the
// socket. It reports false when the socket was stopped while dialing.
func (r *relaySocket) attach(conn *socket.Conn) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.conn = conn
	r.state = StateConnected
	pending := append([]*Subscription(nil), r.subs...)
	r.mu.Unlock()

	r.pool.setStatus(r, true)
	for _, s := range pending {
		r.issue(conn, s)
	}
	if len(pending) > 0 {
		r.log.Debug("issued waiting subscriptions", zap.Int("count", len(pending)))
	}
	return true
}

// detach handles a dropped socket: one-shot subscriptions end, keep-alive
// ones wait for the next connection.
func (r *relaySocket) detach(conn *socket.Conn) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	if !r.stopped {
		r.state = StateDisconnected
	}
	subs := append([]*Subscription(nil), r.subs...)
	r.mu.Unlock()

	r.pool.setStatus(r, false)
	for _, s := range subs {
		if s.KeepAlive {
			s.detach()
			continue
		}
		r.pool.closeSub(s, ReasonConnectionClosed)
	}
}

func (r *relaySocket) issue(conn *socket.Conn, s *Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), r.pool.writeTimeout)
	defer cancel()
	st, err := conn.Subscribe(ctx, s.wireID, s.filter)
	if err != nil {
		// a dead socket is picked up by run; the subscription waits there
		r.log.Debug("subscribe failed", zap.String("sub_id", s.ID), zap.Error(err))
		return
	}
	if !s.attach(st, conn) {
		st.Unsubscribe()
	}
}

// add registers s, evicting to respect the per-socket caps, and issues it
// right away when the socket is connected. It reports the evicted
// subscriptions, and false when the socket was already stopped.
func (r *relaySocket) add(s *Subscription) ([]*Subscription, bool) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, false
	}
	var evicted []*Subscription
	if s.KeepAlive && r.keepAliveCount() >= r.pool.maxKeepAliveSub {
		if i := r.oldestKeepAlive(); i >= 0 {
			evicted = append(evicted, r.subs[i])
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			metrics.SubscriptionEvictions.WithLabelValues("max_keepalive").Inc()
		}
	}
	if len(r.subs) >= r.pool.maxSub {
		evicted = append(evicted, r.subs[0])
		r.subs = r.subs[1:]
		metrics.SubscriptionEvictions.WithLabelValues("max_sub").Inc()
	}
	r.subs = append(r.subs, s)
	conn := r.conn
	r.mu.Unlock()

	for _, e := range evicted {
		r.log.Debug("evicting subscription",
			zap.Uint64("port", e.PortID),
			zap.String("sub_id", e.ID),
			zap.Bool("keep_alive", e.KeepAlive))
	}
	if conn != nil {
		r.issue(conn, s)
	}
	return evicted, true
}

// callers hold mu
func (r *relaySocket) keepAliveCount() int {
	n := 0
	for _, s := range r.subs {
		if s.KeepAlive {
			n++
		}
	}
	return n
}

// callers hold mu
func (r *relaySocket) oldestKeepAlive() int {
	for i, s := range r.subs {
		if s.KeepAlive {
			return i
		}
	}
	return -1
}

func (r *relaySocket) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.subs {
		if v == s {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// Subs returns the live subscriptions on the socket, oldest first.
func (r *relaySocket) Subs() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Subscription(nil), r.subs...)
}

func (r *relaySocket) current() *socket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// stop closes the socket for good and hands back its subscriptions.
func (r *relaySocket) stop() []*Subscription {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.state = StateClosed
	conn := r.conn
	r.conn = nil
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	r.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	return subs
}

// publish sends ev and waits for the relay's OK, up to the op timeout.
func (r *relaySocket) publish(ctx context.Context, ev *nostr.Event) domain.PublishResult {
	res := domain.PublishResult{EventID: ev.ID, RelayURL: r.url}
	conn := r.current()
	if conn == nil {
		res.Reason = "not connected"
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, r.pool.opTimeout)
	defer cancel()
	ack, err := conn.Publish(ctx, ev)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	select {
	case ok := <-ack:
		res.IsSuccess = ok.Accepted
		res.Reason = ok.Reason
	case <-ctx.Done():
		metrics.PublishAcks.WithLabelValues("timeout").Inc()
		res.Reason = "timeout"
	}
	return res
}
