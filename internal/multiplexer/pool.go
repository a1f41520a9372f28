// Package multiplexer keeps a switchable set of relays connected and
// shares their sockets between many ports. Each port sees only its own
// subscriptions, even when ports reuse the same subscription ids.
package multiplexer

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/connpool"
	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/domain"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/metrics"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/socket"
	"github.com/Shugur-Network/relaymux/internal/wire"
	"github.com/Shugur-Network/relaymux/internal/workers"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// InternalPort owns the subscriptions the node opens for itself. Broker
// ports start at 1.
const InternalPort uint64 = 0

var newWireID = wire.NewSubID

// ErrPoolClosed is returned once Close has run.
var ErrPoolClosed = apperrors.New(apperrors.ErrorTypeInternal, apperrors.CodeSocketClosed, "multiplexer closed")

// RelaySet is a named set of relays to keep connected.
type RelaySet struct {
	ID     string   `json:"id"`
	Relays []string `json:"relays"`
}

// StatusListener receives the connect status of every relay in the set.
type StatusListener func(status map[string]bool)

// Option configures a Pool.
type Option func(*Pool)

// WithOpener swaps the dialer, for tests.
func WithOpener(o connpool.Opener) Option { return func(p *Pool) { p.open = o } }

// WithOutcomeRecorder reports every dial outcome, typically to the
// reputation store.
func WithOutcomeRecorder(r domain.OutcomeRecorder) Option {
	return func(p *Pool) { p.recorder = r }
}

type subKey struct {
	port uint64
	id   string
}

// Pool multiplexes ports over one socket per relay.
type Pool struct {
	open     connpool.Opener
	sockOpts socket.Options
	recorder domain.OutcomeRecorder
	log      *zap.Logger

	maxSub          int
	maxKeepAliveSub int
	reconnectIdle   time.Duration
	opTimeout       time.Duration
	writeTimeout    time.Duration
	eventBuffer     int

	status *xsync.MapOf[string, bool]
	notify *workers.WorkerPool

	mu       sync.Mutex
	set      RelaySet
	order    []string
	sockets  map[string]*relaySocket
	subs     map[subKey][]*Subscription
	portSubs map[uint64]map[string]struct{}
	closed   bool

	lmu             sync.RWMutex
	statusListeners []StatusListener
	noticeListeners []func(relay, message string)
	authListeners   []func(relay, challenge string)
}

// New builds an empty pool. Call SwitchRelays to connect.
func New(cfg config.PoolConfig, opts ...Option) *Pool {
	p := &Pool{
		open:            socket.Open,
		log:             logger.New("multiplexer"),
		maxSub:          orDefault(cfg.MaxSub, constants.DefaultMaxSub),
		maxKeepAliveSub: orDefault(cfg.MaxKeepAliveSub, constants.DefaultMaxKeepAliveSub),
		reconnectIdle:   orDefaultDuration(cfg.ReconnectIdle, constants.DefaultReconnectIdle),
		opTimeout:       orDefaultDuration(cfg.OpTimeout, constants.DefaultOpTimeout),
		writeTimeout:    orDefaultDuration(cfg.WriteTimeout, constants.DefaultWriteTimeout),
		eventBuffer:     256,
		status:          xsync.NewMapOf[string, bool](),
		notify:          workers.NewWorkerPool(1, 1024),
		sockets:         make(map[string]*relaySocket),
		subs:            make(map[subKey][]*Subscription),
		portSubs:        make(map[uint64]map[string]struct{}),
	}
	p.sockOpts = socket.OptionsFromConfig(cfg)
	p.sockOpts.OnNotice = p.relayNotice
	p.sockOpts.OnAuth = p.relayAuth
	for _, o := range opts {
		o(p)
	}
	return p
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

/* ------------------------------------------------------------------ *
|  Listeners                                                          |
* -------------------------------------------------------------------*/

func (p *Pool) AddStatusListener(fn StatusListener) {
	p.lmu.Lock()
	p.statusListeners = append(p.statusListeners, fn)
	p.lmu.Unlock()
}

func (p *Pool) AddNoticeListener(fn func(relay, message string)) {
	p.lmu.Lock()
	p.noticeListeners = append(p.noticeListeners, fn)
	p.lmu.Unlock()
}

func (p *Pool) AddAuthListener(fn func(relay, challenge string)) {
	p.lmu.Lock()
	p.authListeners = append(p.authListeners, fn)
	p.lmu.Unlock()
}

func (p *Pool) relayNotice(relay, message string) {
	p.lmu.RLock()
	fns := append([]func(string, string){}, p.noticeListeners...)
	p.lmu.RUnlock()
	for _, fn := range fns {
		fn := fn
		p.dispatch("notice", func() { fn(relay, message) })
	}
}

func (p *Pool) relayAuth(relay, challenge string) {
	p.lmu.RLock()
	fns := append([]func(string, string){}, p.authListeners...)
	p.lmu.RUnlock()
	for _, fn := range fns {
		fn := fn
		p.dispatch("auth", func() { fn(relay, challenge) })
	}
}

func (p *Pool) emitStatus() {
	snapshot := p.Status()
	connected := 0
	for _, ok := range snapshot {
		if ok {
			connected++
		}
	}
	metrics.SetConnectedRelays(connected)

	p.lmu.RLock()
	fns := append([]StatusListener(nil), p.statusListeners...)
	p.lmu.RUnlock()
	for _, fn := range fns {
		fn := fn
		p.dispatch("status", func() { fn(snapshot) })
	}
}

func (p *Pool) dispatch(kind string, job func()) {
	if !p.notify.AddJob(job) {
		p.log.Warn("listener queue full, dropping notification", zap.String("kind", kind))
	}
}

// setStatus records a socket's connect status and notifies listeners when
// it changed. Sockets no longer in the set are ignored.
func (p *Pool) setStatus(r *relaySocket, connected bool) {
	p.mu.Lock()
	if p.closed || p.sockets[r.url] != r {
		p.mu.Unlock()
		return
	}
	prev, _ := p.status.Load(r.url)
	p.status.Store(r.url, connected)
	p.mu.Unlock()
	if prev != connected {
		p.emitStatus()
	}
}

func (p *Pool) recordOutcome(url string, ok bool) {
	if p.recorder == nil || reflect.ValueOf(p.recorder).IsNil() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opTimeout)
	defer cancel()
	var err error
	if ok {
		err = p.recorder.IncrementSuccess(ctx, url)
	} else {
		err = p.recorder.IncrementFailure(ctx, url)
	}
	if err != nil {
		p.log.Debug("failed to record relay outcome", zap.String("relay", url), zap.Error(err))
	}
}

/* ------------------------------------------------------------------ *
|  Relay set                                                          |
* -------------------------------------------------------------------*/

// Status is a snapshot of the connect status of every relay in the set.
func (p *Pool) Status() map[string]bool {
	out := make(map[string]bool)
	p.status.Range(func(url string, ok bool) bool {
		out[url] = ok
		return true
	})
	return out
}

// Relays returns the active relay set.
func (p *Pool) Relays() RelaySet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return RelaySet{ID: p.set.ID, Relays: append([]string(nil), p.order...)}
}

// ConnectedCount is the number of relays with an open socket, and the
// size of the set.
func (p *Pool) ConnectedCount() (connected, total int) {
	p.status.Range(func(_ string, ok bool) bool {
		total++
		if ok {
			connected++
		}
		return true
	})
	return connected, total
}

// SocketState reports the connect state of a relay in the set.
func (p *Pool) SocketState(url string) (State, bool) {
	p.mu.Lock()
	r, ok := p.sockets[models.NormalizeURL(url)]
	p.mu.Unlock()
	if !ok {
		return StateClosed, false
	}
	return r.State(), true
}

// SwitchRelays closes every socket, ending their subscriptions, then
// connects the new set.
func (p *Pool) SwitchRelays(set RelaySet) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	old := p.sockets
	p.sockets = make(map[string]*relaySocket)
	p.subs = make(map[subKey][]*Subscription)
	p.portSubs = make(map[uint64]map[string]struct{})
	p.order = p.order[:0]
	p.status.Clear()

	seen := make(map[string]struct{}, len(set.Relays))
	var fresh []*relaySocket
	for _, raw := range set.Relays {
		url := models.NormalizeURL(raw)
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		r := newRelaySocket(p, url)
		p.sockets[url] = r
		p.order = append(p.order, url)
		p.status.Store(url, false)
		fresh = append(fresh, r)
	}
	p.set = RelaySet{ID: set.ID, Relays: append([]string(nil), p.order...)}
	p.mu.Unlock()

	ended := 0
	for _, r := range old {
		for _, s := range r.stop() {
			s.end(ReasonSwitched)
			ended++
		}
	}
	for _, r := range fresh {
		r.start()
	}
	p.log.Info("switched relays",
		zap.String("set", set.ID),
		zap.Int("relays", len(fresh)),
		zap.Int("ended_subscriptions", ended))
	p.emitStatus()
	return nil
}

// Close stops every socket and ends every subscription.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	old := p.sockets
	p.sockets = make(map[string]*relaySocket)
	p.subs = make(map[subKey][]*Subscription)
	p.portSubs = make(map[uint64]map[string]struct{})
	p.order = nil
	p.mu.Unlock()

	for _, r := range old {
		for _, s := range r.stop() {
			s.end(ReasonPoolClosed)
		}
	}
	p.status.Clear()
	metrics.SetConnectedRelays(0)
	p.notify.Stop()
}

// matching returns the sockets a target selects, in set order.
func (p *Pool) matching(t Target) []*relaySocket {
	match := t.matcher()
	var out []*relaySocket
	for _, url := range p.order {
		connected, _ := p.status.Load(url)
		if match(url, connected) {
			out = append(out, p.sockets[url])
		}
	}
	return out
}

/* ------------------------------------------------------------------ *
|  Subscriptions                                                      |
* -------------------------------------------------------------------*/

// SubFilter opens subID for portID on every relay the target selects and
// returns one subscription per relay. An existing subscription of the
// port with the same id is replaced. An empty subID gets a random one.
func (p *Pool) SubFilter(portID uint64, filter nostr.Filter, keepAlive bool, subID string, target Target) ([]*Subscription, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if err := wire.ValidateFilter(filter); err != nil {
		return nil, err
	}
	if subID == "" {
		subID = wire.NewSubID()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	key := subKey{port: portID, id: subID}
	replaced := p.subs[key]
	delete(p.subs, key)

	seen := newDedup()
	var subs []*Subscription
	for _, r := range p.matching(target) {
		subs = append(subs, newSubscription(p, r, portID, subID, keepAlive, filter, seen))
	}
	if len(subs) > 0 {
		p.subs[key] = subs
	}
	switch {
	case len(subs) > 0 && keepAlive:
		ids := p.portSubs[portID]
		if ids == nil {
			ids = make(map[string]struct{})
			p.portSubs[portID] = ids
		}
		ids[subID] = struct{}{}
	case len(replaced) > 0:
		// The replaced keep-alive is gone even if nothing took its place.
		if ids := p.portSubs[portID]; ids != nil {
			delete(ids, subID)
			if len(ids) == 0 {
				delete(p.portSubs, portID)
			}
		}
	}
	p.mu.Unlock()

	for _, s := range replaced {
		p.closeSub(s, ReasonReplaced)
	}
	for _, s := range subs {
		evicted, ok := s.sock.add(s)
		if !ok {
			p.closeSub(s, ReasonSwitched)
			continue
		}
		for _, e := range evicted {
			p.closeSub(e, ReasonEvicted)
		}
	}
	p.log.Debug("subscribed",
		zap.Uint64("port", portID),
		zap.String("sub_id", subID),
		zap.Bool("keep_alive", keepAlive),
		zap.String("target", target.Mode.String()),
		zap.Int("relays", len(subs)))
	return subs, nil
}

// closeSub detaches s from its socket and the port tables, then ends it.
func (p *Pool) closeSub(s *Subscription, reason string) {
	s.sock.remove(s)
	p.forget(s)
	s.end(reason)
}

func (p *Pool) forget(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := subKey{port: s.PortID, id: s.ID}
	list := p.subs[key]
	for i, v := range list {
		if v == s {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) > 0 {
		p.subs[key] = list
		return
	}
	if _, ok := p.subs[key]; !ok {
		return
	}
	delete(p.subs, key)
	if ids := p.portSubs[s.PortID]; ids != nil {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(p.portSubs, s.PortID)
		}
	}
}

// PortSubs lists the keep-alive subscription ids a port holds.
func (p *Pool) PortSubs(portID uint64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.portSubs[portID]))
	for id := range p.portSubs[portID] {
		out = append(out, id)
	}
	return out
}

// CloseSub ends every relay's copy of a port's subscription.
func (p *Pool) CloseSub(portID uint64, subID string) int {
	p.mu.Lock()
	subs := append([]*Subscription(nil), p.subs[subKey{port: portID, id: subID}]...)
	p.mu.Unlock()
	for _, s := range subs {
		p.closeSub(s, ReasonUnsubscribed)
	}
	return len(subs)
}

// ClosePort ends every subscription the port still holds, keep-alive ones
// included, on every socket, then forgets the port.
func (p *Pool) ClosePort(portID uint64) int {
	p.mu.Lock()
	var subs []*Subscription
	for key, list := range p.subs {
		if key.port == portID {
			subs = append(subs, list...)
		}
	}
	p.mu.Unlock()

	for _, s := range subs {
		p.closeSub(s, ReasonPortClosed)
	}
	p.mu.Lock()
	delete(p.portSubs, portID)
	p.mu.Unlock()
	p.log.Debug("closed port", zap.Uint64("port", portID), zap.Int("subscriptions", len(subs)))
	return len(subs)
}

/* ------------------------------------------------------------------ *
|  Publishing                                                         |
* -------------------------------------------------------------------*/

// PubEvent sends ev to every relay the target selects. The channel yields
// one result per relay, tagged with the event id, and is closed after the
// last one. Relays that are not connected answer with a failure.
func (p *Pool) PubEvent(ctx context.Context, portID uint64, ev *nostr.Event, target Target) (<-chan domain.PublishResult, int, error) {
	if err := target.Validate(); err != nil {
		return nil, 0, err
	}
	if ev == nil || ev.ID == "" {
		return nil, 0, apperrors.ValidationError("INVALID_EVENT", "event has no id")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, 0, ErrPoolClosed
	}
	socks := p.matching(target)
	p.mu.Unlock()

	out := make(chan domain.PublishResult, len(socks))
	var wg sync.WaitGroup
	for _, r := range socks {
		wg.Add(1)
		go func(r *relaySocket) {
			defer wg.Done()
			out <- r.publish(ctx, ev)
		}(r)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	p.log.Debug("publishing event",
		zap.Uint64("port", portID),
		zap.String("event_id", ev.ID),
		zap.Int("relays", len(socks)))
	return out, len(socks), nil
}

// Publish implements domain.Publisher. relays nil means every connected
// relay. It fails with ErrNoRelays when no relay accepted the event.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event, relays []string) ([]domain.PublishResult, error) {
	acks, _, err := p.PubEvent(ctx, InternalPort, ev, TargetFor(relays))
	if err != nil {
		return nil, err
	}
	var results []domain.PublishResult
	accepted := false
	for res := range acks {
		results = append(results, res)
		accepted = accepted || res.IsSuccess
	}
	if !accepted {
		return results, apperrors.ErrNoRelays
	}
	return results, nil
}

// Query implements domain.Querier over the shared sockets: a one-shot
// subscription collected until every relay sent EOSE or the op timeout.
func (p *Pool) Query(ctx context.Context, relays []string, filter nostr.Filter) ([]domain.RelayEvent, error) {
	subs, err := p.SubFilter(InternalPort, filter, false, wire.NewSubID(), TargetFor(relays))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	var (
		mu  sync.Mutex
		out []domain.RelayEvent
		wg  sync.WaitGroup
	)
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			defer s.Close()
			got := s.Collect(ctx)
			mu.Lock()
			for _, d := range got {
				out = append(out, domain.RelayEvent{Relay: d.Relay, Event: d.Event})
			}
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	return out, nil
}
