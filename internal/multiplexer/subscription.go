package multiplexer

import (
	"context"
	"sync"

	"github.com/Shugur-Network/relaymux/internal/metrics"
	"github.com/Shugur-Network/relaymux/internal/socket"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/willf/bloom"
)

// Reasons a subscription ends with.
const (
	ReasonUnsubscribed     = "unsubscribed"
	ReasonEvicted          = "evicted"
	ReasonReplaced         = "replaced"
	ReasonConnectionClosed = "connection closed"
	ReasonSwitched         = "relays switched"
	ReasonPortClosed       = "port closed"
	ReasonPoolClosed       = "pool closed"
)

const (
	dedupCapacity      = 5000
	dedupFalsePositive = 1e-6
)

// Delivery is one event routed back to the port that asked for it.
type Delivery struct {
	PortID uint64
	SubID  string
	Relay  string
	Event  *nostr.Event
}

// dedup remembers event ids for one logical subscription across all of
// its relays.
type dedup struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

func newDedup() *dedup {
	return &dedup{filter: bloom.NewWithEstimates(dedupCapacity, dedupFalsePositive)}
}

// first reports whether id has not been seen yet, and remembers it.
func (d *dedup) first(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.filter.TestAndAddString(id)
}

// Subscription is one port's REQ on one relay. Events is never closed;
// select on Done to learn that the subscription ended.
type Subscription struct {
	PortID    uint64
	ID        string
	Relay     string
	KeepAlive bool

	wireID string
	filter nostr.Filter
	seen   *dedup
	pool   *Pool
	sock   *relaySocket

	events   chan Delivery
	eose     chan struct{}
	done     chan struct{}
	eoseOnce sync.Once
	doneOnce sync.Once

	mu     sync.Mutex
	stream *socket.Stream
	reason string
}

func newSubscription(p *Pool, sock *relaySocket, portID uint64, subID string, keepAlive bool, f nostr.Filter, seen *dedup) *Subscription {
	return &Subscription{
		PortID:    portID,
		ID:        subID,
		Relay:     sock.url,
		KeepAlive: keepAlive,
		wireID:    newWireID(),
		filter:    f,
		seen:      seen,
		pool:      p,
		sock:      sock,
		events:    make(chan Delivery, p.eventBuffer),
		eose:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// WireID is the sub id used on the relay socket.
func (s *Subscription) WireID() string { return s.wireID }

func (s *Subscription) Events() <-chan Delivery { return s.events }
func (s *Subscription) EOSE() <-chan struct{}   { return s.eose }
func (s *Subscription) Done() <-chan struct{}   { return s.done }

// Reason says why the subscription ended. Empty while it is live.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close ends the subscription and sends CLOSE to the relay.
func (s *Subscription) Close() {
	s.pool.closeSub(s, ReasonUnsubscribed)
}

// Collect gathers events until EOSE, the end of the subscription or ctx
// expiring. Events buffered before EOSE are included.
func (s *Subscription) Collect(ctx context.Context) []Delivery {
	var out []Delivery
	for {
		select {
		case d := <-s.events:
			out = append(out, d)
		case <-s.eose:
			return s.drain(out)
		case <-s.done:
			return s.drain(out)
		case <-ctx.Done():
			return s.drain(out)
		}
	}
}

func (s *Subscription) drain(out []Delivery) []Delivery {
	for {
		select {
		case d := <-s.events:
			out = append(out, d)
		default:
			return out
		}
	}
}

func (s *Subscription) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// end marks the subscription finished once and releases its relay stream.
func (s *Subscription) end(reason string) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		st := s.stream
		s.stream = nil
		s.mu.Unlock()
		close(s.done)
		if st != nil {
			st.Unsubscribe()
		}
	})
}

// attach binds a freshly issued relay stream and starts forwarding. It
// reports false when the subscription already ended.
func (s *Subscription) attach(st *socket.Stream, conn *socket.Conn) bool {
	s.mu.Lock()
	if s.isDone() {
		s.mu.Unlock()
		return false
	}
	s.stream = st
	s.mu.Unlock()
	go s.forward(st, conn)
	return true
}

// detach forgets the stream of a dropped socket, keeping the subscription
// alive for re-issue.
func (s *Subscription) detach() {
	s.mu.Lock()
	s.stream = nil
	s.mu.Unlock()
}

func (s *Subscription) forward(st *socket.Stream, conn *socket.Conn) {
	eose := st.EOSE()
	for {
		select {
		case in := <-st.Events():
			if !s.deliver(in) {
				return
			}
		case <-eose:
			eose = nil
			if !s.flush(st) {
				return
			}
			s.eoseOnce.Do(func() { close(s.eose) })
		case <-st.Done():
			if !s.flush(st) {
				return
			}
			if s.isDone() || conn.IsClosed() || st.Reason() == ReasonReplaced {
				// the socket owner handles drops; local ends need nothing
				return
			}
			s.pool.closeSub(s, st.Reason())
			return
		case <-s.done:
			return
		}
	}
}

// flush delivers whatever the stream still buffers.
func (s *Subscription) flush(st *socket.Stream) bool {
	for {
		select {
		case in := <-st.Events():
			if !s.deliver(in) {
				return false
			}
		default:
			return true
		}
	}
}

func (s *Subscription) deliver(in socket.IncomingEvent) bool {
	if !s.seen.first(in.Event.ID) {
		metrics.DuplicateEvents.Inc()
		return true
	}
	select {
	case s.events <- Delivery{PortID: s.PortID, SubID: s.ID, Relay: s.Relay, Event: in.Event}:
		return true
	case <-s.done:
		return false
	}
}
