package broker

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/domain"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/metrics"
	"github.com/Shugur-Network/relaymux/internal/multiplexer"
	"github.com/Shugur-Network/relaymux/internal/wire"
	"github.com/google/uuid"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Transport carries commands to a broker and its messages back. *Port is
// the in-process transport and *RemotePort the websocket one.
type Transport interface {
	Send(ctx context.Context, requestID string, cmd Command) error
	Messages() <-chan Message
	Close()
}

// Send runs cmd on the port. Errors come back synchronously, so the
// request id is unused.
func (p *Port) Send(ctx context.Context, _ string, cmd Command) error {
	return p.Do(ctx, cmd)
}

// Caller is the client side of a port. It turns the port's message stream
// back into per-call results.
type Caller struct {
	t    Transport
	idle time.Duration
	log  *zap.Logger

	mu       sync.Mutex
	portID   uint64
	info     *RelayInfo
	subs     map[string]*Iterator
	pubs     map[string]chan domain.PublishResult
	reqs     map[string]chan error
	waiters  []chan *RelayInfo
	onInfo   func(*RelayInfo)
	onNotice func(relay, notice string)
	onAuth   func(relay, challenge string)

	ready chan struct{}
	done  chan struct{}
}

// NewCaller starts reading from t. idle bounds how long a one-shot
// subscription or a publish waits for the next message; zero means the
// 2s default.
func NewCaller(t Transport, idle time.Duration) *Caller {
	if idle <= 0 {
		idle = constants.DefaultIdleTimeout
	}
	c := &Caller{
		t:     t,
		idle:  idle,
		log:   logger.New("caller"),
		subs:  make(map[string]*Iterator),
		pubs:  make(map[string]chan domain.PublishResult),
		reqs:  make(map[string]chan error),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// PortID waits for the broker to name the port.
func (c *Caller) PortID(ctx context.Context) (uint64, error) {
	select {
	case <-c.ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.portID, nil
	case <-c.done:
		return 0, ErrPortClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done is closed once the port's message stream ends.
func (c *Caller) Done() <-chan struct{} { return c.done }

// OnRelayInfo, OnNotice and OnAuth register listeners for relay-wide
// messages. They run on the dispatch goroutine and must not block.
func (c *Caller) OnRelayInfo(fn func(*RelayInfo)) {
	c.mu.Lock()
	c.onInfo = fn
	c.mu.Unlock()
}

func (c *Caller) OnNotice(fn func(relay, notice string)) {
	c.mu.Lock()
	c.onNotice = fn
	c.mu.Unlock()
}

func (c *Caller) OnAuth(fn func(relay, challenge string)) {
	c.mu.Lock()
	c.onAuth = fn
	c.mu.Unlock()
}

// RelayInfo is the last relay info the port received, or nil.
func (c *Caller) RelayInfo() *RelayInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *Caller) dispatch() {
	defer close(c.done)
	for m := range c.t.Messages() {
		switch m.Kind {
		case KindPortID:
			c.mu.Lock()
			first := c.portID == 0
			c.portID = m.PortID
			c.mu.Unlock()
			if first {
				close(c.ready)
			}
		case KindEvent, KindSubEnd:
			c.mu.Lock()
			it := c.subs[m.SubID]
			c.mu.Unlock()
			if it != nil {
				it.push(m)
			}
		case KindPubResult:
			if m.PubResult == nil {
				continue
			}
			c.mu.Lock()
			ch := c.pubs[m.PubResult.EventID]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- *m.PubResult:
				default:
				}
			}
		case KindError:
			c.mu.Lock()
			errc := c.reqs[m.RequestID]
			c.mu.Unlock()
			err := apperrors.ValidationError(m.Code, m.Reason)
			if errc == nil {
				c.log.Debug("unmatched command error", zap.String("code", m.Code), zap.String("reason", m.Reason))
				continue
			}
			select {
			case errc <- err:
			default:
			}
		case KindRelayInfo:
			c.mu.Lock()
			c.info = m.RelayInfo
			waiters := c.waiters
			c.waiters = nil
			fn := c.onInfo
			c.mu.Unlock()
			for _, w := range waiters {
				w <- m.RelayInfo
			}
			if fn != nil {
				fn(m.RelayInfo)
			}
		case KindNotice:
			c.mu.Lock()
			fn := c.onNotice
			c.mu.Unlock()
			if fn != nil {
				fn(m.RelayURL, m.Notice)
			}
		case KindAuthChallenge:
			c.mu.Lock()
			fn := c.onAuth
			c.mu.Unlock()
			if fn != nil {
				fn(m.RelayURL, m.Challenge)
			}
		}
	}
}

// send registers an error slot for the request, then sends cmd.
func (c *Caller) send(ctx context.Context, cmd Command) (string, chan error, error) {
	reqID := uuid.NewString()
	errc := make(chan error, 1)
	c.mu.Lock()
	c.reqs[reqID] = errc
	c.mu.Unlock()
	if err := c.t.Send(ctx, reqID, cmd); err != nil {
		c.release(reqID)
		return "", nil, err
	}
	return reqID, errc, nil
}

func (c *Caller) release(reqID string) {
	c.mu.Lock()
	delete(c.reqs, reqID)
	c.mu.Unlock()
}

// do sends cmd and waits briefly for an asynchronous rejection.
func (c *Caller) do(ctx context.Context, cmd Command) error {
	reqID, errc, err := c.send(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.release(reqID)
	return c.await(ctx, errc)
}

// await returns a rejection that arrives within the idle window.
// Commands that succeed are not acknowledged.
func (c *Caller) await(ctx context.Context, errc chan error) error {
	timer := time.NewTimer(c.idle)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-timer.C:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubFilter opens a subscription on the targeted relays. A one-shot
// iterator ends once no message arrived for the idle timeout; a keep-alive
// one runs until closed.
func (c *Caller) SubFilter(ctx context.Context, filter nostr.Filter, target multiplexer.Target, keepAlive bool) (*Iterator, error) {
	it := &Iterator{
		c:         c,
		subID:     wire.NewSubID(),
		keepAlive: keepAlive,
		ch:        make(chan Message, 64),
		closed:    make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[it.subID] = it
	c.mu.Unlock()

	reqID, errc, err := c.send(ctx, Subscribe{Filter: filter, Target: target, SubID: it.subID, KeepAlive: keepAlive})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, it.subID)
		c.mu.Unlock()
		return nil, err
	}
	it.reqID, it.errc = reqID, errc
	return it, nil
}

// PubEvent publishes ev and collects relay acks until none arrived for the
// idle timeout.
func (c *Caller) PubEvent(ctx context.Context, ev *nostr.Event, target multiplexer.Target) ([]domain.PublishResult, error) {
	acks := make(chan domain.PublishResult, 64)
	c.mu.Lock()
	c.pubs[ev.ID] = acks
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pubs, ev.ID)
		c.mu.Unlock()
	}()

	reqID, errc, err := c.send(ctx, Publish{Event: ev, Target: target})
	if err != nil {
		return nil, err
	}
	defer c.release(reqID)

	var results []domain.PublishResult
	timer := time.NewTimer(c.idle)
	defer timer.Stop()
	for {
		select {
		case res := <-acks:
			results = append(results, res)
			timer.Reset(c.idle)
		case err := <-errc:
			return results, err
		case <-timer.C:
			return results, nil
		case <-c.done:
			return results, nil
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}
}

// SwitchRelays replaces the relay set for every port.
func (c *Caller) SwitchRelays(ctx context.Context, set multiplexer.RelaySet) error {
	return c.do(ctx, SwitchRelays{Set: set})
}

// PullRelayInfo asks for the current relay info and waits for it.
func (c *Caller) PullRelayInfo(ctx context.Context) (*RelayInfo, error) {
	w := make(chan *RelayInfo, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	reqID, errc, err := c.send(ctx, PullRelayInfo{})
	if err != nil {
		return nil, err
	}
	defer c.release(reqID)
	select {
	case info := <-w:
		return info, nil
	case err := <-errc:
		return nil, err
	case <-c.done:
		return nil, ErrPortClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect closes every relay socket for every port.
func (c *Caller) Disconnect(ctx context.Context) error {
	return c.do(ctx, Disconnect{})
}

// Close closes the port and the transport.
func (c *Caller) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), c.idle)
	defer cancel()
	_ = c.t.Send(ctx, uuid.NewString(), ClosePort{})
	c.t.Close()
}

/* ------------------------------------------------------------------ *
|  Iterator                                                           |
* -------------------------------------------------------------------*/

// Iterator yields the events of one subscription across every targeted
// relay.
type Iterator struct {
	c         *Caller
	subID     string
	reqID     string
	keepAlive bool
	ch        chan Message
	errc      chan error
	closed    chan struct{}
	once      sync.Once

	mu      sync.Mutex
	err     error
	ended   []string
	dropped int
}

func (it *Iterator) SubID() string { return it.subID }

// Err is the error that ended the iterator, if any.
func (it *Iterator) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Ended lists "relay: reason" for every relay whose subscription ended.
func (it *Iterator) Ended() []string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]string(nil), it.ended...)
}

// Dropped is the number of messages lost because the iterator was not
// read fast enough.
func (it *Iterator) Dropped() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.dropped
}

// push never blocks: an iterator nobody reads must not stall the other
// calls sharing the dispatch loop.
func (it *Iterator) push(m Message) {
	select {
	case it.ch <- m:
	case <-it.closed:
	default:
		it.mu.Lock()
		it.dropped++
		it.mu.Unlock()
		metrics.CallerDropped.WithLabelValues(string(m.Kind)).Inc()
	}
}

// Next returns the next event. It returns false once the subscription is
// over; Err then reports why, if it failed.
func (it *Iterator) Next(ctx context.Context) (Message, bool) {
	var idle <-chan time.Time
	var timer *time.Timer
	if !it.keepAlive {
		timer = time.NewTimer(it.c.idle)
		defer timer.Stop()
		idle = timer.C
	}
	for {
		select {
		case m := <-it.ch:
			if m.Kind == KindEvent {
				return m, true
			}
			// no relay matched the target
			if m.RelayURL == "" {
				it.finish(nil)
				return Message{}, false
			}
			it.mu.Lock()
			it.ended = append(it.ended, m.RelayURL+": "+m.Reason)
			it.mu.Unlock()
			if timer != nil {
				timer.Reset(it.c.idle)
			}
		case err := <-it.errc:
			it.finish(err)
			return Message{}, false
		case <-idle:
			it.finish(nil)
			return Message{}, false
		case <-it.closed:
			return Message{}, false
		case <-it.c.done:
			it.finish(ErrPortClosed)
			return Message{}, false
		case <-ctx.Done():
			it.finish(ctx.Err())
			return Message{}, false
		}
	}
}

// All ranges over the remaining events.
func (it *Iterator) All(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		defer it.Close()
		for {
			m, ok := it.Next(ctx)
			if !ok || !yield(m) {
				return
			}
		}
	}
}

// Collect drains a one-shot iterator into a slice.
func (it *Iterator) Collect(ctx context.Context) []domain.RelayEvent {
	var out []domain.RelayEvent
	for m := range it.All(ctx) {
		out = append(out, domain.RelayEvent{Relay: m.RelayURL, Event: m.Event})
	}
	return out
}

func (it *Iterator) finish(err error) {
	it.mu.Lock()
	if it.err == nil {
		it.err = err
	}
	it.mu.Unlock()
	it.Close()
}

// Close ends the subscription on every relay. Safe to call more than once.
func (it *Iterator) Close() {
	it.once.Do(func() {
		close(it.closed)
		it.c.mu.Lock()
		delete(it.c.subs, it.subID)
		it.c.mu.Unlock()
		it.c.release(it.reqID)

		select {
		case <-it.c.done:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), it.c.idle)
		defer cancel()
		if err := it.c.t.Send(ctx, uuid.NewString(), Unsubscribe{SubID: it.subID}); err != nil {
			it.c.log.Debug("unsubscribe failed", zap.String("sub", it.subID), zap.Error(err))
		}
	})
}
