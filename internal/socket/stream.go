package socket

import (
	"context"
	"sync"

	"github.com/Shugur-Network/relaymux/internal/metrics"
	nostr "github.com/nbd-wtf/go-nostr"
)

// IncomingEvent is an event delivered on a subscription.
type IncomingEvent struct {
	Relay string
	SubID string
	Event *nostr.Event
}

// Stream is the consumer side of one REQ on one socket. Events is never
// closed; select on Done to learn that the stream ended.
type Stream struct {
	id   string
	conn *Conn

	events chan IncomingEvent
	eose   chan struct{}
	done   chan struct{}

	eoseOnce   sync.Once
	finishOnce sync.Once
	unsubOnce  sync.Once

	reasonMu sync.Mutex
	reason   string
}

func newStream(c *Conn, id string, buffer int) *Stream {
	metrics.IncrementActiveSubscriptions()
	return &Stream{
		id:     id,
		conn:   c,
		events: make(chan IncomingEvent, buffer),
		eose:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Stream) ID() string                   { return s.id }
func (s *Stream) Relay() string                { return s.conn.url }
func (s *Stream) Events() <-chan IncomingEvent { return s.events }
func (s *Stream) EOSE() <-chan struct{}        { return s.eose }
func (s *Stream) Done() <-chan struct{}        { return s.done }

// Reason is the relay's CLOSED message, or a local reason once the stream
// has ended. Empty while the stream is live.
func (s *Stream) Reason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

// Unsubscribe ends the stream and, if the socket is still open, sends
// CLOSE once. It is safe to call repeatedly and after the relay or the
// socket already ended the stream.
func (s *Stream) Unsubscribe() {
	s.unsubOnce.Do(func() {
		stillMine := s.conn.removeStream(s)
		s.finish("unsubscribed")
		if stillMine && !s.conn.IsClosed() {
			ctx, cancel := context.WithTimeout(context.Background(), s.conn.opts.WriteTimeout)
			defer cancel()
			_ = s.conn.sendClose(ctx, s.id)
		}
	})
}

// Collect gathers events until EOSE, the stream ending, or ctx expiring.
// Events buffered before EOSE are always included.
func (s *Stream) Collect(ctx context.Context) []IncomingEvent {
	var out []IncomingEvent
	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		case <-s.eose:
			return s.drain(out)
		case <-s.done:
			return s.drain(out)
		case <-ctx.Done():
			return s.drain(out)
		}
	}
}

func (s *Stream) drain(out []IncomingEvent) []IncomingEvent {
	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (s *Stream) markEOSE() {
	s.eoseOnce.Do(func() { close(s.eose) })
}

func (s *Stream) finish(reason string) {
	s.finishOnce.Do(func() {
		s.reasonMu.Lock()
		s.reason = reason
		s.reasonMu.Unlock()
		close(s.done)
		metrics.DecrementActiveSubscriptions()
	})
}

// deliver blocks until the consumer takes ev or the stream or socket ends.
func (s *Stream) deliver(ev IncomingEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	case <-s.conn.done:
	}
}
