// Package socket owns a single WebSocket connection to a relay: dialing,
// the read loop that demultiplexes relay frames, keep-alive pings and
// serialized, rate limited writes.
package socket

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/metrics"
	"github.com/Shugur-Network/relaymux/internal/wire"
	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errPongTimeout = stderrors.New("no pong from relay")

// Conn is an open relay socket.
type Conn struct {
	url  string
	ws   *websocket.Conn
	opts Options
	log  *zap.Logger

	writeMu sync.Mutex
	limiter *rate.Limiter

	mu      sync.Mutex
	streams map[string]*Stream
	acks    map[string][]chan wire.OKFrame

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
	lastPong  atomic.Int64
	startTime time.Time
}

// Open dials url and starts the read and ping loops. Dial failures and
// timeouts come back as errors.ConnectionError.
func Open(ctx context.Context, url string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()

	ws, resp, err := opts.Dialer.DialContext(dialCtx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		appErr := apperrors.ConnectionError(url, err)
		status := "failure"
		if appErr.Code == apperrors.CodeOpenTimeout {
			status = "timeout"
		}
		metrics.SocketOpens.WithLabelValues(status).Inc()
		return nil, appErr
	}
	metrics.SocketOpens.WithLabelValues("success").Inc()
	metrics.IncrementActiveSockets()

	c := &Conn{
		url:       url,
		ws:        ws,
		opts:      opts,
		log:       logger.New("socket").With(zap.String("relay", url)),
		streams:   make(map[string]*Stream),
		acks:      make(map[string][]chan wire.OKFrame),
		done:      make(chan struct{}),
		startTime: time.Now(),
	}
	if opts.SendRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst)
	}
	c.lastPong.Store(time.Now().UnixNano())

	ws.SetReadLimit(opts.MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	go c.readLoop()
	if opts.PingInterval > 0 {
		go c.pingLoop()
	}

	c.log.Debug("relay socket open")
	return c, nil
}

func (c *Conn) URL() string { return c.url }

// Done is closed when the socket dies for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// IsClosed reports whether the socket has been closed.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Err is the cause of death: nil for an explicit Close, the read or write
// error otherwise. Only meaningful after Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the socket down. Safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

/* ------------------------------------------------------------------ *
|  Outbound                                                           |
* -------------------------------------------------------------------*/

// Publish sends ["EVENT", ev]. The returned channel yields exactly one OK
// for ev.ID: the relay's answer, or a rejection if the socket dies first.
func (c *Conn) Publish(ctx context.Context, ev *nostr.Event) (<-chan wire.OKFrame, error) {
	data, err := wire.EncodeEvent(ev)
	if err != nil {
		return nil, apperrors.InternalError("encode event", err)
	}

	ack := make(chan wire.OKFrame, 1)
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, apperrors.ErrSocketClosed
	}
	c.acks[ev.ID] = append(c.acks[ev.ID], ack)
	c.mu.Unlock()

	if err := c.write(ctx, wire.LabelEvent, data); err != nil {
		c.dropAck(ev.ID, ack)
		return nil, err
	}
	return ack, nil
}

// Subscribe sends ["REQ", subID, filters...] and returns the stream that
// receives its events. Reusing a live subID replaces the old stream, as
// relays do.
func (c *Conn) Subscribe(ctx context.Context, subID string, filters ...nostr.Filter) (*Stream, error) {
	if err := wire.ValidateSubID(subID); err != nil {
		return nil, err
	}
	data, err := wire.EncodeReq(subID, filters...)
	if err != nil {
		return nil, err
	}

	s := newStream(c, subID, c.opts.EventBuffer)
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		s.finish("connection closed")
		return nil, apperrors.ErrSocketClosed
	}
	old := c.streams[subID]
	c.streams[subID] = s
	c.mu.Unlock()
	if old != nil {
		old.finish("replaced")
	}

	if err := c.write(ctx, wire.LabelReq, data); err != nil {
		c.removeStream(s)
		s.finish("request failed")
		return nil, err
	}
	return s, nil
}

// Query runs a one-shot REQ: events until EOSE or ctx expiry, then CLOSE.
func (c *Conn) Query(ctx context.Context, filter nostr.Filter) ([]IncomingEvent, error) {
	s, err := c.Subscribe(ctx, wire.NewSubID(), filter)
	if err != nil {
		return nil, err
	}
	defer s.Unsubscribe()
	return s.Collect(ctx), nil
}

func (c *Conn) sendClose(ctx context.Context, subID string) error {
	data, err := wire.EncodeClose(subID)
	if err != nil {
		return err
	}
	return c.write(ctx, wire.LabelClose, data)
}

// write serializes one frame onto the socket. A failed write kills the
// socket.
func (c *Conn) write(ctx context.Context, label string, data []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.RateLimitError(c.url)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return apperrors.ErrSocketClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	err := c.ws.WriteMessage(websocket.TextMessage, data)
	_ = c.ws.SetWriteDeadline(time.Time{})
	if err != nil {
		go c.shutdown(err)
		return apperrors.WebSocketError("write", err).WithRelay(c.url)
	}
	metrics.FramesSent.WithLabelValues(label).Inc()
	return nil
}

/* ------------------------------------------------------------------ *
|  Inbound                                                            |
* -------------------------------------------------------------------*/

func (c *Conn) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovered from panic in read loop", zap.Any("panic", r))
			c.shutdown(apperrors.InternalError("read loop panic", nil))
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("relay closed connection")
			} else if !c.closed.Load() {
				c.log.Debug("relay read error", zap.Error(err))
			}
			c.shutdown(err)
			return
		}

		frame, err := wire.ParseServerFrame(data)
		if err != nil {
			reason := "malformed"
			if stderrors.Is(err, wire.ErrUnknownFrame) {
				reason = "unknown_type"
			}
			metrics.ProtocolErrors.WithLabelValues(reason).Inc()
			c.log.Debug("dropping relay frame", zap.String("reason", reason), zap.Error(err))
			continue
		}
		metrics.FramesReceived.WithLabelValues(frame.Label()).Inc()
		c.dispatch(frame)
	}
}

func (c *Conn) dispatch(frame wire.ServerFrame) {
	switch f := frame.(type) {
	case wire.EventFrame:
		s := c.stream(f.SubID)
		if s == nil {
			metrics.ProtocolErrors.WithLabelValues("unknown_subscription").Inc()
			return
		}
		if c.opts.VerifySignatures {
			if ok, err := f.Event.CheckSignature(); !ok || err != nil {
				metrics.ProtocolErrors.WithLabelValues("bad_signature").Inc()
				c.log.Debug("dropping event with bad signature", zap.String("event_id", f.Event.ID))
				return
			}
		}
		metrics.IncrementEventsReceived()
		s.deliver(IncomingEvent{Relay: c.url, SubID: f.SubID, Event: f.Event})

	case wire.EOSEFrame:
		if s := c.stream(f.SubID); s != nil {
			s.markEOSE()
		}

	case wire.OKFrame:
		c.resolveAck(f)

	case wire.NoticeFrame:
		c.log.Debug("relay notice", zap.String("message", f.Message))
		if c.opts.OnNotice != nil {
			c.opts.OnNotice(c.url, f.Message)
		}

	case wire.AuthFrame:
		if c.opts.OnAuth != nil {
			c.opts.OnAuth(c.url, f.Challenge)
		}

	case wire.ClosedFrame:
		c.mu.Lock()
		s := c.streams[f.SubID]
		delete(c.streams, f.SubID)
		c.mu.Unlock()
		if s != nil {
			c.log.Debug("relay closed subscription", zap.String("sub_id", f.SubID), zap.String("reason", f.Reason))
			s.finish(f.Reason)
		}
	}
}

func (c *Conn) stream(id string) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// removeStream forgets s if it is still the stream registered under its
// id, and reports whether it was.
func (c *Conn) removeStream(s *Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[s.id] != s {
		return false
	}
	delete(c.streams, s.id)
	return true
}

func (c *Conn) resolveAck(f wire.OKFrame) {
	c.mu.Lock()
	waiters := c.acks[f.EventID]
	delete(c.acks, f.EventID)
	c.mu.Unlock()

	result := "rejected"
	if f.Accepted {
		result = "accepted"
	}
	metrics.PublishAcks.WithLabelValues(result).Inc()
	for _, ch := range waiters {
		ch <- f
		close(ch)
	}
}

func (c *Conn) dropAck(id string, ack chan wire.OKFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.acks[id]
	for i, ch := range list {
		if ch == ack {
			c.acks[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.acks[id]) == 0 {
		delete(c.acks, id)
	}
}

/* ------------------------------------------------------------------ *
|  Keep-alive & shutdown                                              |
* -------------------------------------------------------------------*/

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > 2*c.opts.PingInterval {
				c.log.Debug("relay connection dead (no pong)")
				c.shutdown(errPongTimeout)
				return
			}
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("relay ping failed", zap.Error(err))
				c.shutdown(err)
				return
			}
		}
	}
}

// shutdown tears the socket down once: every live stream ends, every
// pending publish is rejected, then OnClose fires.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		c.err = cause
		streams := c.streams
		acks := c.acks
		c.streams = make(map[string]*Stream)
		c.acks = make(map[string][]chan wire.OKFrame)
		c.mu.Unlock()
		close(c.done)

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()

		for _, s := range streams {
			s.finish("connection closed")
		}
		for id, waiters := range acks {
			for _, ch := range waiters {
				ch <- wire.OKFrame{EventID: id, Accepted: false, Reason: "connection closed"}
				close(ch)
			}
		}

		metrics.DecrementActiveSockets()
		c.log.Debug("relay socket closed",
			zap.Duration("connection_duration", time.Since(c.startTime)),
			zap.Error(cause))
		if c.opts.OnClose != nil {
			c.opts.OnClose(c.url, cause)
		}
	})
}
