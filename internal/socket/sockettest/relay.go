// Package sockettest runs scripted in-process Nostr relays for tests.
package sockettest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shugur-Network/relaymux/internal/wire"
	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
)

// Counter tracks concurrent connections across any number of relays.
type Counter struct {
	current atomic.Int64
	peak    atomic.Int64
	total   atomic.Int64
}

func (c *Counter) inc() {
	n := c.current.Add(1)
	c.total.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (c *Counter) dec() { c.current.Add(-1) }

func (c *Counter) Current() int64 { return c.current.Load() }
func (c *Counter) Peak() int64    { return c.peak.Load() }
func (c *Counter) Total() int64   { return c.total.Load() }

// Relay is a fake relay. It serves its stored events to every REQ
// (honouring filter matching and limit), then EOSE, and answers every
// EVENT with OK.
type Relay struct {
	URL string

	srv      *httptest.Server
	upgrader websocket.Upgrader
	counter  *Counter
	own      Counter

	mu        sync.Mutex
	events    []*nostr.Event
	reqs      []wire.ClientReq
	closes    []string
	published []*nostr.Event
	conns     map[*websocket.Conn]*sync.Mutex

	delay     time.Duration
	noEOSE    bool
	silent    bool
	reject    string
	onConnect []string
}

// Option configures a Relay.
type Option func(*Relay)

// WithEvents preloads stored events.
func WithEvents(evs ...*nostr.Event) Option {
	return func(r *Relay) { r.events = append(r.events, evs...) }
}

// WithDelay holds every REQ and EVENT answer for d.
func WithDelay(d time.Duration) Option { return func(r *Relay) { r.delay = d } }

// WithoutEOSE never sends EOSE.
func WithoutEOSE() Option { return func(r *Relay) { r.noEOSE = true } }

// Silent accepts the connection but never answers anything.
func Silent() Option { return func(r *Relay) { r.silent = true } }

// RejectingWith answers every EVENT with OK false and reason.
func RejectingWith(reason string) Option { return func(r *Relay) { r.reject = reason } }

// WithCounter counts this relay's connections into a shared counter as
// well as its own.
func WithCounter(c *Counter) Option { return func(r *Relay) { r.counter = c } }

// WithGreeting sends raw frames right after the upgrade.
func WithGreeting(frames ...string) Option {
	return func(r *Relay) { r.onConnect = append(r.onConnect, frames...) }
}

// New starts a relay that shuts down with the test.
func New(t testing.TB, opts ...Option) *Relay {
	t.Helper()
	r := &Relay{
		conns:    make(map[*websocket.Conn]*sync.Mutex),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	for _, o := range opts {
		o(r)
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	r.URL = "ws" + strings.TrimPrefix(r.srv.URL, "http")
	t.Cleanup(r.Close)
	return r
}

// Close drops every connection and stops the server.
func (r *Relay) Close() {
	r.DropConnections()
	r.srv.Close()
}

// DropConnections closes every open connection without stopping the
// server, so clients can reconnect.
func (r *Relay) DropConnections() {
	r.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Broadcast writes a raw frame to every open connection.
func (r *Relay) Broadcast(frame string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c, mu := range r.conns {
		mu.Lock()
		_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
		mu.Unlock()
	}
}

// AddEvent stores ev for future REQs and pushes it to open subscriptions
// whose filter matches.
func (r *Relay) AddEvent(ev *nostr.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	reqs := append([]wire.ClientReq(nil), r.reqs...)
	closed := make(map[string]bool, len(r.closes))
	for _, id := range r.closes {
		closed[id] = true
	}
	r.mu.Unlock()

	for _, req := range reqs {
		if closed[req.SubID] {
			continue
		}
		for _, f := range req.Filters {
			if f.Matches(ev) {
				frame, _ := wire.EncodeEventFrame(req.SubID, ev)
				r.Broadcast(string(frame))
				break
			}
		}
	}
}

func (r *Relay) Counter() *Counter { return &r.own }

// Reqs returns every REQ received so far.
func (r *Relay) Reqs() []wire.ClientReq {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.ClientReq(nil), r.reqs...)
}

// Closes returns every CLOSE subscription id received so far.
func (r *Relay) Closes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closes...)
}

// Published returns every EVENT received so far.
func (r *Relay) Published() []*nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*nostr.Event(nil), r.published...)
}

// OpenSubs is the number of REQs not yet closed by the client.
func (r *Relay) OpenSubs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	closed := make(map[string]int, len(r.closes))
	for _, id := range r.closes {
		closed[id]++
	}
	open := 0
	for _, q := range r.reqs {
		if closed[q.SubID] > 0 {
			closed[q.SubID]--
			continue
		}
		open++
	}
	return open
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	writeMu := &sync.Mutex{}
	r.mu.Lock()
	r.conns[ws] = writeMu
	r.mu.Unlock()
	r.own.inc()
	if r.counter != nil {
		r.counter.inc()
	}
	defer func() {
		r.mu.Lock()
		delete(r.conns, ws)
		r.mu.Unlock()
		r.own.dec()
		if r.counter != nil {
			r.counter.dec()
		}
		_ = ws.Close()
	}()

	send := func(frame []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.WriteMessage(websocket.TextMessage, frame)
	}
	for _, g := range r.onConnect {
		send([]byte(g))
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.ParseClientFrame(data)
		if err != nil {
			continue
		}
		switch f := frame.(type) {
		case wire.ClientReq:
			r.mu.Lock()
			r.reqs = append(r.reqs, f)
			stored := append([]*nostr.Event(nil), r.events...)
			r.mu.Unlock()
			if r.silent {
				continue
			}
			go r.answerReq(send, f, stored)
		case wire.ClientEvent:
			r.mu.Lock()
			r.published = append(r.published, f.Event)
			r.mu.Unlock()
			if r.silent {
				continue
			}
			go r.answerEvent(send, f.Event)
		case wire.ClientClose:
			r.mu.Lock()
			r.closes = append(r.closes, f.SubID)
			r.mu.Unlock()
		}
	}
}

func (r *Relay) answerReq(send func([]byte), req wire.ClientReq, stored []*nostr.Event) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	sent := 0
	for _, ev := range stored {
		for _, f := range req.Filters {
			if f.Limit > 0 && sent >= f.Limit {
				break
			}
			if f.Matches(ev) {
				frame, _ := wire.EncodeEventFrame(req.SubID, ev)
				send(frame)
				sent++
				break
			}
		}
	}
	if !r.noEOSE {
		frame, _ := wire.EncodeEOSE(req.SubID)
		send(frame)
	}
}

func (r *Relay) answerEvent(send func([]byte), ev *nostr.Event) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	frame, _ := wire.EncodeOK(ev.ID, r.reject == "", r.reject)
	send(frame)
}

// Event builds a signed event with a fresh key. Tests that need a stable
// author pass sk.
func Event(t testing.TB, sk string, kind int, createdAt int64, tags nostr.Tags) *nostr.Event {
	t.Helper()
	if sk == "" {
		sk = nostr.GeneratePrivateKey()
	}
	ev := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      tags,
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign event: %v", err)
	}
	return ev
}
