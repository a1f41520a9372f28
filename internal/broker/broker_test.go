package broker

import (
	"context"
	"testing"
	"time"

	"github.com/Shugur-Network/relaymux/internal/config"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/multiplexer"
	"github.com/Shugur-Network/relaymux/internal/socket/sockettest"
	nostr "github.com/nbd-wtf/go-nostr"
)

func testBroker(t *testing.T, cfg config.BrokerConfig, relays ...string) *Broker {
	t.Helper()
	mux := multiplexer.New(config.PoolConfig{
		OpTimeout:       2 * time.Second,
		OpenTimeout:     time.Second,
		WriteTimeout:    time.Second,
		MaxSub:          10,
		MaxKeepAliveSub: 2,
		ReconnectIdle:   50 * time.Millisecond,
	})
	if err := mux.SwitchRelays(multiplexer.RelaySet{ID: "test", Relays: relays}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "relays connected", func() bool {
		connected, total := mux.ConnectedCount()
		return connected == total
	})
	if cfg.OutboxSize == 0 {
		cfg.OutboxSize = 64
	}
	b := New(mux, cfg)
	t.Cleanup(b.Close)
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// next skips messages until one of the wanted kind arrives.
func next(t *testing.T, p *Port, kind MessageKind) Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m, ok := <-p.Messages():
			if !ok {
				t.Fatalf("port %d closed while waiting for %s", p.ID(), kind)
			}
			if m.Kind == kind {
				return m
			}
		case <-timeout:
			t.Fatalf("port %d: no %s message", p.ID(), kind)
		}
	}
}

func connect(t *testing.T, b *Broker) *Port {
	t.Helper()
	p, err := b.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return p
}

func TestPortIDsAreNeverReused(t *testing.T) {
	b := testBroker(t, config.BrokerConfig{})

	p1 := connect(t, b)
	p2 := connect(t, b)
	if got := next(t, p1, KindPortID).PortID; got != 1 {
		t.Fatalf("first port id = %d, want 1", got)
	}
	if got := next(t, p2, KindPortID).PortID; got != 2 {
		t.Fatalf("second port id = %d, want 2", got)
	}

	b.Disconnect(p1)
	p3 := connect(t, b)
	if got := next(t, p3, KindPortID).PortID; got != 3 {
		t.Fatalf("port id after disconnect = %d, want 3", got)
	}
	if b.Ports() != 2 {
		t.Fatalf("Ports() = %d, want 2", b.Ports())
	}
}

func TestPortIsolation(t *testing.T) {
	ev := sockettest.Event(t, "", 1, time.Now().Unix(), nil)
	relay := sockettest.New(t, sockettest.WithEvents(ev))
	b := testBroker(t, config.BrokerConfig{}, relay.URL)
	ctx := context.Background()

	p1 := connect(t, b)
	p2 := connect(t, b)
	for _, p := range []*Port{p1, p2} {
		if err := p.Do(ctx, Subscribe{Filter: nostr.Filter{Kinds: []int{1}}, SubID: "feed", KeepAlive: true}); err != nil {
			t.Fatalf("port %d subscribe: %v", p.ID(), err)
		}
	}
	for _, p := range []*Port{p1, p2} {
		m := next(t, p, KindEvent)
		if m.PortID != p.ID() || m.SubID != "feed" || m.Event.ID != ev.ID {
			t.Fatalf("port %d got %+v", p.ID(), m)
		}
	}

	if err := p1.Do(ctx, Unsubscribe{SubID: "feed"}); err != nil {
		t.Fatal(err)
	}
	if subs := b.Multiplexer().PortSubs(p1.ID()); len(subs) != 0 {
		t.Fatalf("port 1 subs after unsubscribe = %v", subs)
	}
	if subs := b.Multiplexer().PortSubs(p2.ID()); len(subs) != 1 {
		t.Fatalf("port 2 subs = %v, want its own feed untouched", subs)
	}

	end := next(t, p1, KindSubEnd)
	if end.Reason != multiplexer.ReasonUnsubscribed {
		t.Fatalf("sub end reason = %q", end.Reason)
	}
}

func TestSwitchRelaysNotifiesOtherPorts(t *testing.T) {
	a := sockettest.New(t)
	c := sockettest.New(t)
	b := testBroker(t, config.BrokerConfig{}, a.URL)
	p1 := connect(t, b)
	p2 := connect(t, b)

	set := multiplexer.RelaySet{ID: "next", Relays: []string{c.URL}}
	if err := p1.Do(context.Background(), SwitchRelays{Set: set}); err != nil {
		t.Fatalf("SwitchRelays: %v", err)
	}
	// status broadcasts may interleave; wait for the new set
	var info *RelayInfo
	for info == nil || info.ID != "next" {
		info = next(t, p2, KindRelayInfo).RelayInfo
	}
	if len(info.Relays) != 1 || info.Relays[0] != c.URL {
		t.Fatalf("relay info = %+v", info)
	}
	if got := b.Multiplexer().Relays().ID; got != "next" {
		t.Fatalf("active set = %q", got)
	}
}

func TestClosePortEndsSubscriptions(t *testing.T) {
	relay := sockettest.New(t)
	b := testBroker(t, config.BrokerConfig{}, relay.URL)
	p := connect(t, b)

	if err := p.Do(context.Background(), Subscribe{Filter: nostr.Filter{Kinds: []int{1}}, SubID: "live", KeepAlive: true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "REQ at relay", func() bool { return relay.OpenSubs() == 1 })

	_ = p.Do(context.Background(), ClosePort{})
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("port not closed")
	}
	for range p.Messages() {
	}
	if subs := b.Multiplexer().PortSubs(p.ID()); len(subs) != 0 {
		t.Fatalf("subs after close = %v", subs)
	}
	waitFor(t, "CLOSE at relay", func() bool { return relay.OpenSubs() == 0 })
	if err := p.Do(context.Background(), PullRelayInfo{}); err != ErrPortClosed {
		t.Fatalf("command on closed port err = %v", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	relay := sockettest.New(t)
	b := testBroker(t, config.BrokerConfig{}, relay.URL)
	p := connect(t, b)
	ctx := context.Background()

	if err := p.Do(ctx, Subscribe{Filter: nostr.Filter{Kinds: []int{1}}}); !apperrors.HasCode(err, "MISSING_SUB_ID") {
		t.Fatalf("missing sub id err = %v", err)
	}
	bad := multiplexer.Target{Mode: multiplexer.ModeSingle}
	if err := p.Do(ctx, Subscribe{Filter: nostr.Filter{Kinds: []int{1}}, SubID: "x", Target: bad}); err == nil {
		t.Fatal("single target without a url accepted")
	}

	other := multiplexer.Target{Mode: multiplexer.ModeSingle, URLs: []string{"wss://elsewhere.example"}}
	if err := p.Do(ctx, Subscribe{Filter: nostr.Filter{Kinds: []int{1}}, SubID: "y", Target: other}); err != nil {
		t.Fatal(err)
	}
	if end := next(t, p, KindSubEnd); end.SubID != "y" || end.Reason != "no matching relays" {
		t.Fatalf("sub end = %+v", end)
	}
}

func TestPublishDeliversAcks(t *testing.T) {
	relay := sockettest.New(t)
	b := testBroker(t, config.BrokerConfig{}, relay.URL)
	p := connect(t, b)

	ev := sockettest.Event(t, "", 1, time.Now().Unix(), nil)
	if err := p.Do(context.Background(), Publish{Event: ev}); err != nil {
		t.Fatal(err)
	}
	res := next(t, p, KindPubResult).PubResult
	if res == nil || res.EventID != ev.ID || !res.IsSuccess || res.RelayURL != relay.URL {
		t.Fatalf("pub result = %+v", res)
	}
}

func TestRateLimitedPort(t *testing.T) {
	b := testBroker(t, config.BrokerConfig{RateLimit: config.RateLimitConfig{
		Enabled:              true,
		MaxCommandsPerSecond: 0.1,
		BurstSize:            2,
	}})
	p1 := connect(t, b)
	p2 := connect(t, b)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := p1.Do(ctx, PullRelayInfo{}); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
	}
	if err := p1.Do(ctx, PullRelayInfo{}); !apperrors.IsType(err, apperrors.ErrorTypeRateLimit) {
		t.Fatalf("third command err = %v, want rate limit", err)
	}
	if err := p2.Do(ctx, PullRelayInfo{}); err != nil {
		t.Fatalf("other port limited: %v", err)
	}
}

func TestMaxPorts(t *testing.T) {
	b := testBroker(t, config.BrokerConfig{MaxPorts: 1})
	connect(t, b)
	if _, err := b.Connect(); !apperrors.IsType(err, apperrors.ErrorTypeRateLimit) {
		t.Fatalf("second Connect err = %v", err)
	}
}
