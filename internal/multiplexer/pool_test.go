package multiplexer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shugur-Network/relaymux/internal/config"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/socket"
	"github.com/Shugur-Network/relaymux/internal/socket/sockettest"
	nostr "github.com/nbd-wtf/go-nostr"
)

func testConfig() config.PoolConfig {
	return config.PoolConfig{
		OpTimeout:       2 * time.Second,
		OpenTimeout:     time.Second,
		WriteTimeout:    time.Second,
		MaxSub:          10,
		MaxKeepAliveSub: 2,
		ReconnectIdle:   50 * time.Millisecond,
	}
}

func newPool(t *testing.T, cfg config.PoolConfig, relays ...string) *Pool {
	t.Helper()
	p := New(cfg)
	t.Cleanup(p.Close)
	if err := p.SwitchRelays(RelaySet{ID: "test", Relays: relays}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "relays connected", func() bool {
		connected, total := p.ConnectedCount()
		return connected == total
	})
	return p
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

func isDone(s *Subscription) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func TestCapEvictsOldestSubscription(t *testing.T) {
	relay := sockettest.New(t)
	cfg := testConfig()
	cfg.MaxSub = 3
	p := newPool(t, cfg, relay.URL)

	var subs []*Subscription
	for i := 0; i < 4; i++ {
		got, err := p.SubFilter(1, nostr.Filter{Kinds: []int{1}}, false, "", Target{})
		if err != nil || len(got) != 1 {
			t.Fatalf("SubFilter #%d: %d subs, err=%v", i, len(got), err)
		}
		subs = append(subs, got[0])
	}

	if !isDone(subs[0]) || subs[0].Reason() != ReasonEvicted {
		t.Fatalf("oldest subscription: done=%t reason=%q, want evicted", isDone(subs[0]), subs[0].Reason())
	}
	for i, s := range subs[1:] {
		if isDone(s) {
			t.Errorf("subscription %d ended: %q", i+1, s.Reason())
		}
	}
	if n := len(p.sockets[relay.URL].Subs()); n != 3 {
		t.Fatalf("socket holds %d subscriptions, want 3", n)
	}
	waitFor(t, "CLOSE for evicted subscription", func() bool {
		return contains(relay.Closes(), subs[0].WireID())
	})
}

func TestKeepAliveCapPerSocket(t *testing.T) {
	relay := sockettest.New(t)
	p := newPool(t, testConfig(), relay.URL)

	var subs []*Subscription
	for _, id := range []string{"a", "b", "c"} {
		got, err := p.SubFilter(7, nostr.Filter{Kinds: []int{1}}, true, id, Target{})
		if err != nil {
			t.Fatal(err)
		}
		subs = append(subs, got[0])
	}
	if _, err := p.SubFilter(7, nostr.Filter{Kinds: []int{1}}, false, "once", Target{}); err != nil {
		t.Fatal(err)
	}

	if subs[0].Reason() != ReasonEvicted {
		t.Fatalf("first keep-alive reason = %q, want evicted", subs[0].Reason())
	}
	ids := p.PortSubs(7)
	if len(ids) != 2 || contains(ids, "a") {
		t.Fatalf("port keep-alive ids = %v, want [b c]", ids)
	}
	if n := len(p.sockets[relay.URL].Subs()); n != 3 {
		t.Fatalf("socket holds %d subscriptions, want 3", n)
	}
}

func TestReplacingWithNoMatchForgetsKeepAlive(t *testing.T) {
	relay := sockettest.New(t)
	p := newPool(t, testConfig(), relay.URL)

	old, err := p.SubFilter(3, nostr.Filter{Kinds: []int{1}}, true, "live", Target{})
	if err != nil {
		t.Fatal(err)
	}
	if ids := p.PortSubs(3); !contains(ids, "live") {
		t.Fatalf("port keep-alive ids = %v, want [live]", ids)
	}

	got, err := p.SubFilter(3, nostr.Filter{Kinds: []int{1}}, true, "live", Target{Mode: ModeBatch, URLs: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("replacement opened %d subscriptions, want 0", len(got))
	}
	if old[0].Reason() != ReasonReplaced {
		t.Fatalf("old reason = %q, want %q", old[0].Reason(), ReasonReplaced)
	}
	if ids := p.PortSubs(3); len(ids) != 0 {
		t.Fatalf("port keep-alive ids = %v, want none", ids)
	}
}

func TestPortsWithSameSubIDStayIsolated(t *testing.T) {
	note := sockettest.Event(t, "", 1, 100, nil)
	reaction := sockettest.Event(t, "", 7, 100, nil)
	relay := sockettest.New(t, sockettest.WithEvents(note, reaction))
	p := newPool(t, testConfig(), relay.URL)

	one, _ := p.SubFilter(1, nostr.Filter{Kinds: []int{1}}, true, "feed", Target{})
	two, _ := p.SubFilter(2, nostr.Filter{Kinds: []int{7}}, true, "feed", Target{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, tt := range []struct {
		sub  *Subscription
		port uint64
		want string
	}{{one[0], 1, note.ID}, {two[0], 2, reaction.ID}} {
		got := tt.sub.Collect(ctx)
		if len(got) != 1 || got[0].Event.ID != tt.want || got[0].PortID != tt.port || got[0].SubID != "feed" {
			t.Fatalf("port %d got %+v", tt.port, got)
		}
	}

	if n := p.ClosePort(1); n != 1 {
		t.Fatalf("ClosePort closed %d, want 1", n)
	}
	if !isDone(one[0]) || isDone(two[0]) {
		t.Fatalf("after ClosePort(1): one done=%t two done=%t", isDone(one[0]), isDone(two[0]))
	}
	if len(p.PortSubs(1)) != 0 || len(p.PortSubs(2)) != 1 {
		t.Fatalf("port subs = %v / %v", p.PortSubs(1), p.PortSubs(2))
	}
}

func TestDuplicateEventsDroppedAcrossRelays(t *testing.T) {
	ev := sockettest.Event(t, "", 1, 100, nil)
	a := sockettest.New(t, sockettest.WithEvents(ev))
	b := sockettest.New(t, sockettest.WithEvents(ev))
	p := newPool(t, testConfig(), a.URL, b.URL)

	subs, err := p.SubFilter(1, nostr.Filter{Kinds: []int{1}}, false, "dup", Target{})
	if err != nil || len(subs) != 2 {
		t.Fatalf("subs=%d err=%v", len(subs), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	total := 0
	for _, s := range subs {
		total += len(s.Collect(ctx))
	}
	if total != 1 {
		t.Fatalf("delivered %d copies, want 1", total)
	}
}

func TestReconnectReissuesKeepAlive(t *testing.T) {
	relay := sockettest.New(t)
	p := newPool(t, testConfig(), relay.URL)

	live, _ := p.SubFilter(1, nostr.Filter{Kinds: []int{1}}, true, "live", Target{})
	once, _ := p.SubFilter(1, nostr.Filter{Kinds: []int{1}}, false, "once", Target{})
	waitFor(t, "both REQs", func() bool { return len(relay.Reqs()) == 2 })

	relay.DropConnections()
	waitFor(t, "one-shot subscription to end", func() bool { return isDone(once[0]) })
	if once[0].Reason() != ReasonConnectionClosed {
		t.Fatalf("one-shot reason = %q", once[0].Reason())
	}

	waitFor(t, "keep-alive REQ re-issued", func() bool {
		n := 0
		for _, r := range relay.Reqs() {
			if r.SubID == live[0].WireID() {
				n++
			}
		}
		return n == 2
	})
	if isDone(live[0]) {
		t.Fatalf("keep-alive ended: %q", live[0].Reason())
	}

	ev := sockettest.Event(t, "", 1, 300, nil)
	relay.AddEvent(ev)
	select {
	case d := <-live[0].Events():
		if d.Event.ID != ev.ID {
			t.Fatalf("got event %s, want %s", d.Event.ID, ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive subscription got nothing after reconnect")
	}
}

func TestSwitchStopsReconnecting(t *testing.T) {
	relay := sockettest.New(t)
	p := newPool(t, testConfig(), relay.URL)
	sub, _ := p.SubFilter(1, nostr.Filter{Kinds: []int{1}}, true, "x", Target{})

	if err := p.SwitchRelays(RelaySet{ID: "empty"}); err != nil {
		t.Fatal(err)
	}
	if sub[0].Reason() != ReasonSwitched {
		t.Fatalf("reason = %q, want %q", sub[0].Reason(), ReasonSwitched)
	}
	waitFor(t, "old socket closed", func() bool { return relay.Counter().Current() == 0 })
	opened := relay.Counter().Total()
	time.Sleep(200 * time.Millisecond)
	if got := relay.Counter().Total(); got != opened {
		t.Fatalf("relay was redialed after switch: %d connections, want %d", got, opened)
	}
	if st := p.Status(); len(st) != 0 {
		t.Fatalf("status = %v, want empty", st)
	}
}

func TestCloseDuringSwitchStopsDialing(t *testing.T) {
	var dials atomic.Int64
	refuse := func(ctx context.Context, url string, opts socket.Options) (*socket.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	cfg := testConfig()
	cfg.ReconnectIdle = 10 * time.Millisecond

	for i := 0; i < 20; i++ {
		p := New(cfg, WithOpener(refuse))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = p.SwitchRelays(RelaySet{ID: "a", Relays: []string{"ws://a.invalid", "ws://b.invalid"}})
		}()
		go func() {
			defer wg.Done()
			p.Close()
		}()
		wg.Wait()
		p.Close()
	}

	time.Sleep(50 * time.Millisecond)
	settled := dials.Load()
	time.Sleep(200 * time.Millisecond)
	if got := dials.Load(); got != settled {
		t.Fatalf("closed pools kept dialing: %d dials, want %d", got, settled)
	}
}

func TestTargetValidation(t *testing.T) {
	p := New(testConfig())
	defer p.Close()
	f := nostr.Filter{Kinds: []int{1}}

	for _, tt := range []struct {
		name   string
		target Target
	}{
		{"single without url", Target{Mode: ModeSingle}},
		{"single with two", Target{Mode: ModeSingle, URLs: []string{"wss://a", "wss://b"}}},
		{"batch nil", Target{Mode: ModeBatch}},
	} {
		if _, err := p.SubFilter(1, f, false, "s", tt.target); !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
			t.Errorf("%s: err = %v, want validation error", tt.name, err)
		}
	}
	if err := (Target{Mode: ModeBatch, URLs: []string{}}).Validate(); err != nil {
		t.Fatalf("empty batch should be valid: %v", err)
	}
}

func TestTargetSelectsRelays(t *testing.T) {
	a := sockettest.New(t)
	b := sockettest.New(t)
	p := newPool(t, testConfig(), a.URL, b.URL)

	for _, tt := range []struct {
		target Target
		want   int
	}{
		{Target{}, 2},
		{Target{Mode: ModeAll}, 2},
		{Target{Mode: ModeSingle, URLs: []string{b.URL}}, 1},
		{Target{Mode: ModeBatch, URLs: []string{a.URL, "wss://not-in-set.example"}}, 1},
		{Target{Mode: ModeBatch, URLs: []string{}}, 0},
	} {
		subs, err := p.SubFilter(3, nostr.Filter{Kinds: []int{1}}, false, "", tt.target)
		if err != nil || len(subs) != tt.want {
			t.Errorf("%s: %d subs err=%v, want %d", tt.target.Mode, len(subs), err, tt.want)
		}
	}
}

func TestPubEventCollectsAcks(t *testing.T) {
	ok := sockettest.New(t)
	bad := sockettest.New(t, sockettest.RejectingWith("blocked: spam"))
	p := newPool(t, testConfig(), ok.URL, bad.URL)

	ev := sockettest.Event(t, "", 1, 100, nil)
	acks, n, err := p.PubEvent(context.Background(), 4, ev, Target{})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got := map[string]bool{}
	for res := range acks {
		if res.EventID != ev.ID {
			t.Fatalf("result for %s, want %s", res.EventID, ev.ID)
		}
		got[res.RelayURL] = res.IsSuccess
	}
	if !got[ok.URL] || got[bad.URL] || len(got) != 2 {
		t.Fatalf("acks = %v", got)
	}
}

func TestPublishFailsWhenNothingAccepts(t *testing.T) {
	bad := sockettest.New(t, sockettest.RejectingWith("nope"))
	p := newPool(t, testConfig(), bad.URL)

	ev := sockettest.Event(t, "", 1, 100, nil)
	results, err := p.Publish(context.Background(), ev, nil)
	if !apperrors.Is(err, apperrors.ErrNoRelays) || len(results) != 1 || results[0].Reason != "nope" {
		t.Fatalf("results=%+v err=%v", results, err)
	}
}

func TestQueryOverSharedSockets(t *testing.T) {
	ev := sockettest.Event(t, "", 3, 100, nil)
	relay := sockettest.New(t, sockettest.WithEvents(ev))
	p := newPool(t, testConfig(), relay.URL)

	got, err := p.Query(context.Background(), nil, nostr.Filter{Kinds: []int{3}})
	if err != nil || len(got) != 1 || got[0].Relay != relay.URL {
		t.Fatalf("got=%+v err=%v", got, err)
	}
	waitFor(t, "query CLOSE", func() bool { return relay.OpenSubs() == 0 })
}

func TestListenersReceiveStatusAndNotices(t *testing.T) {
	relay := sockettest.New(t, sockettest.WithGreeting(`["NOTICE","hello"]`, `["AUTH","challenge-1"]`))
	p := New(testConfig())
	defer p.Close()

	var mu sync.Mutex
	var connected bool
	var notice, challenge string
	p.AddStatusListener(func(st map[string]bool) {
		mu.Lock()
		connected = st[relay.URL]
		mu.Unlock()
	})
	p.AddNoticeListener(func(_, msg string) {
		mu.Lock()
		notice = msg
		mu.Unlock()
	})
	p.AddAuthListener(func(_, c string) {
		mu.Lock()
		challenge = c
		mu.Unlock()
	})
	if err := p.SwitchRelays(RelaySet{ID: "s", Relays: []string{relay.URL}}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "listeners", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connected && notice == "hello" && challenge == "challenge-1"
	})
	if st, ok := p.SocketState(relay.URL); !ok || st != StateConnected {
		t.Fatalf("socket state = %s, want connected", st)
	}
}
