package relaygroup

import (
	"context"
	"testing"

	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/domain"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/signer"
	"github.com/Shugur-Network/relaymux/internal/storage"
	nostr "github.com/nbd-wtf/go-nostr"
)

type fakePublisher struct {
	events []*nostr.Event
}

func (p *fakePublisher) Publish(_ context.Context, ev *nostr.Event, relays []string) ([]domain.PublishResult, error) {
	p.events = append(p.events, ev)
	return []domain.PublishResult{{EventID: ev.ID, RelayURL: "wss://r.example", IsSuccess: true}}, nil
}

type fakeQuerier struct {
	events []domain.RelayEvent
	filter nostr.Filter
}

func (q *fakeQuerier) Query(_ context.Context, _ []string, f nostr.Filter) ([]domain.RelayEvent, error) {
	q.filter = f
	return q.events, nil
}

func newManager(t *testing.T) (*Manager, *signer.KeySigner, *fakePublisher, domain.Store) {
	t.Helper()
	s, err := signer.Generate()
	if err != nil {
		t.Fatal(err)
	}
	pk, _ := s.PublicKey(context.Background())
	kv := storage.NewMemory()
	pub := &fakePublisher{}
	return NewManager(pk, kv, s, pub), s, pub, kv
}

func TestGroupCRUDPersists(t *testing.T) {
	ctx := context.Background()
	m, _, _, kv := newManager(t)

	if err := m.SetGroup(ctx, "g1", models.RelayGroup{Title: "Friends"}); err != nil {
		t.Fatal(err)
	}
	ok, err := m.AddRelayToGroup(ctx, "g1",
		models.NewRelayDescriptor("wss://a.example"),
		models.NewRelayDescriptor("wss://a.example/"),
		models.NewRelayDescriptor("wss://b.example"))
	if err != nil || !ok {
		t.Fatalf("AddRelayToGroup ok=%t err=%v", ok, err)
	}
	if ok, _ := m.AddRelayToGroup(ctx, "missing", models.NewRelayDescriptor("wss://x")); ok {
		t.Fatal("adding to a missing group should report false")
	}

	reloaded := NewManager(m.pubkey, kv, nil, nil)
	g, found, err := reloaded.GetGroupByID(ctx, "g1")
	if err != nil || !found {
		t.Fatalf("GetGroupByID found=%t err=%v", found, err)
	}
	if len(g.Relays) != 2 || !g.Changed || g.ID != "g1" {
		t.Fatalf("group = %+v", g)
	}

	if _, err := reloaded.RemoveRelayFromGroup(ctx, "g1", "wss://A.example"); err != nil {
		t.Fatal(err)
	}
	g, _, _ = reloaded.GetGroupByID(ctx, "g1")
	if len(g.Relays) != 1 || g.Relays[0].URL != "wss://b.example" {
		t.Fatalf("after remove = %v", g.RelayURLs())
	}

	if err := reloaded.RemoveGroup(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	ids, _ := reloaded.GetAllGroupIDs(ctx)
	if len(ids) != 0 {
		t.Fatalf("ids = %v, want none", ids)
	}
}

func TestLegacyLayoutMigrates(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	legacy := `[["Home",[{"url":"wss://home.example","read":true,"write":true}]]]`
	if err := kv.Set(ctx, storageKey("pk"), []byte(legacy)); err != nil {
		t.Fatal(err)
	}

	m := NewManager("pk", kv, nil, nil)
	ids, err := m.GetAllGroupIDs(ctx)
	if err != nil || len(ids) != 1 {
		t.Fatalf("ids = %v err=%v", ids, err)
	}
	g, _, _ := m.GetGroupByID(ctx, ids[0])
	if g.Title != "Home" || g.ID != ids[0] || g.Timestamp != 0 || len(g.Relays) != 1 {
		t.Fatalf("migrated group = %+v", g)
	}
	if len(g.ID) != 36 {
		t.Fatalf("id %q is not a uuid", g.ID)
	}
}

func TestRelayListOnlyAppliedWhenNewer(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t)
	event := func(ts nostr.Timestamp, url string) *nostr.Event {
		return &nostr.Event{Kind: constants.KindRelayList, CreatedAt: ts, Tags: nostr.Tags{{"r", url}}}
	}

	if ok, err := m.SetNIP65RelayListByEvent(ctx, event(100, "wss://first.example")); !ok || err != nil {
		t.Fatalf("first list ok=%t err=%v", ok, err)
	}
	if ok, _ := m.SetNIP65RelayListByEvent(ctx, event(100, "wss://same-age.example")); ok {
		t.Fatal("equal timestamp must not replace")
	}
	if ok, _ := m.SetNIP65RelayListByEvent(ctx, event(50, "wss://older.example")); ok {
		t.Fatal("older list must not replace")
	}
	if ok, _ := m.SetNIP65RelayListByEvent(ctx, event(150, "wss://newer.example")); !ok {
		t.Fatal("newer list should replace")
	}
	g, _, _ := m.GetGroupByID(ctx, constants.NIP65RelayListID)
	if g.Kind != constants.KindRelayList || g.RelayURLs()[0] != "wss://newer.example" {
		t.Fatalf("group = %+v", g)
	}

	bad := &nostr.Event{Kind: constants.KindRelayList, Tags: nostr.Tags{{"r", "http://nope"}}}
	if _, err := m.SetNIP65RelayListByEvent(ctx, bad); !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestSyncRelayGroupPublishesKinds(t *testing.T) {
	ctx := context.Background()
	m, s, pub, _ := newManager(t)
	pk, _ := s.PublicKey(ctx)

	_ = m.SetGroup(ctx, "set", models.RelayGroup{Title: "Work"})
	_, _ = m.AddRelayToGroup(ctx, "set", models.NewRelayDescriptor("wss://w.example"))
	_, _ = m.SetNIP65RelayListByEvent(ctx, &nostr.Event{
		Kind: constants.KindRelayList, CreatedAt: 10, Tags: nostr.Tags{{"r", "wss://l.example"}},
	})

	for _, tt := range []struct {
		id   string
		kind int
	}{{"set", constants.KindRelaySet}, {constants.NIP65RelayListID, constants.KindRelayList}} {
		results, err := m.SyncRelayGroup(ctx, tt.id, nil)
		if err != nil || len(results) != 1 {
			t.Fatalf("%s: results=%v err=%v", tt.id, results, err)
		}
		ev := pub.events[len(pub.events)-1]
		if ev.Kind != tt.kind || ev.PubKey != pk {
			t.Fatalf("%s: published kind %d by %s", tt.id, ev.Kind, ev.PubKey)
		}
		if ok, _ := ev.CheckSignature(); !ok {
			t.Fatalf("%s: event not signed", tt.id)
		}
		g, _, _ := m.GetGroupByID(ctx, tt.id)
		if g.Changed || g.Timestamp != int64(ev.CreatedAt) {
			t.Fatalf("%s: group after sync = %+v", tt.id, g)
		}
	}

	if _, err := m.SyncRelayGroup(ctx, "nope", nil); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestSyncWithoutSigner(t *testing.T) {
	m := NewManager("pk", storage.NewMemory(), nil, nil)
	if _, err := m.SyncRelayGroup(context.Background(), "x", nil); !apperrors.Is(err, apperrors.ErrNoSigner) {
		t.Fatalf("err = %v, want ErrNoSigner", err)
	}
}

func TestSubscribeRelaySets(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t)
	set := func(pubkey, id string, ts nostr.Timestamp) domain.RelayEvent {
		return domain.RelayEvent{Relay: "wss://r", Event: &nostr.Event{
			PubKey: pubkey, Kind: constants.KindRelaySet, CreatedAt: ts,
			Tags: nostr.Tags{{"d", id}, {"title", id}, {"relay", "wss://x.example"}},
		}}
	}
	q := &fakeQuerier{events: []domain.RelayEvent{
		set(m.pubkey, "a", 10),
		set(m.pubkey, "a", 5),
		set(m.pubkey, "b", 7),
		set("someone-else", "c", 9),
	}}

	n, err := m.SubscribeRelaySets(ctx, q, []string{"wss://r"})
	if err != nil || n != 2 {
		t.Fatalf("applied = %d err=%v, want 2", n, err)
	}
	if q.filter.Kinds[0] != constants.KindRelaySet || q.filter.Authors[0] != m.pubkey {
		t.Fatalf("filter = %+v", q.filter)
	}
	g, _, _ := m.GetGroupByID(ctx, "a")
	if g.Timestamp != 10 {
		t.Fatalf("group a timestamp = %d, want 10", g.Timestamp)
	}
}

func TestClean(t *testing.T) {
	ctx := context.Background()
	m, _, _, kv := newManager(t)
	_ = m.SetGroup(ctx, "g", models.RelayGroup{Title: "t"})
	if err := m.Clean(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Get(ctx, storageKey(m.pubkey)); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("stored groups still present: %v", err)
	}
}
