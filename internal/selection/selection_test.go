package selection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/connpool"
	"github.com/Shugur-Network/relaymux/internal/constants"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/reputation"
	"github.com/Shugur-Network/relaymux/internal/socket/sockettest"
	"github.com/Shugur-Network/relaymux/internal/storage"
	nostr "github.com/nbd-wtf/go-nostr"
)

func newSelector(t *testing.T, timeout time.Duration) (*Selector, *reputation.Store) {
	t.Helper()
	kv := storage.NewMemory()
	store := reputation.NewStore(kv)
	pool := connpool.New(config.PoolConfig{
		MaxConcurrency: 5,
		OpTimeout:      timeout,
		OpenTimeout:    timeout,
	}, store)
	sel := New(config.SelectionConfig{
		BestCount:        constants.DefaultBestRelayCount,
		InfoRefreshDays:  constants.DefaultOutdatedDays,
		BenchmarkTimeout: timeout,
		DirectoryTimeout: time.Second,
	}, pool, store, reputation.NewStatStore(kv))
	return sel, store
}

func keypair(t *testing.T) (string, string) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatal(err)
	}
	return sk, pk
}

func TestGetBestRelayScenario(t *testing.T) {
	sk, pk := keypair(t)
	a := sockettest.New(t, sockettest.WithEvents(sockettest.Event(t, sk, constants.KindContactList, 100, nil)))
	b := sockettest.New(t, sockettest.WithEvents(sockettest.Event(t, sk, constants.KindMetadata, 200, nil)))
	c := sockettest.New(t, sockettest.Silent())

	sel, store := newSelector(t, 400*time.Millisecond)
	got := sel.GetBestRelay(context.Background(), []string{a.URL, b.URL, c.URL}, pk, nil)

	if len(got) != 2 {
		t.Fatalf("got %d stats, want 2: %+v", len(got), got)
	}
	if got[0].Relay != b.URL || got[1].Relay != a.URL {
		t.Fatalf("order = [%s %s], want [B A]", got[0].Relay, got[1].Relay)
	}
	if got[0].Score != 600 || got[1].Score != 500 {
		t.Fatalf("scores = %d, %d; want 600, 500", got[0].Score, got[1].Score)
	}

	d, ok, _ := store.Load(context.Background(), c.URL)
	if !ok || d.FailureCount != 1 {
		t.Fatalf("timed out relay should be recorded as failure, got %+v", d)
	}
}

func TestGetBestRelayKeepsPersistedStats(t *testing.T) {
	ctx := context.Background()
	sk, pk := keypair(t)
	a := sockettest.New(t, sockettest.WithEvents(sockettest.Event(t, sk, constants.KindTextNote, 300, nil)))

	kv := storage.NewMemory()
	earlier := reputation.NewStatStore(kv)
	earlier.Observe(pk, "wss://elsewhere.example", constants.KindContactList, 100)
	if err := earlier.Flush(ctx, pk); err != nil {
		t.Fatal(err)
	}

	store := reputation.NewStore(kv)
	pool := connpool.New(config.PoolConfig{
		MaxConcurrency: 5,
		OpTimeout:      400 * time.Millisecond,
		OpenTimeout:    400 * time.Millisecond,
	}, store)
	sel := New(config.SelectionConfig{BestCount: constants.DefaultBestRelayCount}, pool, store, reputation.NewStatStore(kv))

	got := sel.GetBestRelay(ctx, []string{a.URL}, pk, nil)
	if len(got) != 1 || got[0].Relay != a.URL {
		t.Fatalf("ranked = %+v, want only %s", got, a.URL)
	}

	after := reputation.NewStatStore(kv)
	if err := after.Load(ctx, pk); err != nil {
		t.Fatal(err)
	}
	if st, ok := after.Get(pk, "wss://elsewhere.example"); !ok || st.LastKind3 != 100 {
		t.Fatalf("earlier stat = %+v, %v; want LastKind3 100", st, ok)
	}
	if st, ok := after.Get(pk, a.URL); !ok || st.LastKind1 != 300 {
		t.Fatalf("ranked stat = %+v, %v; want LastKind1 300", st, ok)
	}
}

func TestGetBestRelayIgnoresOlderEvents(t *testing.T) {
	sk, pk := keypair(t)
	a := sockettest.New(t, sockettest.WithEvents(sockettest.Event(t, sk, constants.KindTextNote, 50, nil)))
	sel, _ := newSelector(t, time.Second)
	sel.Stats().Observe(pk, a.URL, constants.KindTextNote, 90)

	got := sel.GetBestRelay(context.Background(), []string{a.URL}, pk, nil)
	if len(got) != 1 || got[0].LastKind1 != 90 {
		t.Fatalf("stat = %+v, want LastKind1 kept at 90", got)
	}
}

func TestRankOrFailOnTotalFailure(t *testing.T) {
	sel, _ := newSelector(t, 200*time.Millisecond)
	_, err := sel.RankOrFail(context.Background(), []string{"ws://127.0.0.1:1"}, "ab")
	if !apperrors.Is(err, ErrNoRelays) {
		t.Fatalf("err = %v, want ErrNoRelays", err)
	}
}

func TestGreedyCover(t *testing.T) {
	tests := []struct {
		name  string
		build func(c *coverage)
		want  []string
	}{
		{
			name: "one relay covers everyone",
			build: func(c *coverage) {
				c.add("r1", "p1")
				c.add("full", "p1")
				c.add("full", "p2")
				c.add("full", "p3")
				c.add("r2", "p3")
			},
			want: []string{"full"},
		},
		{
			name: "two disjoint relays",
			build: func(c *coverage) {
				c.add("left", "p1")
				c.add("left", "p2")
				c.add("right", "p3")
				c.add("right", "p4")
				c.add("partial", "p2")
			},
			want: []string{"left", "right"},
		},
		{
			name: "overlap resolved by remaining gain",
			build: func(c *coverage) {
				c.add("big", "p1")
				c.add("big", "p2")
				c.add("big", "p3")
				c.add("mid", "p3")
				c.add("mid", "p4")
				c.add("small", "p4")
			},
			want: []string{"big", "mid"},
		},
		{
			name:  "empty",
			build: func(*coverage) {},
			want:  nil,
		},
	}
	for _, tt := range tests {
		c := newCoverage()
		tt.build(c)
		got := c.greedy()
		if len(got) != len(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
				break
			}
		}
	}
}

func TestPickRelay(t *testing.T) {
	sk1, pk1 := keypair(t)
	sk2, pk2 := keypair(t)
	list1 := sockettest.Event(t, sk1, constants.KindRelayList, 10, nostr.Tags{
		{"r", "wss://shared.example"},
		{"r", "wss://read-only.example", "read"},
	})
	list2 := sockettest.Event(t, sk2, constants.KindRelayList, 10, nostr.Tags{
		{"r", "wss://shared.example", "write"},
		{"r", "wss://other.example"},
	})
	r := sockettest.New(t, sockettest.WithEvents(list1, list2))

	sel, _ := newSelector(t, time.Second)
	got := sel.PickRelay(context.Background(), []string{r.URL}, []string{pk1, pk2})
	if len(got) != 1 || got[0] != "wss://shared.example" {
		t.Fatalf("PickRelay = %v, want [wss://shared.example]", got)
	}
}

func TestBenchmark(t *testing.T) {
	live := sockettest.New(t)
	sel, store := newSelector(t, 300*time.Millisecond)
	dead := "ws://127.0.0.1:1"

	url, res, ok := sel.GetFastest(context.Background(), []string{dead, live.URL})
	if !ok || url != live.URL || res.IsFailed {
		t.Fatalf("GetFastest = %s %+v %t, want live relay", url, res, ok)
	}
	d, _, _ := store.Load(context.Background(), live.URL)
	if d.Benchmark == nil || d.LastBenchmark == nil {
		t.Fatalf("benchmark not saved: %+v", d)
	}

	avg := sel.AverageBenchmark(context.Background(), []string{dead, live.URL})
	if avg < constants.FailedBenchmark/2 {
		t.Fatalf("average %v should include the failure penalty", avg)
	}

	if _, _, ok := sel.GetFastest(context.Background(), nil); ok {
		t.Fatal("empty input should report no result")
	}
}

func directory(t *testing.T, status int, urls []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(urls)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetAllRelays(t *testing.T) {
	ctx := context.Background()
	dir := directory(t, http.StatusOK, []string{"wss://a.example", "wss://b.example/", "wss://a.example"})
	sel, store := newSelector(t, time.Second)
	sel.cfg.DirectoryURL = dir.URL

	if err := store.IncrementFailure(ctx, "wss://b.example"); err != nil {
		t.Fatal(err)
	}
	if err := store.IncrementSuccess(ctx, "wss://c.example"); err != nil {
		t.Fatal(err)
	}

	all, err := sel.GetAllRelays(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].URL != "wss://b.example" || all[1].URL != "wss://c.example" {
		t.Fatalf("stored relays sorted by success rate = %v", urlsOf(all))
	}

	all, err = sel.GetAllRelays(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	got := urlsOf(all)
	sort.Strings(got)
	want := []string{"wss://a.example", "wss://b.example", "wss://c.example"}
	if len(got) != len(want) {
		t.Fatalf("merged relays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("merged relays = %v, want %v", got, want)
		}
	}
}

func TestGetAllRelaysFallsBackToSeeds(t *testing.T) {
	dir := directory(t, http.StatusInternalServerError, nil)
	sel, store := newSelector(t, time.Second)
	sel.cfg.DirectoryURL = dir.URL
	sel.cfg.SeedRelays = []string{"wss://seed.example"}

	all, err := sel.GetAllRelays(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].URL != "wss://seed.example" {
		t.Fatalf("relays = %v, want the seed", urlsOf(all))
	}
	if _, ok, _ := store.Load(context.Background(), "wss://seed.example"); !ok {
		t.Fatal("seed relay should be stored")
	}
}

func TestRefreshRelayInfo(t *testing.T) {
	ctx := context.Background()
	sel, store := newSelector(t, time.Second)
	calls := 0
	sel.WithInfoFetcher(func(_ context.Context, url string) (models.RelayDescriptor, error) {
		calls++
		now := time.Now().UnixMilli()
		return models.RelayDescriptor{URL: url, Name: "fetched", LastInfoFetch: &now}, nil
	})

	if n, failed := sel.RefreshRelayInfo(ctx, []string{"wss://a.example"}); n != 1 || failed != 0 {
		t.Fatalf("first refresh = %d refreshed, %d failed; want 1, 0", n, failed)
	}
	if n, failed := sel.RefreshRelayInfo(ctx, []string{"wss://a.example"}); n != 0 || failed != 0 {
		t.Fatalf("second refresh = %d refreshed, %d failed; want 0, 0", n, failed)
	}
	d, _, _ := store.Load(ctx, "wss://a.example")
	if d.Name != "fetched" || calls != 1 {
		t.Fatalf("descriptor = %+v after %d fetches", d, calls)
	}
}

func TestRefreshRelayInfoCountsFailures(t *testing.T) {
	ctx := context.Background()
	sel, store := newSelector(t, time.Second)
	sel.WithInfoFetcher(func(_ context.Context, url string) (models.RelayDescriptor, error) {
		if url == "wss://down.example" {
			return models.RelayDescriptor{}, errors.New("connection refused")
		}
		now := time.Now().UnixMilli()
		return models.RelayDescriptor{URL: url, Name: "up", LastInfoFetch: &now}, nil
	})

	refreshed, failed := sel.RefreshRelayInfo(ctx, []string{"wss://up.example", "wss://down.example"})
	if refreshed != 1 || failed != 1 {
		t.Fatalf("refresh = %d refreshed, %d failed; want 1, 1", refreshed, failed)
	}
	if _, ok, _ := store.Load(ctx, "wss://down.example"); !ok {
		t.Fatal("failed fetch should still be stored")
	}
}

func TestGetAutoRelay(t *testing.T) {
	sk, pk := keypair(t)
	list := sockettest.Event(t, sk, constants.KindRelayList, 10, nostr.Tags{{"r", "wss://outbox.example"}})
	note := sockettest.Event(t, sk, constants.KindTextNote, 300, nil)
	r := sockettest.New(t, sockettest.WithEvents(list, note))

	sel, store := newSelector(t, time.Second)
	if err := store.Save(context.Background(), models.NewRelayDescriptor(r.URL)); err != nil {
		t.Fatal(err)
	}

	got, err := sel.GetAutoRelay(context.Background(), []string{r.URL}, nil, pk, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != r.URL || got[1] != "wss://outbox.example" {
		t.Fatalf("GetAutoRelay = %v", got)
	}
}

func urlsOf(list []models.RelayDescriptor) []string {
	out := make([]string, len(list))
	for i, d := range list {
		out[i] = d.URL
	}
	return out
}
