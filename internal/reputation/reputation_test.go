package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/storage"
)

func TestSuccessRateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemory())
	url := "wss://relay.example.com"

	for i := 0; i < 3; i++ {
		if err := s.IncrementSuccess(ctx, url); err != nil {
			t.Fatalf("IncrementSuccess: %v", err)
		}
	}
	if err := s.IncrementFailure(ctx, url); err != nil {
		t.Fatalf("IncrementFailure: %v", err)
	}

	d, ok, err := s.Load(ctx, url)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%t err=%v", ok, err)
	}
	if got := SuccessRate(d); got != 0.75 {
		t.Fatalf("SuccessRate = %v, want 0.75", got)
	}
}

func TestSuccessRateNeutralWithoutAttempts(t *testing.T) {
	if got := SuccessRate(models.RelayDescriptor{}); got != 0.5 {
		t.Fatalf("SuccessRate = %v, want 0.5", got)
	}
}

func TestSaveMergesFields(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemory())
	url := "wss://relay.example.com"

	if err := s.IncrementSuccess(ctx, url); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, models.RelayDescriptor{URL: url, Name: "Example"}); err != nil {
		t.Fatal(err)
	}
	d, _, _ := s.Load(ctx, url)
	if d.SuccessCount != 1 || d.Name != "Example" {
		t.Fatalf("descriptor = %+v, want counters kept and name set", d)
	}
}

func TestLoadAllFollowsIndex(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemory())
	list := []models.RelayDescriptor{
		models.NewRelayDescriptor("wss://a.example"),
		models.NewRelayDescriptor("wss://b.example/"),
		models.NewRelayDescriptor("wss://a.example"),
	}
	if err := s.SaveAll(ctx, list); err != nil {
		t.Fatal(err)
	}
	all, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].URL != "wss://a.example" || all[1].URL != "wss://b.example" {
		t.Fatalf("LoadAll = %+v", all)
	}

	if err := s.Remove(ctx, "wss://a.example"); err != nil {
		t.Fatal(err)
	}
	all, _ = s.LoadAll(ctx)
	if len(all) != 1 {
		t.Fatalf("after remove: %+v", all)
	}
}

func TestIsOutdated(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	fresh := now.AddDate(0, 0, -6).UnixMilli()
	stale := now.AddDate(0, 0, -8).UnixMilli()

	tests := []struct {
		name string
		ts   *int64
		want bool
	}{
		{"missing", nil, true},
		{"fresh", &fresh, false},
		{"stale", &stale, true},
	}
	for _, tt := range tests {
		if got := isOutdatedAt(tt.ts, 7, now); got != tt.want {
			t.Errorf("%s: got %t, want %t", tt.name, got, tt.want)
		}
	}
}

func TestObserveIsMonotonic(t *testing.T) {
	s := NewStatStore(nil)
	if !s.Observe("pk", "wss://a", 3, 200) {
		t.Fatal("first update should apply")
	}
	if s.Observe("pk", "wss://a", 3, 100) {
		t.Fatal("older update must be a no-op")
	}
	st, _ := s.Get("pk", "wss://a")
	if st.LastKind3 != 200 {
		t.Fatalf("LastKind3 = %d, want 200", st.LastKind3)
	}
}

func TestScoreIndependentOfOrder(t *testing.T) {
	updates := []struct {
		kind int
		ts   int64
	}{{0, 10}, {1, 20}, {3, 30}, {30023, 40}, {3, 5}, {0, 50}}

	forward := NewStatStore(nil)
	for _, u := range updates {
		forward.Observe("pk", "r", u.kind, u.ts)
	}
	backward := NewStatStore(nil)
	for i := len(updates) - 1; i >= 0; i-- {
		backward.Observe("pk", "r", updates[i].kind, updates[i].ts)
	}
	a, _ := forward.Get("pk", "r")
	b, _ := backward.Get("pk", "r")
	if a.Score != b.Score || a.Score != 5*30+3*50+20+40 {
		t.Fatalf("scores %d and %d, want %d", a.Score, b.Score, 5*30+3*50+20+40)
	}
}

func TestPickStableDescending(t *testing.T) {
	s := NewStatStore(nil)
	s.Touch("pk", "wss://zero")
	s.Observe("pk", "wss://low", 1, 10)
	s.Observe("pk", "wss://high", 3, 10)
	s.Touch("pk", "wss://zero2")

	got := s.Pick("pk")
	want := []string{"wss://high", "wss://low", "wss://zero", "wss://zero2"}
	for i, w := range want {
		if got[i].Relay != w {
			t.Fatalf("Pick order = %v, want %v", relays(got), want)
		}
	}
}

func TestStatsPersist(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	s := NewStatStore(kv)
	s.Observe("pk", "wss://a", 0, 7)
	if err := s.Flush(ctx, "pk"); err != nil {
		t.Fatal(err)
	}

	other := NewStatStore(kv)
	if err := other.Load(ctx, "pk"); err != nil {
		t.Fatal(err)
	}
	st, ok := other.Get("pk", "wss://a")
	if !ok || st.LastKind0 != 7 || st.Score != 21 {
		t.Fatalf("loaded stat = %+v", st)
	}
}

func TestFlushKeepsEarlierSessions(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	first := NewStatStore(kv)
	first.Observe("pk", "wss://a", 0, 7)
	first.Observe("pk", "wss://b", 1, 50)
	if err := first.Flush(ctx, "pk"); err != nil {
		t.Fatal(err)
	}

	second := NewStatStore(kv)
	second.Observe("pk", "wss://b", 1, 40)
	second.Observe("pk", "wss://c", 3, 9)
	if err := second.Flush(ctx, "pk"); err != nil {
		t.Fatal(err)
	}

	third := NewStatStore(kv)
	if err := third.Load(ctx, "pk"); err != nil {
		t.Fatal(err)
	}
	if st, ok := third.Get("pk", "wss://a"); !ok || st.LastKind0 != 7 {
		t.Fatalf("stat a = %+v, want LastKind0 7", st)
	}
	if st, ok := third.Get("pk", "wss://b"); !ok || st.LastKind1 != 50 {
		t.Fatalf("stat b = %+v, want LastKind1 50", st)
	}
	if st, ok := third.Get("pk", "wss://c"); !ok || st.LastKind3 != 9 {
		t.Fatalf("stat c = %+v, want LastKind3 9", st)
	}
}

func relays(list []models.PubkeyRelayStat) []string {
	out := make([]string, len(list))
	for i, st := range list {
		out[i] = st.Relay
	}
	return out
}
