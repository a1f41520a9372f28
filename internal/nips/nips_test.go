package nips

import (
	"testing"

	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/models"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

func TestToRelaysMarkers(t *testing.T) {
	evt := &nostr.Event{
		Kind: constants.KindRelayList,
		Tags: nostr.Tags{
			{"r", "wss://both.example"},
			{"r", "wss://empty.example", ""},
			{"r", "wss://read.example", "read"},
			{"r", "wss://write.example", "write"},
			{"p", "ignored"},
			{"r"},
		},
	}
	got := ToRelays(evt)
	want := []struct {
		url         string
		read, write bool
	}{
		{"wss://both.example", true, true},
		{"wss://empty.example", true, true},
		{"wss://read.example", true, false},
		{"wss://write.example", false, true},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d relays, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].URL != w.url || got[i].Read != w.read || got[i].Write != w.write {
			t.Errorf("relay %d = %+v, want %+v", i, got[i], w)
		}
	}
}

func TestCreateRelayListEventRoundTrip(t *testing.T) {
	in := []models.RelayDescriptor{
		{URL: "wss://a.example", Read: true, Write: true},
		{URL: "wss://b.example", Read: true},
		{URL: "wss://c.example", Write: true},
	}
	evt := CreateRelayListEvent(in)
	if evt.Kind != constants.KindRelayList {
		t.Fatalf("kind = %d", evt.Kind)
	}
	if len(evt.Tags[0]) != 2 {
		t.Errorf("read+write relay should carry no marker: %v", evt.Tags[0])
	}
	if err := ValidateRelayList(evt); err != nil {
		t.Fatalf("ValidateRelayList: %v", err)
	}
	out := ToRelays(evt)
	for i := range in {
		if out[i].URL != in[i].URL || out[i].Read != in[i].Read || out[i].Write != in[i].Write {
			t.Errorf("relay %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestValidateRelayListRejects(t *testing.T) {
	tests := []struct {
		name string
		evt  nostr.Event
	}{
		{"wrong kind", nostr.Event{Kind: 1}},
		{"http scheme", nostr.Event{Kind: constants.KindRelayList, Tags: nostr.Tags{{"r", "https://a.example"}}}},
		{"bad marker", nostr.Event{Kind: constants.KindRelayList, Tags: nostr.Tags{{"r", "wss://a.example", "both"}}}},
		{"no url", nostr.Event{Kind: constants.KindRelayList, Tags: nostr.Tags{{"r"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateRelayList(&tt.evt); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestRelaySetRoundTrip(t *testing.T) {
	g := models.RelayGroup{
		ID:          "g1",
		Title:       "Friends",
		Description: "close relays",
		Relays:      []models.RelayDescriptor{{URL: "wss://a.example"}, {URL: "wss://b.example"}},
	}
	evt, err := CreateRelaySetEvent(g)
	if err != nil {
		t.Fatalf("CreateRelaySetEvent: %v", err)
	}
	evt.CreatedAt = 42
	back, ok := RelaySetToGroup(evt)
	if !ok {
		t.Fatal("RelaySetToGroup rejected its own event")
	}
	if back.ID != "g1" || back.Title != "Friends" || back.Description != "close relays" || back.Timestamp != 42 {
		t.Fatalf("group = %+v", back)
	}
	if len(back.Relays) != 2 || back.Relays[1].URL != "wss://b.example" {
		t.Fatalf("relays = %+v", back.Relays)
	}
}

func TestCreateRelaySetEventNeedsIDAndTitle(t *testing.T) {
	if _, err := CreateRelaySetEvent(models.RelayGroup{ID: "x"}); err == nil {
		t.Fatal("expected error without title")
	}
	if _, err := CreateRelaySetEvent(models.RelayGroup{Title: "x"}); err == nil {
		t.Fatal("expected error without id")
	}
}

func TestRelaySetFilter(t *testing.T) {
	f := RelaySetFilter([]string{"pk"}, "")
	if f.Limit != constants.RelaySetSubLimit || f.Tags != nil {
		t.Fatalf("filter = %+v", f)
	}
	f = RelaySetFilter([]string{"pk"}, "g1")
	if got := f.Tags["d"]; len(got) != 1 || got[0] != "g1" {
		t.Fatalf("d tag = %v", got)
	}
}

func TestApplyInfo(t *testing.T) {
	var d models.RelayDescriptor
	ApplyInfo(&d, nip11.RelayInformationDocument{
		Name:          "relay",
		SupportedNIPs: []any{float64(1), "11", "x", 65},
		Limitation:    &nip11.RelayLimitationDocument{PaymentRequired: true, MaxSubscriptions: 20},
	})
	if d.Name != "relay" || d.AccessType != models.AccessPaid {
		t.Fatalf("descriptor = %+v", d)
	}
	if len(d.SupportedNIPs) != 3 || d.SupportedNIPs[1] != 11 {
		t.Fatalf("nips = %v", d.SupportedNIPs)
	}
	if d.Limitation == nil || d.Limitation.MaxSubscriptions != 20 {
		t.Fatalf("limitation = %+v", d.Limitation)
	}
}
