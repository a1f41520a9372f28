package wire

import (
	"encoding/json"
	"strings"
	"testing"

	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	nostr "github.com/nbd-wtf/go-nostr"
)

const pk = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func TestParseServerFrames(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"event", `["EVENT","s1",{"id":"aa","pubkey":"` + pk + `","created_at":5,"kind":1,"tags":[],"content":"hi","sig":"bb"}]`, LabelEvent},
		{"eose", `["EOSE","s1"]`, LabelEOSE},
		{"ok", `["OK","aa",true,""]`, LabelOK},
		{"ok without reason", `["OK","aa",false]`, LabelOK},
		{"notice", `["NOTICE","slow down"]`, LabelNotice},
		{"auth", `["AUTH","challenge"]`, LabelAuth},
		{"closed", `["CLOSED","s1","error: nope"]`, LabelClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseServerFrame([]byte(tt.in))
			if err != nil {
				t.Fatalf("ParseServerFrame: %v", err)
			}
			if f.Label() != tt.want {
				t.Fatalf("label = %s, want %s", f.Label(), tt.want)
			}
		})
	}
}

func TestParseServerFrameFields(t *testing.T) {
	f, err := ParseServerFrame([]byte(`["OK","abc",false,"blocked: spam"]`))
	if err != nil {
		t.Fatal(err)
	}
	ok := f.(OKFrame)
	if ok.EventID != "abc" || ok.Accepted || ok.Reason != "blocked: spam" {
		t.Fatalf("ok = %+v", ok)
	}

	f, err = ParseServerFrame([]byte(`["EVENT","sub",{"id":"e1","pubkey":"` + pk + `","created_at":42,"kind":3,"tags":[["p","x"]],"content":"","sig":"s"}]`))
	if err != nil {
		t.Fatal(err)
	}
	ev := f.(EventFrame)
	if ev.SubID != "sub" || ev.Event.Kind != 3 || ev.Event.CreatedAt != 42 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestParseServerFrameRejects(t *testing.T) {
	for _, in := range []string{
		`{}`,
		`[]`,
		`[1,2]`,
		`["EVENT","s1"]`,
		`["EVENT","s1",{"kind":1}]`,
		`["OK","id","yes"]`,
		`["EOSE"]`,
		`not json`,
	} {
		_, err := ParseServerFrame([]byte(in))
		if err == nil {
			t.Errorf("%s: expected error", in)
			continue
		}
		if !apperrors.HasCode(err, apperrors.CodeProtocol) {
			t.Errorf("%s: err = %v, want protocol error", in, err)
		}
	}

	if _, err := ParseServerFrame([]byte(`["COUNT","s",{"count":1}]`)); !apperrors.Is(err, ErrUnknownFrame) {
		t.Errorf("COUNT err = %v, want ErrUnknownFrame", err)
	}
}

func TestEncodeClientFrames(t *testing.T) {
	limit := 4
	req, err := EncodeReq("s1", nostr.Filter{Kinds: []int{3, 0}, Authors: []string{pk}, Limit: limit})
	if err != nil {
		t.Fatal(err)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(req, &parts); err != nil {
		t.Fatal(err)
	}
	if len(parts) != 3 || string(parts[0]) != `"REQ"` || string(parts[1]) != `"s1"` {
		t.Fatalf("req = %s", req)
	}

	parsed, err := ParseClientFrame(req)
	if err != nil {
		t.Fatal(err)
	}
	r := parsed.(ClientReq)
	if r.SubID != "s1" || len(r.Filters) != 1 || r.Filters[0].Limit != 4 || len(r.Filters[0].Kinds) != 2 {
		t.Fatalf("parsed req = %+v", r)
	}

	cl, _ := EncodeClose("s1")
	if string(cl) != `["CLOSE","s1"]` {
		t.Fatalf("close = %s", cl)
	}

	if _, err := EncodeReq("s1"); err == nil {
		t.Fatal("REQ without filters should fail")
	}
}

func TestParseFilterMergesTags(t *testing.T) {
	f, err := ParseFilter(json.RawMessage(`{"kinds":[30002],"#d":["work"],"limit":100}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Tags["d"]; len(got) != 1 || got[0] != "work" {
		t.Fatalf("tags = %v", f.Tags)
	}
	if _, err := ParseFilter(json.RawMessage(`{"#d":"x"}`)); err == nil {
		t.Fatal("non-array tag should fail")
	}
}

func TestValidateFilter(t *testing.T) {
	since, until := nostr.Timestamp(10), nostr.Timestamp(5)
	tests := []struct {
		name string
		f    nostr.Filter
		want string
	}{
		{"empty", nostr.Filter{}, "at least one condition"},
		{"bad author", nostr.Filter{Authors: []string{"xyz"}}, "author"},
		{"bad kind", nostr.Filter{Kinds: []int{-1}}, "kind"},
		{"bad range", nostr.Filter{Kinds: []int{1}, Since: &since, Until: &until}, "time range"},
		{"long search", nostr.Filter{Search: strings.Repeat("a", 201)}, "too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilter(tt.f)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
	if err := ValidateFilter(nostr.Filter{Kinds: []int{10002}, Authors: []string{pk}}); err != nil {
		t.Fatalf("valid filter rejected: %v", err)
	}
}

func TestNewSubID(t *testing.T) {
	a, b := NewSubID(), NewSubID()
	if a == b || len(a) != 32 {
		t.Fatalf("ids %q %q", a, b)
	}
	if err := ValidateSubID(a); err != nil {
		t.Fatal(err)
	}
	if err := ValidateSubID(strings.Repeat("x", 65)); err == nil {
		t.Fatal("long id should fail")
	}
}
