package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Shugur-Network/relaymux/internal/domain"
	"github.com/Shugur-Network/relaymux/internal/multiplexer"
	"github.com/Shugur-Network/relaymux/internal/socket/sockettest"
	nostr "github.com/nbd-wtf/go-nostr"
)

// scriptedTransport answers commands with a canned message stream.
type scriptedTransport struct {
	msgs      chan Message
	onPublish func(Publish)

	once sync.Once
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{msgs: make(chan Message, 512)}
}

func (s *scriptedTransport) Send(_ context.Context, _ string, cmd Command) error {
	if p, ok := cmd.(Publish); ok && s.onPublish != nil {
		s.onPublish(p)
	}
	return nil
}

func (s *scriptedTransport) Messages() <-chan Message { return s.msgs }

func (s *scriptedTransport) Close() { s.once.Do(func() { close(s.msgs) }) }

func TestUnreadIteratorDoesNotStallAcks(t *testing.T) {
	tr := newScriptedTransport()
	c := NewCaller(tr, 300*time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	it, err := c.SubFilter(ctx, nostr.Filter{Kinds: []int{1}}, multiplexer.Target{}, true)
	if err != nil {
		t.Fatal(err)
	}

	ev := sockettest.Event(t, "", 1, time.Now().Unix(), nil)
	tr.onPublish = func(p Publish) {
		for i := 0; i < 100; i++ {
			tr.msgs <- Message{Kind: KindEvent, SubID: it.SubID(), RelayURL: "wss://a", Event: ev}
		}
		tr.msgs <- Message{Kind: KindPubResult, PubResult: &domain.PublishResult{
			EventID:   p.Event.ID,
			RelayURL:  "wss://a",
			IsSuccess: true,
		}}
	}

	results, err := c.PubEvent(ctx, ev, multiplexer.Target{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !results[0].IsSuccess {
		t.Fatalf("acks = %+v, want one success", results)
	}
	if got := it.Dropped(); got != 36 {
		t.Fatalf("dropped = %d, want 36", got)
	}

	m, ok := it.Next(ctx)
	if !ok || m.Event.ID != ev.ID {
		t.Fatalf("buffered event = %+v, %v", m, ok)
	}
}
