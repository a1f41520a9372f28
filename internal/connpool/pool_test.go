package connpool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/connpool"
	"github.com/Shugur-Network/relaymux/internal/socket"
	"github.com/Shugur-Network/relaymux/internal/socket/sockettest"
	nostr "github.com/nbd-wtf/go-nostr"
)

type recorder struct {
	mu      sync.Mutex
	success map[string]int
	failure map[string]int
}

func newRecorder() *recorder {
	return &recorder{success: map[string]int{}, failure: map[string]int{}}
}

func (r *recorder) IncrementSuccess(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success[url]++
	return nil
}

func (r *recorder) IncrementFailure(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure[url]++
	return nil
}

func poolConfig(max int, timeout time.Duration) config.PoolConfig {
	return config.PoolConfig{MaxConcurrency: max, OpTimeout: timeout, OpenTimeout: timeout}
}

func TestConcurrencyBound(t *testing.T) {
	var urls []string
	for i := 0; i < 12; i++ {
		r := sockettest.New(t, sockettest.WithDelay(30*time.Millisecond))
		urls = append(urls, r.URL)
	}

	var open, peak atomic.Int64
	opener := func(ctx context.Context, url string, opts socket.Options) (*socket.Conn, error) {
		opts.OnClose = func(string, error) { open.Add(-1) }
		c, err := socket.Open(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		n := open.Add(1)
		for p := peak.Load(); n > p && !peak.CompareAndSwap(p, n); p = peak.Load() {
		}
		return c, nil
	}

	var progress []int
	p := connpool.New(poolConfig(3, 2*time.Second), nil).WithOpener(opener)
	got := connpool.ExecuteConcurrently(context.Background(), p, urls,
		func(ctx context.Context, c *socket.Conn) (string, error) {
			_, err := c.Query(ctx, nostr.Filter{Kinds: []int{1}})
			return c.URL(), err
		},
		connpool.WithProgress(func(n int) { progress = append(progress, n) }),
	)

	if len(got) != len(urls) {
		t.Fatalf("got %d results, want %d", len(got), len(urls))
	}
	if got := peak.Load(); got > 3 || got == 0 {
		t.Fatalf("peak open sockets = %d, want 1..3", got)
	}
	want := []int{12, 9, 6, 3}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress = %v, want %v", progress, want)
		}
	}
}

func TestTotalFailureYieldsEmpty(t *testing.T) {
	rec := newRecorder()
	p := connpool.New(poolConfig(4, 500*time.Millisecond), rec)
	urls := []string{"ws://127.0.0.1:1", "ws://127.0.0.1:2", "not-a-url"}

	got := connpool.ExecuteConcurrently(context.Background(), p, urls,
		func(ctx context.Context, c *socket.Conn) (int, error) { return 1, nil })

	if len(got) != 0 {
		t.Fatalf("got %v, want no results", got)
	}
	for _, u := range urls {
		if rec.failure[u] != 1 {
			t.Errorf("failure count for %s = %d, want 1", u, rec.failure[u])
		}
	}
}

func TestPartialFailureAndTimeout(t *testing.T) {
	ok := sockettest.New(t)
	slow := sockettest.New(t, sockettest.WithoutEOSE())
	rec := newRecorder()
	p := connpool.New(poolConfig(5, 300*time.Millisecond), rec)

	got := connpool.ExecuteConcurrently(context.Background(), p,
		[]string{ok.URL, slow.URL, "ws://127.0.0.1:1"},
		func(ctx context.Context, c *socket.Conn) (*string, error) {
			s, err := c.Subscribe(ctx, "probe", nostr.Filter{Kinds: []int{1}})
			if err != nil {
				return nil, err
			}
			defer s.Unsubscribe()
			select {
			case <-s.EOSE():
				u := c.URL()
				return &u, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})

	if len(got) != 1 || *got[0] != ok.URL {
		t.Fatalf("got %v, want only %s", got, ok.URL)
	}
	if rec.success[ok.URL] != 1 || rec.failure[slow.URL] != 1 {
		t.Fatalf("success=%v failure=%v", rec.success, rec.failure)
	}
}

func TestNilAndNoResultAreDropped(t *testing.T) {
	a := sockettest.New(t)
	b := sockettest.New(t)
	rec := newRecorder()
	p := connpool.New(poolConfig(5, time.Second), rec)

	got := connpool.ExecuteConcurrently(context.Background(), p, []string{a.URL, b.URL},
		func(ctx context.Context, c *socket.Conn) ([]int, error) {
			if c.URL() == a.URL {
				return nil, nil
			}
			return nil, connpool.ErrNoResult
		})
	if len(got) != 0 {
		t.Fatalf("got %v, want nothing", got)
	}
	if rec.success[a.URL] != 1 || rec.success[b.URL] != 1 {
		t.Fatalf("both relays answered and should count as success: %v", rec.success)
	}
}
