package limiter

import (
	"testing"
	"time"

	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestRegistry(limit Limit) (*Registry, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(limit)
	r.now = c.now
	return r, c
}

func TestBurstThenRefill(t *testing.T) {
	r, c := newTestRegistry(Limit{PerSecond: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		if err := r.Allow("port:1"); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
	}
	if err := r.Allow("port:1"); !apperrors.IsType(err, apperrors.ErrorTypeRateLimit) {
		t.Fatalf("fourth command err = %v, want rate limit", err)
	}
	if err := r.Allow("port:2"); err != nil {
		t.Fatalf("other keys are independent: %v", err)
	}

	c.t = c.t.Add(time.Second)
	if err := r.Allow("port:1"); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestBanAfterThreshold(t *testing.T) {
	r, c := newTestRegistry(Limit{PerSecond: 1, Burst: 1, BanThreshold: 2, BanDuration: time.Minute})

	_ = r.Allow("k")
	_ = r.Allow("k")
	err := r.Allow("k")
	var appErr *apperrors.AppError
	if !apperrors.As(err, &appErr) || appErr.Code != "CLIENT_BANNED" {
		t.Fatalf("err = %v, want CLIENT_BANNED", err)
	}
	if !r.Banned("k") {
		t.Fatal("key should be banned")
	}

	c.t = c.t.Add(30 * time.Second)
	if err := r.Allow("k"); !apperrors.As(err, &appErr) || appErr.Code != "CLIENT_BANNED" {
		t.Fatalf("still banned: err = %v", err)
	}

	c.t = c.t.Add(time.Minute)
	if err := r.Allow("k"); err != nil {
		t.Fatalf("after ban: %v", err)
	}
}

func TestDisabledAndEmptyKeys(t *testing.T) {
	r, _ := newTestRegistry(Limit{})
	for i := 0; i < 100; i++ {
		if err := r.Allow("k"); err != nil {
			t.Fatalf("disabled limiter refused: %v", err)
		}
	}
	r2, _ := newTestRegistry(Limit{PerSecond: 1, Burst: 1})
	for i := 0; i < 5; i++ {
		if err := r2.Allow(""); err != nil {
			t.Fatalf("empty key refused: %v", err)
		}
	}
}

func TestCleanupKeepsBannedKeys(t *testing.T) {
	r, c := newTestRegistry(Limit{PerSecond: 1, Burst: 1, BanThreshold: 1, BanDuration: time.Hour})
	_ = r.Allow("idle")
	_ = r.Allow("banned")
	_ = r.Allow("banned")

	c.t = c.t.Add(10 * time.Minute)
	if n := r.Cleanup(time.Minute); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if r.Len() != 1 || !r.Banned("banned") {
		t.Fatalf("len=%d banned=%t", r.Len(), r.Banned("banned"))
	}
	r.Forget("banned")
	if r.Len() != 0 {
		t.Fatalf("len = %d after Forget", r.Len())
	}
}
