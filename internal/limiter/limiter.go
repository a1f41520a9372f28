// Package limiter throttles commands per key, typically a broker port,
// and bans keys that keep exceeding their rate.
package limiter

import (
	"sync"
	"time"

	"github.com/Shugur-Network/relaymux/internal/config"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limit defines the limits applied to every key.
type Limit struct {
	PerSecond    float64       // sustained commands per second
	Burst        int           // commands allowed at once
	BanThreshold int           // violations before banning, 0 never bans
	BanDuration  time.Duration // how long a ban lasts
}

// LimitFromConfig maps the broker rate limit section onto a Limit.
func LimitFromConfig(cfg config.RateLimitConfig) Limit {
	return Limit{
		PerSecond:    cfg.MaxCommandsPerSecond,
		Burst:        cfg.BurstSize,
		BanThreshold: cfg.BanThreshold,
		BanDuration:  cfg.BanDuration,
	}
}

// entry tracks rate limiting state for a specific key
type entry struct {
	limiter     *rate.Limiter
	violations  int
	bannedUntil time.Time
	lastSeen    time.Time
}

// Registry holds one token bucket per key.
type Registry struct {
	limit   Limit
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	log     *zap.Logger
}

func NewRegistry(limit Limit) *Registry {
	if limit.Burst < 1 {
		limit.Burst = 1
	}
	return &Registry{
		limit:   limit,
		entries: make(map[string]*entry),
		now:     time.Now,
		log:     logger.New("limiter"),
	}
}

// Allow spends one token for key. It returns a rate limit error when the
// bucket is empty and a ban error while the key is banned. Empty keys are
// never limited.
func (r *Registry) Allow(key string) error {
	if key == "" || r.limit.PerSecond <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(r.limit.PerSecond), r.limit.Burst)}
		r.entries[key] = e
	}
	e.lastSeen = now

	if now.Before(e.bannedUntil) {
		return apperrors.ClientBannedError(key, e.bannedUntil.Sub(now).Round(time.Second).String())
	}
	if e.limiter.AllowN(now, 1) {
		return nil
	}

	e.violations++
	if r.limit.BanThreshold > 0 && e.violations >= r.limit.BanThreshold {
		e.violations = 0
		e.bannedUntil = now.Add(r.limit.BanDuration)
		r.log.Warn("Rate limit exceeded, client banned",
			zap.String("key", key),
			zap.Duration("ban_duration", r.limit.BanDuration))
		return apperrors.ClientBannedError(key, r.limit.BanDuration.String())
	}
	r.log.Debug("Rate limit exceeded",
		zap.String("key", key),
		zap.Int("violations", e.violations))
	return apperrors.RateLimitError(key)
}

// Banned reports whether key is currently banned.
func (r *Registry) Banned(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return ok && r.now().Before(e.bannedUntil)
}

// Forget drops the state of key.
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Cleanup removes keys idle for longer than maxIdle that are not banned,
// and returns how many it removed.
func (r *Registry) Cleanup(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for key, e := range r.entries {
		if now.Sub(e.lastSeen) > maxIdle && !now.Before(e.bannedUntil) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Len is the number of tracked keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
