// Package selection ranks relays for a user: per-user freshness ranking,
// write-relay cover over a contact list, latency benchmarks and relay
// discovery through a directory API.
package selection

import (
	"context"
	"net/http"

	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/connpool"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/nips"
	"github.com/Shugur-Network/relaymux/internal/reputation"
	"go.uber.org/zap"
)

// ErrNoRelays matches every selection failure.
var ErrNoRelays = apperrors.ErrNoRelays

// Selector runs selection operations over a shared connection pool.
type Selector struct {
	cfg   config.SelectionConfig
	pool  *connpool.Pool
	store *reputation.Store
	stats *reputation.StatStore

	client    *http.Client
	fetchInfo nips.InfoFetcher
	log       *zap.Logger
}

// New wires a Selector. store and stats are required.
func New(cfg config.SelectionConfig, pool *connpool.Pool, store *reputation.Store, stats *reputation.StatStore) *Selector {
	return &Selector{
		cfg:       cfg,
		pool:      pool,
		store:     store,
		stats:     stats,
		client:    &http.Client{Timeout: cfg.DirectoryTimeout},
		fetchInfo: nips.FetchRelayInfo,
		log:       logger.New("selection"),
	}
}

// WithHTTPClient replaces the client used for the relay directory.
func (s *Selector) WithHTTPClient(c *http.Client) *Selector {
	s.client = c
	return s
}

// WithInfoFetcher replaces the NIP-11 fetcher.
func (s *Selector) WithInfoFetcher(f nips.InfoFetcher) *Selector {
	s.fetchInfo = f
	return s
}

// Stats exposes the per-user stat store.
func (s *Selector) Stats() *reputation.StatStore { return s.stats }

// RankOrFail is GetBestRelay for callers that want an error instead of an
// empty ranking.
func (s *Selector) RankOrFail(ctx context.Context, urls []string, pubkey string) ([]models.PubkeyRelayStat, error) {
	ranked := s.GetBestRelay(ctx, urls, pubkey, nil)
	if len(ranked) == 0 {
		return nil, apperrors.SelectionFailure("get_best_relay", len(urls))
	}
	return ranked, nil
}

// PickOrFail is PickRelay returning an error when no relay was found.
func (s *Selector) PickOrFail(ctx context.Context, urls, pubkeys []string) ([]string, error) {
	picked := s.PickRelay(ctx, urls, pubkeys)
	if len(picked) == 0 {
		return nil, apperrors.SelectionFailure("pick_relay", len(urls))
	}
	return picked, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
