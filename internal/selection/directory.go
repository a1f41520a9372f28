package selection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/Shugur-Network/relaymux/internal/connpool"
	"github.com/Shugur-Network/relaymux/internal/constants"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/reputation"
	"github.com/Shugur-Network/relaymux/internal/socket"
	"go.uber.org/zap"
)

const maxDirectoryBody = 4 << 20

// FetchDirectory downloads the list of online relays from the directory
// API. The response is a JSON array of relay URLs.
func (s *Selector) FetchDirectory(ctx context.Context) ([]models.RelayDescriptor, error) {
	url := s.cfg.DirectoryURL
	if url == "" {
		url = constants.DefaultDirectoryURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.ExternalServiceError("relay directory", "request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.ExternalServiceError("relay directory", "fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.ExternalServiceError("relay directory", "fetch",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var urls []string
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDirectoryBody)).Decode(&urls); err != nil {
		return nil, apperrors.ExternalServiceError("relay directory", "decode", err)
	}

	out := make([]models.RelayDescriptor, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		d := models.NewRelayDescriptor(u)
		if d.URL == "" || seen[d.URL] {
			continue
		}
		seen[d.URL] = true
		out = append(out, d)
	}
	return out, nil
}

// discover asks the directory and falls back to the configured seed
// relays when it is unreachable or empty.
func (s *Selector) discover(ctx context.Context) []models.RelayDescriptor {
	list, err := s.FetchDirectory(ctx)
	if err == nil && len(list) > 0 {
		return list
	}
	if err != nil {
		s.log.Warn("relay directory unavailable, using seed relays", zap.Error(err))
	}
	seeds := make([]models.RelayDescriptor, 0, len(s.cfg.SeedRelays))
	for _, u := range dedupe(s.cfg.SeedRelays) {
		seeds = append(seeds, models.NewRelayDescriptor(u))
	}
	return seeds
}

// GetAllRelays returns every known relay.
//
// With alwaysFetch the directory is consulted even when relays are
// already stored; new ones are saved and appended, and the list is
// returned in store order. Otherwise the directory is only used to seed
// an empty store, and the list is sorted by success rate, lowest first.
func (s *Selector) GetAllRelays(ctx context.Context, alwaysFetch bool) ([]models.RelayDescriptor, error) {
	relays, err := s.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	if alwaysFetch {
		known := make(map[string]bool, len(relays))
		for _, r := range relays {
			known[r.URL] = true
		}
		for _, r := range s.discover(ctx) {
			if known[r.URL] {
				continue
			}
			if err := s.store.Save(ctx, r); err != nil {
				return nil, err
			}
			known[r.URL] = true
			relays = append(relays, r)
		}
		return relays, nil
	}

	if len(relays) == 0 {
		relays = s.discover(ctx)
		if err := s.store.SaveAll(ctx, relays); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(relays, func(i, j int) bool {
		return reputation.SuccessRate(relays[i]) < reputation.SuccessRate(relays[j])
	})
	return relays, nil
}

// RefreshRelayInfo fetches NIP-11 documents for the urls whose last fetch
// is missing or older than the configured refresh interval, and merges
// them into the store. Fetches share the connection pool's concurrency
// cap. Failed fetches are stored too so they wait out the interval. It
// returns how many relays got a fresh document and how many fetches
// failed.
func (s *Selector) RefreshRelayInfo(ctx context.Context, urls []string) (refreshed, failed int) {
	days := s.cfg.InfoRefreshDays
	if days <= 0 {
		days = constants.DefaultOutdatedDays
	}

	var due []string
	for _, u := range dedupe(urls) {
		d, ok, err := s.store.Load(ctx, u)
		if err != nil {
			s.log.Warn("failed to load relay", zap.String("relay", u), zap.Error(err))
			continue
		}
		if !ok || reputation.IsOutdated(d.LastInfoFetch, days) {
			due = append(due, u)
		}
	}
	if len(due) == 0 {
		return 0, 0
	}

	step := s.pool.MaxConcurrency()
	for start := 0; start < len(due); start += step {
		end := min(start+step, len(due))
		for _, f := range s.fetchBatch(ctx, due[start:end]) {
			if f.err != nil {
				failed++
			}
			if err := s.store.Save(ctx, f.desc); err != nil {
				s.log.Warn("failed to save relay info", zap.String("relay", f.desc.URL), zap.Error(err))
				continue
			}
			if f.err == nil {
				refreshed++
			}
		}
	}
	s.log.Debug("relay info refresh",
		zap.Int("due", len(due)),
		zap.Int("refreshed", refreshed),
		zap.Int("failed", failed))
	return refreshed, failed
}

type infoFetch struct {
	desc models.RelayDescriptor
	err  error
}

func (s *Selector) fetchBatch(ctx context.Context, urls []string) []infoFetch {
	out := make([]infoFetch, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			d, err := s.fetchInfo(ctx, u)
			if err != nil {
				s.log.Debug("relay info fetch failed", zap.String("relay", u), zap.Error(err))
			}
			// failed attempts are stored too
			if d.URL == "" {
				d.URL = models.NormalizeURL(u)
			}
			out[i] = infoFetch{desc: d, err: err}
		}(i, u)
	}
	wg.Wait()
	return out
}

// ProbeOnline opens each url through the pool and returns the ones that
// answered. Outcomes land in the reputation store.
func (s *Selector) ProbeOnline(ctx context.Context, urls []string) []string {
	return connpool.ExecuteConcurrently(ctx, s.pool, dedupe(urls),
		func(ctx context.Context, c *socket.Conn) (string, error) { return c.URL(), nil })
}
