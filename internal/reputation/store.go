// Package reputation persists what the client learns about relays: the
// per-relay descriptor with its success and failure counters, and the
// per-user freshness stats used for ranking.
package reputation

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/domain"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/storage"
	"go.uber.org/zap"
)

// Store keeps RelayDescriptors under relay:db:<url> with an index of every
// stored URL. Writes are load-modify-save under one mutex, so concurrent
// writers within the process never lose each other's fields.
type Store struct {
	kv  domain.Store
	mu  sync.Mutex
	log *zap.Logger
}

var _ domain.OutcomeRecorder = (*Store)(nil)

func NewStore(kv domain.Store) *Store {
	return &Store{kv: kv, log: logger.New("reputation")}
}

func relayKey(url string) string { return constants.RelayKeyPrefix + url }

// IncrementSuccess records a successful connection to url, creating the
// descriptor if this is the first time the relay is seen.
func (s *Store) IncrementSuccess(ctx context.Context, url string) error {
	return s.update(ctx, url, func(d *models.RelayDescriptor) {
		d.SuccessCount++
		online := true
		d.IsOnline = &online
	})
}

// IncrementFailure records a failed connection to url.
func (s *Store) IncrementFailure(ctx context.Context, url string) error {
	return s.update(ctx, url, func(d *models.RelayDescriptor) {
		d.FailureCount++
		online := false
		d.IsOnline = &online
	})
}

// Load returns the stored descriptor for url.
func (s *Store) Load(ctx context.Context, url string) (models.RelayDescriptor, bool, error) {
	var d models.RelayDescriptor
	ok, err := storage.GetJSON(ctx, s.kv, relayKey(models.NormalizeURL(url)), &d)
	return d, ok, err
}

// LoadAll returns every stored descriptor in index order. Index entries
// whose record has vanished are skipped.
func (s *Store) LoadAll(ctx context.Context) ([]models.RelayDescriptor, error) {
	urls, err := s.index(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.RelayDescriptor, 0, len(urls))
	for _, u := range urls {
		d, ok, err := s.Load(ctx, u)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// Save merges d into the stored record. Fields d leaves unset are kept.
func (s *Store) Save(ctx context.Context, d models.RelayDescriptor) error {
	return s.update(ctx, d.URL, func(cur *models.RelayDescriptor) {
		models.MergeDescriptor(cur, d)
	})
}

// SaveAll saves each descriptor in turn, stopping at the first error.
func (s *Store) SaveAll(ctx context.Context, list []models.RelayDescriptor) error {
	for _, d := range list {
		if err := s.Save(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Remove drops url's record and its index entry.
func (s *Store) Remove(ctx context.Context, url string) error {
	url = models.NormalizeURL(url)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Remove(ctx, relayKey(url)); err != nil {
		return err
	}
	urls, err := s.index(ctx)
	if err != nil {
		return err
	}
	kept := urls[:0]
	for _, u := range urls {
		if u != url {
			kept = append(kept, u)
		}
	}
	return storage.SetJSON(ctx, s.kv, constants.RelayIndexKey, kept)
}

func (s *Store) update(ctx context.Context, url string, mutate func(*models.RelayDescriptor)) error {
	url = models.NormalizeURL(url)
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok, err := s.Load(ctx, url)
	if err != nil {
		return err
	}
	if !ok {
		d = models.NewRelayDescriptor(url)
	}
	mutate(&d)
	d.URL = url
	now := time.Now().UnixMilli()
	d.LastUpdate = &now

	if err := storage.SetJSON(ctx, s.kv, relayKey(url), d); err != nil {
		return err
	}
	if !ok {
		return s.addToIndex(ctx, url)
	}
	return nil
}

func (s *Store) index(ctx context.Context) ([]string, error) {
	var urls []string
	if _, err := storage.GetJSON(ctx, s.kv, constants.RelayIndexKey, &urls); err != nil {
		return nil, err
	}
	return urls, nil
}

func (s *Store) addToIndex(ctx context.Context, url string) error {
	urls, err := s.index(ctx)
	if err != nil {
		return err
	}
	for _, u := range urls {
		if u == url {
			return nil
		}
	}
	return storage.SetJSON(ctx, s.kv, constants.RelayIndexKey, append(urls, url))
}

// SuccessRate is success/(success+failure), or 0.5 for a relay never
// attempted.
func SuccessRate(d models.RelayDescriptor) float64 {
	attempts := d.Attempts()
	if attempts == 0 {
		return 0.5
	}
	return float64(d.SuccessCount) / float64(attempts)
}

// IsOutdated reports whether a millisecond timestamp is missing or older
// than offsetDays.
func IsOutdated(ts *int64, offsetDays int) bool {
	return isOutdatedAt(ts, offsetDays, time.Now())
}

func isOutdatedAt(ts *int64, offsetDays int, now time.Time) bool {
	if ts == nil {
		return true
	}
	cutoff := now.AddDate(0, 0, -offsetDays)
	return time.UnixMilli(*ts).Before(cutoff)
}
