package reputation

import (
	"context"
	"sort"
	"sync"

	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/domain"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/storage"
)

// StatStore holds PubkeyRelayStats in memory, keyed by (pubkey, relay).
// Updates are monotonic: a timestamp only moves forward.
type StatStore struct {
	kv domain.Store

	mu     sync.Mutex
	users  map[string]*userStats
	loaded map[string]bool
}

type userStats struct {
	order []string
	byURL map[string]*models.PubkeyRelayStat
}

// NewStatStore returns an empty store. kv may be nil, in which case Load
// and Flush are no-ops.
func NewStatStore(kv domain.Store) *StatStore {
	return &StatStore{kv: kv, users: make(map[string]*userStats), loaded: make(map[string]bool)}
}

func (s *StatStore) user(pubkey string) *userStats {
	u := s.users[pubkey]
	if u == nil {
		u = &userStats{byURL: make(map[string]*models.PubkeyRelayStat)}
		s.users[pubkey] = u
	}
	return u
}

// slot returns the stat for (pubkey, relay), creating a zero one. Callers
// hold mu.
func (s *StatStore) slot(pubkey, relay string) *models.PubkeyRelayStat {
	u := s.user(pubkey)
	st := u.byURL[relay]
	if st == nil {
		st = &models.PubkeyRelayStat{Pubkey: pubkey, Relay: relay}
		u.byURL[relay] = st
		u.order = append(u.order, relay)
	}
	return st
}

// Get returns a copy of the stat for (pubkey, relay).
func (s *StatStore) Get(pubkey, relay string) (models.PubkeyRelayStat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.users[pubkey]; u != nil {
		if st := u.byURL[relay]; st != nil {
			return *st, true
		}
	}
	return models.PubkeyRelayStat{}, false
}

// Put stores st as given, recomputing its score.
func (s *StatStore) Put(st models.PubkeyRelayStat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.slot(st.Pubkey, st.Relay)
	*slot = st
	slot.Score = slot.ComputeScore()
}

// Touch makes sure (pubkey, relay) exists, so a relay that answered with
// nothing still shows up with a zero score.
func (s *StatStore) Touch(pubkey, relay string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot(pubkey, relay)
}

// Observe applies one event's created_at to the stat. It reports whether
// the stat moved; older or equal timestamps and unranked kinds do not.
func (s *StatStore) Observe(pubkey, relay string, kind int, createdAt int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot(pubkey, relay).Observe(kind, createdAt)
}

// Pick returns every stat of pubkey by score, highest first. Equal scores
// keep the order the relays were first seen in.
func (s *StatStore) Pick(pubkey string) []models.PubkeyRelayStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[pubkey]
	if u == nil {
		return nil
	}
	out := make([]models.PubkeyRelayStat, 0, len(u.order))
	for _, relay := range u.order {
		out = append(out, *u.byURL[relay])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Load merges the persisted stats of pubkey into memory. Timestamps only
// move forward, so updates made before the load survive it.
func (s *StatStore) Load(ctx context.Context, pubkey string) error {
	if s.kv == nil {
		return nil
	}
	var list []models.PubkeyRelayStat
	if _, err := storage.GetJSON(ctx, s.kv, constants.PubkeyStatPrefix+pubkey, &list); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range list {
		slot := s.slot(pubkey, st.Relay)
		slot.Observe(constants.KindMetadata, st.LastKind0)
		slot.Observe(constants.KindTextNote, st.LastKind1)
		slot.Observe(constants.KindContactList, st.LastKind3)
		slot.Observe(constants.KindLongFormPost, st.LastKind30023)
		slot.Score = slot.ComputeScore()
	}
	s.loaded[pubkey] = true
	return nil
}

// Flush persists the stats of pubkey in first-seen order. A pubkey that
// was never loaded is loaded first so the write keeps earlier sessions.
func (s *StatStore) Flush(ctx context.Context, pubkey string) error {
	if s.kv == nil {
		return nil
	}
	s.mu.Lock()
	loaded := s.loaded[pubkey]
	s.mu.Unlock()
	if !loaded {
		if err := s.Load(ctx, pubkey); err != nil {
			return err
		}
	}

	s.mu.Lock()
	var list []models.PubkeyRelayStat
	if u := s.users[pubkey]; u != nil {
		list = make([]models.PubkeyRelayStat, 0, len(u.order))
		for _, relay := range u.order {
			list = append(list, *u.byURL[relay])
		}
	}
	s.mu.Unlock()
	return storage.SetJSON(ctx, s.kv, constants.PubkeyStatPrefix+pubkey, list)
}
