// Package relaygroup manages a user's named relay groups: local groups,
// the NIP-65 relay list and NIP-51 relay sets, kept in sync with what the
// user publishes.
package relaygroup

import (
	"context"
	"sync"

	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/domain"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/nips"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Manager owns the relay groups of one pubkey. Groups are loaded from the
// store on first use and written back after every change.
type Manager struct {
	pubkey    string
	kv        domain.Store
	signer    domain.Signer
	publisher domain.Publisher

	mu     sync.Mutex
	groups *groupMap
	log    *zap.Logger
}

// NewManager builds a manager. signer and publisher may be nil, in which
// case SyncRelayGroup fails.
func NewManager(pubkey string, kv domain.Store, signer domain.Signer, publisher domain.Publisher) *Manager {
	return &Manager{
		pubkey:    pubkey,
		kv:        kv,
		signer:    signer,
		publisher: publisher,
		log:       logger.New("relaygroup").With(zap.String("pubkey", pubkey)),
	}
}

// load returns the group map, reading it on first use. Callers hold mu.
func (m *Manager) load(ctx context.Context) (*groupMap, error) {
	if m.groups != nil {
		return m.groups, nil
	}
	g, err := loadGroups(ctx, m.kv, m.pubkey)
	if err != nil {
		return nil, err
	}
	m.groups = g
	return g, nil
}

// mutate runs fn over the loaded groups and saves when fn reports a change.
func (m *Manager) mutate(ctx context.Context, fn func(g *groupMap) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups, err := m.load(ctx)
	if err != nil {
		return false, err
	}
	if !fn(groups) {
		return false, nil
	}
	return true, saveGroups(ctx, m.kv, m.pubkey, groups)
}

// GetAllGroupIDs lists group ids in insertion order.
func (m *Manager) GetAllGroupIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), groups.order...), nil
}

func (m *Manager) GetGroupByID(ctx context.Context, id string) (models.RelayGroup, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups, err := m.load(ctx)
	if err != nil {
		return models.RelayGroup{}, false, err
	}
	g, ok := groups.get(id)
	return g.Clone(), ok, nil
}

// SetGroup stores group under id, replacing any previous one.
func (m *Manager) SetGroup(ctx context.Context, id string, group models.RelayGroup) error {
	group = group.Clone()
	if group.ID == "" {
		group.ID = id
	}
	_, err := m.mutate(ctx, func(g *groupMap) bool {
		g.set(id, group)
		return true
	})
	return err
}

func (m *Manager) RemoveGroup(ctx context.Context, id string) error {
	_, err := m.mutate(ctx, func(g *groupMap) bool {
		g.remove(id)
		return true
	})
	return err
}

// AddRelayToGroup appends the relays the group does not hold yet and marks
// the group changed. It reports false when the group does not exist.
func (m *Manager) AddRelayToGroup(ctx context.Context, id string, relays ...models.RelayDescriptor) (bool, error) {
	return m.mutate(ctx, func(g *groupMap) bool {
		group, ok := g.get(id)
		if !ok {
			return false
		}
		group = group.Clone()
		for _, r := range relays {
			if group.IndexOf(r.URL) < 0 {
				r.URL = models.NormalizeURL(r.URL)
				group.Relays = append(group.Relays, r)
			}
		}
		group.Timestamp = int64(nostr.Now())
		group.Changed = true
		g.set(id, group)
		return true
	})
}

// RemoveRelayFromGroup drops urls from the group and marks it changed.
func (m *Manager) RemoveRelayFromGroup(ctx context.Context, id string, urls ...string) (bool, error) {
	return m.mutate(ctx, func(g *groupMap) bool {
		group, ok := g.get(id)
		if !ok {
			return false
		}
		drop := models.RelayGroup{}
		for _, u := range urls {
			drop.Relays = append(drop.Relays, models.RelayDescriptor{URL: u})
		}
		kept := make([]models.RelayDescriptor, 0, len(group.Relays))
		for _, r := range group.Relays {
			if drop.IndexOf(r.URL) < 0 {
				kept = append(kept, r)
			}
		}
		group.Relays = kept
		group.Timestamp = int64(nostr.Now())
		group.Changed = true
		g.set(id, group)
		return true
	})
}

// Clean forgets every group and deletes the stored copy.
func (m *Manager) Clean(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = newGroupMap()
	err := m.kv.Remove(ctx, storageKey(m.pubkey))
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}

// SetNIP65RelayListByEvent replaces the relay-list group with the relays
// of a kind 10002 event, unless the stored list is as new or newer.
func (m *Manager) SetNIP65RelayListByEvent(ctx context.Context, ev *nostr.Event) (bool, error) {
	if err := nips.ValidateRelayList(ev); err != nil {
		return false, apperrors.ValidationError("INVALID_RELAY_LIST", err.Error())
	}
	id := constants.NIP65RelayListID
	next := models.RelayGroup{
		ID:        id,
		Title:     id,
		Relays:    nips.ToRelays(ev),
		Timestamp: int64(ev.CreatedAt),
		Kind:      constants.KindRelayList,
	}
	return m.applyIfNewer(ctx, next)
}

// ApplyRelaySetEvent imports a NIP-51 relay set when it is newer than the
// stored group with the same id. Events without an id or title are
// ignored.
func (m *Manager) ApplyRelaySetEvent(ctx context.Context, ev *nostr.Event) (bool, error) {
	next, ok := nips.RelaySetToGroup(ev)
	if !ok {
		return false, nil
	}
	return m.applyIfNewer(ctx, next)
}

func (m *Manager) applyIfNewer(ctx context.Context, next models.RelayGroup) (bool, error) {
	return m.mutate(ctx, func(g *groupMap) bool {
		if old, ok := g.get(next.ID); ok && old.Timestamp != 0 && old.Timestamp >= next.Timestamp {
			return false
		}
		g.set(next.ID, next)
		return true
	})
}

// SubscribeRelaySets fetches the user's relay sets from relays and applies
// each one. It returns how many groups changed.
func (m *Manager) SubscribeRelaySets(ctx context.Context, q domain.Querier, relays []string) (int, error) {
	if m.pubkey == "" {
		return 0, nil
	}
	found, err := q.Query(ctx, relays, nips.RelaySetFilter([]string{m.pubkey}, ""))
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, re := range found {
		if re.Event.PubKey != m.pubkey {
			continue
		}
		ok, err := m.ApplyRelaySetEvent(ctx, re.Event)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	m.log.Debug("imported relay sets", zap.Int("events", len(found)), zap.Int("applied", applied))
	return applied, nil
}

// SyncRelayGroup publishes a group: the relay-list group as kind 10002,
// any other as a kind 30002 relay set. On success the group takes the
// event's created_at and is no longer marked changed. relays chooses where
// to publish; nil means every connected relay.
func (m *Manager) SyncRelayGroup(ctx context.Context, id string, relays []string) ([]domain.PublishResult, error) {
	if m.signer == nil || m.publisher == nil {
		return nil, apperrors.SignError("relay group sync needs a signer and a publisher", apperrors.ErrNoSigner)
	}
	group, ok, err := m.GetGroupByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NotFoundError("relay group " + id)
	}

	var ev *nostr.Event
	if group.Kind == constants.KindRelayList {
		ev = nips.CreateRelayListEvent(group.Relays)
	} else {
		ev, err = nips.CreateRelaySetEvent(group)
		if err != nil {
			return nil, apperrors.ValidationError("INVALID_RELAY_SET", err.Error())
		}
	}
	if err := m.signer.Sign(ctx, ev); err != nil {
		return nil, err
	}

	results, err := m.publisher.Publish(ctx, ev, relays)
	if err != nil {
		return results, err
	}

	_, err = m.mutate(ctx, func(g *groupMap) bool {
		cur, ok := g.get(id)
		if !ok {
			return false
		}
		cur.Timestamp = int64(ev.CreatedAt)
		cur.Changed = false
		g.set(id, cur)
		return true
	})
	m.log.Info("relay group published",
		zap.String("group", id),
		zap.Int("kind", ev.Kind),
		zap.Int("relays", len(results)))
	return results, err
}
