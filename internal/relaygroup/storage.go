package relaygroup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/domain"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/google/uuid"
)

// groupMap is an insertion-ordered map of groups by id.
type groupMap struct {
	order []string
	byID  map[string]models.RelayGroup
}

func newGroupMap() *groupMap {
	return &groupMap{byID: make(map[string]models.RelayGroup)}
}

func (m *groupMap) get(id string) (models.RelayGroup, bool) {
	g, ok := m.byID[id]
	return g, ok
}

func (m *groupMap) set(id string, g models.RelayGroup) {
	if _, ok := m.byID[id]; !ok {
		m.order = append(m.order, id)
	}
	m.byID[id] = g
}

func (m *groupMap) remove(id string) {
	if _, ok := m.byID[id]; !ok {
		return
	}
	delete(m.byID, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// storageKey is where the groups of pubkey live.
func storageKey(pubkey string) string { return constants.RelayGroupPrefix + pubkey }

// MarshalJSON writes the map as an array of [id, group] pairs.
func (m *groupMap) MarshalJSON() ([]byte, error) {
	pairs := make([][2]any, 0, len(m.order))
	for _, id := range m.order {
		pairs = append(pairs, [2]any{id, m.byID[id]})
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON reads [id, group] pairs. The older [title, relays] layout
// is accepted too; such groups get a fresh uuid and a zero timestamp.
func (m *groupMap) UnmarshalJSON(data []byte) error {
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	fresh := newGroupMap()
	for _, p := range pairs {
		var first string
		if err := json.Unmarshal(p[0], &first); err != nil {
			return fmt.Errorf("group key: %w", err)
		}
		second := bytes.TrimSpace(p[1])
		if len(second) > 0 && second[0] == '[' {
			var relays []models.RelayDescriptor
			if err := json.Unmarshal(second, &relays); err != nil {
				return fmt.Errorf("legacy group %q: %w", first, err)
			}
			id := uuid.NewString()
			fresh.set(id, models.RelayGroup{ID: id, Title: first, Relays: relays})
			continue
		}
		var g models.RelayGroup
		if err := json.Unmarshal(second, &g); err != nil {
			return fmt.Errorf("group %q: %w", first, err)
		}
		if g.ID == "" {
			g.ID = first
		}
		fresh.set(first, g)
	}
	*m = *fresh
	return nil
}

func loadGroups(ctx context.Context, kv domain.Store, pubkey string) (*groupMap, error) {
	raw, err := kv.Get(ctx, storageKey(pubkey))
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return newGroupMap(), nil
	}
	if err != nil {
		return nil, err
	}
	m := newGroupMap()
	if err := json.Unmarshal(raw, m); err != nil {
		// unreadable data starts over empty
		return newGroupMap(), nil
	}
	return m, nil
}

func saveGroups(ctx context.Context, kv domain.Store, pubkey string, m *groupMap) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return apperrors.InternalError("failed to encode relay groups", err)
	}
	return kv.Set(ctx, storageKey(pubkey), raw)
}
