package nips

import (
	"fmt"

	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/models"
	nostr "github.com/nbd-wtf/go-nostr"
)

// NIP-51: Lists. Only relay sets (kind 30002) are handled here.
// https://github.com/nostr-protocol/nips/blob/master/51.md

// RelaySet is the parsed content of a kind 30002 event.
type RelaySet struct {
	ID          string
	Title       string
	Description string
	Relays      []string
}

// ParseRelaySet reads the d, title, description and relay tags. Later tags
// overwrite earlier ones for the single-valued fields.
func ParseRelaySet(tags nostr.Tags) RelaySet {
	var rs RelaySet
	for _, tag := range tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "d":
			rs.ID = tag[1]
		case "title":
			rs.Title = tag[1]
		case "description":
			rs.Description = tag[1]
		case "relay":
			rs.Relays = append(rs.Relays, tag[1])
		}
	}
	return rs
}

// CreateRelaySetEvent builds an unsigned kind 30002 event for group. The
// group needs both an id and a title.
func CreateRelaySetEvent(group models.RelayGroup) (*nostr.Event, error) {
	if group.ID == "" || group.Title == "" {
		return nil, fmt.Errorf("invalid relay set: id and title are required")
	}
	tags := nostr.Tags{
		{"d", group.ID},
		{"title", group.Title},
	}
	if group.Description != "" {
		tags = append(tags, nostr.Tag{"description", group.Description})
	}
	for _, r := range group.Relays {
		tags = append(tags, nostr.Tag{"relay", r.URL})
	}
	return &nostr.Event{
		Kind:      constants.KindRelaySet,
		Tags:      tags,
		CreatedAt: nostr.Now(),
	}, nil
}

// RelaySetFilter asks for the relay sets of pubkeys, optionally narrowed to
// one identifier.
func RelaySetFilter(pubkeys []string, identifier string) nostr.Filter {
	f := nostr.Filter{
		Authors: pubkeys,
		Kinds:   []int{constants.KindRelaySet},
		Limit:   constants.RelaySetSubLimit,
	}
	if identifier != "" {
		f.Tags = nostr.TagMap{"d": {identifier}}
	}
	return f
}

// RelaySetToGroup converts a relay set event into a group. It reports false
// when the event is not a relay set or lacks an id or title.
func RelaySetToGroup(evt *nostr.Event) (models.RelayGroup, bool) {
	if evt.Kind != constants.KindRelaySet {
		return models.RelayGroup{}, false
	}
	rs := ParseRelaySet(evt.Tags)
	if rs.ID == "" || rs.Title == "" {
		return models.RelayGroup{}, false
	}
	g := models.RelayGroup{
		ID:          rs.ID,
		Title:       rs.Title,
		Description: rs.Description,
		Timestamp:   int64(evt.CreatedAt),
		Kind:        constants.KindRelaySet,
		Relays:      make([]models.RelayDescriptor, 0, len(rs.Relays)),
	}
	for _, u := range rs.Relays {
		g.Relays = append(g.Relays, models.NewRelayDescriptor(u))
	}
	return g, true
}
