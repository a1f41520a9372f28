package nips

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/models"
	nostr "github.com/nbd-wtf/go-nostr"
)

// NIP-65: Relay List Metadata
// https://github.com/nostr-protocol/nips/blob/master/65.md

const (
	MarkerRead  = "read"
	MarkerWrite = "write"
)

var validHostname = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ToRelays reads the "r" tags of a relay list. A missing or empty marker
// means the relay is used for both reading and writing.
func ToRelays(evt *nostr.Event) []models.RelayDescriptor {
	relays := make([]models.RelayDescriptor, 0, len(evt.Tags))
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		r := models.NewRelayDescriptor(tag[1])
		if len(tag) >= 3 && tag[2] != "" {
			r.Read = tag[2] == MarkerRead
			r.Write = tag[2] == MarkerWrite
		}
		relays = append(relays, r)
	}
	return relays
}

// CreateRelayListEvent builds an unsigned kind 10002 event. Read+write
// relays carry no marker.
func CreateRelayListEvent(relays []models.RelayDescriptor) *nostr.Event {
	tags := make(nostr.Tags, 0, len(relays))
	for _, r := range relays {
		switch {
		case r.Read && r.Write:
			tags = append(tags, nostr.Tag{"r", r.URL})
		case r.Read:
			tags = append(tags, nostr.Tag{"r", r.URL, MarkerRead})
		default:
			tags = append(tags, nostr.Tag{"r", r.URL, MarkerWrite})
		}
	}
	return &nostr.Event{
		Kind:      constants.KindRelayList,
		Tags:      tags,
		Content:   "",
		CreatedAt: nostr.Now(),
	}
}

// RelayListFilter asks for the relay lists of pubkeys. A zero limit is
// omitted.
func RelayListFilter(pubkeys []string, limit int) nostr.Filter {
	return nostr.Filter{
		Authors: pubkeys,
		Kinds:   []int{constants.KindRelayList},
		Limit:   limit,
	}
}

// ValidateRelayList checks a kind 10002 event's "r" tags.
func ValidateRelayList(evt *nostr.Event) error {
	if evt.Kind != constants.KindRelayList {
		return fmt.Errorf("invalid event kind: expected %d, got %d", constants.KindRelayList, evt.Kind)
	}
	for _, tag := range evt.Tags {
		if len(tag) == 0 || tag[0] != "r" {
			continue
		}
		if err := validateRelayTag(tag); err != nil {
			return fmt.Errorf("invalid r tag: %w", err)
		}
	}
	return nil
}

func validateRelayTag(tag nostr.Tag) error {
	if len(tag) < 2 {
		return fmt.Errorf("r tag must have at least 2 elements: ['r', 'relay_url']")
	}
	if err := ValidateRelayURL(tag[1]); err != nil {
		return fmt.Errorf("invalid relay URL '%s': %w", tag[1], err)
	}
	if len(tag) >= 3 && tag[2] != "" {
		switch tag[2] {
		case MarkerRead, MarkerWrite:
		default:
			return fmt.Errorf("invalid marker '%s', expected 'read' or 'write'", tag[2])
		}
	}
	return nil
}

// ValidateRelayURL accepts ws:// and wss:// URLs with a plausible host.
func ValidateRelayURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("invalid scheme '%s', expected 'ws' or 'wss'", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if len(host) > 253 {
		return fmt.Errorf("hostname too long")
	}
	if !validHostname.MatchString(strings.Trim(host, "[]")) && !strings.Contains(host, ":") {
		return fmt.Errorf("invalid hostname characters")
	}
	return nil
}
