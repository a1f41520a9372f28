package domain

import (
	"context"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Signer produces signatures for outbound events. Implementations fill in
// PubKey, ID and Sig.
type Signer interface {
	PublicKey(ctx context.Context) (string, error)
	Sign(ctx context.Context, ev *nostr.Event) error
}

// OutcomeRecorder receives per-relay connection outcomes.
type OutcomeRecorder interface {
	IncrementSuccess(ctx context.Context, url string) error
	IncrementFailure(ctx context.Context, url string) error
}

// PublishResult is one relay's answer to a published event.
type PublishResult struct {
	EventID   string `json:"eventId"`
	RelayURL  string `json:"relayUrl"`
	IsSuccess bool   `json:"isSuccess"`
	Reason    string `json:"reason,omitempty"`
}

// Publisher sends a signed event to a set of relays and collects the acks.
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event, relays []string) ([]PublishResult, error)
}

// Querier runs a one-shot REQ against a set of relays and returns every
// event received before EOSE or timeout.
type Querier interface {
	Query(ctx context.Context, relays []string, filter nostr.Filter) ([]RelayEvent, error)
}

// RelayEvent is an event paired with the relay that delivered it.
type RelayEvent struct {
	Relay string
	Event *nostr.Event
}
