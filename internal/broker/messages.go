package broker

import (
	"github.com/Shugur-Network/relaymux/internal/domain"
	"github.com/Shugur-Network/relaymux/internal/multiplexer"
	nostr "github.com/nbd-wtf/go-nostr"
)

// Command is something a port asks the broker to do. The set is closed:
// the broker switches over every implementation.
type Command interface {
	commandName() string
}

// Subscribe opens SubID on the targeted relays. KeepAlive subscriptions
// survive reconnects.
type Subscribe struct {
	Filter    nostr.Filter
	Target    multiplexer.Target
	SubID     string
	KeepAlive bool
}

// Unsubscribe ends SubID on every relay.
type Unsubscribe struct {
	SubID string
}

// Publish sends a signed event to the targeted relays.
type Publish struct {
	Event  *nostr.Event
	Target multiplexer.Target
}

// SwitchRelays replaces the relay set for every port.
type SwitchRelays struct {
	Set multiplexer.RelaySet
}

// PullRelayInfo asks for a RelayInfo message.
type PullRelayInfo struct{}

// Disconnect closes every relay socket, for every port.
type Disconnect struct{}

// ClosePort ends the port's subscriptions and closes the port.
type ClosePort struct{}

func (Subscribe) commandName() string     { return "subscribe" }
func (Unsubscribe) commandName() string   { return "unsubscribe" }
func (Publish) commandName() string       { return "publish" }
func (SwitchRelays) commandName() string  { return "switch_relays" }
func (PullRelayInfo) commandName() string { return "pull_relay_info" }
func (Disconnect) commandName() string    { return "disconnect" }
func (ClosePort) commandName() string     { return "close_port" }

// MessageKind tags an outbound message.
type MessageKind string

const (
	KindPortID        MessageKind = "portId"
	KindEvent         MessageKind = "event"
	KindPubResult     MessageKind = "pubResult"
	KindRelayInfo     MessageKind = "relayInfo"
	KindNotice        MessageKind = "notice"
	KindAuthChallenge MessageKind = "authChallenge"
	KindSubEnd        MessageKind = "subEnd"
	KindError         MessageKind = "error"
)

// RelayInfo describes the active relay set and its connect status.
type RelayInfo struct {
	ID              string          `json:"id"`
	Relays          []string        `json:"relays"`
	WsConnectStatus map[string]bool `json:"wsConnectStatus"`
}

// Message is what the broker delivers to a port. Kind says which of the
// optional fields are set.
type Message struct {
	Kind      MessageKind           `json:"type"`
	PortID    uint64                `json:"portId"`
	SubID     string                `json:"subId,omitempty"`
	RelayURL  string                `json:"relayUrl,omitempty"`
	Event     *nostr.Event          `json:"event,omitempty"`
	PubResult *domain.PublishResult `json:"pubResult,omitempty"`
	RelayInfo *RelayInfo            `json:"relayInfo,omitempty"`
	Notice    string                `json:"notice,omitempty"`
	Challenge string                `json:"challenge,omitempty"`
	Reason    string                `json:"reason,omitempty"`
	Code      string                `json:"code,omitempty"`
	RequestID string                `json:"requestId,omitempty"`
}
