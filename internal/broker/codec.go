package broker

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/multiplexer"
	"github.com/Shugur-Network/relaymux/internal/wire"
	nostr "github.com/nbd-wtf/go-nostr"
)

// envelope is a command on the websocket transport:
//
//	{"type":"subscribe","requestId":"r1","subId":"feed","filter":{...},"target":{"mode":"all"},"keepAlive":true}
type envelope struct {
	Type      string                `json:"type"`
	RequestID string                `json:"requestId,omitempty"`
	SubID     string                `json:"subId,omitempty"`
	Filter    json.RawMessage       `json:"filter,omitempty"`
	Target    *multiplexer.Target   `json:"target,omitempty"`
	KeepAlive bool                  `json:"keepAlive,omitempty"`
	Event     *nostr.Event          `json:"event,omitempty"`
	RelaySet  *multiplexer.RelaySet `json:"relaySet,omitempty"`
}

var commandTypes = map[string]string{
	"subscribe":     Subscribe{}.commandName(),
	"unsubscribe":   Unsubscribe{}.commandName(),
	"publish":       Publish{}.commandName(),
	"switchRelays":  SwitchRelays{}.commandName(),
	"pullRelayInfo": PullRelayInfo{}.commandName(),
	"disconnect":    Disconnect{}.commandName(),
	"closePort":     ClosePort{}.commandName(),
}

// DecodeCommand parses one websocket frame. The request id is returned
// even when the command itself is invalid, so the error can be matched.
func DecodeCommand(data []byte) (Command, string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", apperrors.ValidationError("MALFORMED_COMMAND", fmt.Sprintf("decode: %v", err))
	}
	if _, ok := commandTypes[env.Type]; !ok {
		return nil, env.RequestID, apperrors.ValidationError("UNKNOWN_COMMAND", fmt.Sprintf("unknown command %q", env.Type))
	}

	var target multiplexer.Target
	if env.Target != nil {
		target = *env.Target
	}

	switch env.Type {
	case "subscribe":
		if len(env.Filter) == 0 {
			return nil, env.RequestID, apperrors.FilterError("missing filter")
		}
		f, err := wire.ParseFilter(env.Filter)
		if err != nil {
			return nil, env.RequestID, err
		}
		return Subscribe{Filter: f, Target: target, SubID: env.SubID, KeepAlive: env.KeepAlive}, env.RequestID, nil
	case "unsubscribe":
		if env.SubID == "" {
			return nil, env.RequestID, apperrors.ValidationError("MISSING_SUB_ID", "unsubscribe needs a subscription id")
		}
		return Unsubscribe{SubID: env.SubID}, env.RequestID, nil
	case "publish":
		if env.Event == nil {
			return nil, env.RequestID, apperrors.ValidationError("MISSING_EVENT", "publish needs an event")
		}
		return Publish{Event: env.Event, Target: target}, env.RequestID, nil
	case "switchRelays":
		if env.RelaySet == nil {
			return nil, env.RequestID, apperrors.ValidationError("MISSING_RELAY_SET", "switchRelays needs a relay set")
		}
		return SwitchRelays{Set: *env.RelaySet}, env.RequestID, nil
	case "pullRelayInfo":
		return PullRelayInfo{}, env.RequestID, nil
	case "disconnect":
		return Disconnect{}, env.RequestID, nil
	default:
		return ClosePort{}, env.RequestID, nil
	}
}

// EncodeCommand is the inverse of DecodeCommand.
func EncodeCommand(cmd Command, requestID string) ([]byte, error) {
	env := envelope{RequestID: requestID}
	switch c := cmd.(type) {
	case Subscribe:
		raw, err := json.Marshal(c.Filter)
		if err != nil {
			return nil, err
		}
		t := c.Target
		env.Type, env.SubID, env.Filter, env.Target, env.KeepAlive = "subscribe", c.SubID, raw, &t, c.KeepAlive
	case Unsubscribe:
		env.Type, env.SubID = "unsubscribe", c.SubID
	case Publish:
		t := c.Target
		env.Type, env.Event, env.Target = "publish", c.Event, &t
	case SwitchRelays:
		set := c.Set
		env.Type, env.RelaySet = "switchRelays", &set
	case PullRelayInfo:
		env.Type = "pullRelayInfo"
	case Disconnect:
		env.Type = "disconnect"
	case ClosePort:
		env.Type = "closePort"
	default:
		return nil, apperrors.ValidationError("UNKNOWN_COMMAND", fmt.Sprintf("unknown command %T", cmd))
	}
	return json.Marshal(env)
}

// errorMessage turns a failed command into a KindError message.
func errorMessage(portID uint64, requestID string, err error) Message {
	msg := Message{Kind: KindError, PortID: portID, RequestID: requestID, Reason: err.Error()}
	if appErr, ok := apperrors.AsApp(err); ok {
		msg.Code = appErr.Code
		msg.Reason = appErr.Message
	}
	return msg
}
