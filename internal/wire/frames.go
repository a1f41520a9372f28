// Package wire encodes and decodes the JSON array frames exchanged with
// Nostr relays.
package wire

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	nostr "github.com/nbd-wtf/go-nostr"
)

// Frame labels.
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelEOSE   = "EOSE"
	LabelOK     = "OK"
	LabelNotice = "NOTICE"
	LabelAuth   = "AUTH"
	LabelClosed = "CLOSED"
)

// ErrUnknownFrame is returned for well-formed frames with a label this
// client does not handle. Callers drop them.
var ErrUnknownFrame = apperrors.New(apperrors.ErrorTypeValidation, "UNKNOWN_FRAME", "unknown frame label")

// ServerFrame is one relay-to-client message. The concrete types below are
// the only implementations.
type ServerFrame interface {
	Label() string
}

type EventFrame struct {
	SubID string
	Event *nostr.Event
}

type EOSEFrame struct {
	SubID string
}

type OKFrame struct {
	EventID  string
	Accepted bool
	Reason   string
}

type NoticeFrame struct {
	Message string
}

type AuthFrame struct {
	Challenge string
}

type ClosedFrame struct {
	SubID  string
	Reason string
}

func (EventFrame) Label() string  { return LabelEvent }
func (EOSEFrame) Label() string   { return LabelEOSE }
func (OKFrame) Label() string     { return LabelOK }
func (NoticeFrame) Label() string { return LabelNotice }
func (AuthFrame) Label() string   { return LabelAuth }
func (ClosedFrame) Label() string { return LabelClosed }

// ParseServerFrame decodes a relay message.
func ParseServerFrame(data []byte) (ServerFrame, error) {
	label, parts, err := split(data)
	if err != nil {
		return nil, err
	}

	switch label {
	case LabelEvent:
		if len(parts) < 3 {
			return nil, malformed("EVENT needs a subscription id and an event")
		}
		subID, err := str(parts[1], "subscription id")
		if err != nil {
			return nil, err
		}
		var ev nostr.Event
		if err := json.Unmarshal(parts[2], &ev); err != nil {
			return nil, malformed("EVENT payload: " + err.Error())
		}
		if ev.ID == "" || ev.PubKey == "" {
			return nil, malformed("EVENT payload missing id or pubkey")
		}
		return EventFrame{SubID: subID, Event: &ev}, nil

	case LabelEOSE:
		if len(parts) < 2 {
			return nil, malformed("EOSE needs a subscription id")
		}
		subID, err := str(parts[1], "subscription id")
		if err != nil {
			return nil, err
		}
		return EOSEFrame{SubID: subID}, nil

	case LabelOK:
		if len(parts) < 3 {
			return nil, malformed("OK needs an event id and a status")
		}
		id, err := str(parts[1], "event id")
		if err != nil {
			return nil, err
		}
		var accepted bool
		if err := json.Unmarshal(parts[2], &accepted); err != nil {
			return nil, malformed("OK status is not a boolean")
		}
		f := OKFrame{EventID: id, Accepted: accepted}
		if len(parts) > 3 {
			f.Reason, _ = str(parts[3], "reason")
		}
		return f, nil

	case LabelNotice:
		if len(parts) < 2 {
			return nil, malformed("NOTICE needs a message")
		}
		msg, err := str(parts[1], "message")
		if err != nil {
			return nil, err
		}
		return NoticeFrame{Message: msg}, nil

	case LabelAuth:
		if len(parts) < 2 {
			return nil, malformed("AUTH needs a challenge")
		}
		ch, err := str(parts[1], "challenge")
		if err != nil {
			return nil, err
		}
		return AuthFrame{Challenge: ch}, nil

	case LabelClosed:
		if len(parts) < 2 {
			return nil, malformed("CLOSED needs a subscription id")
		}
		subID, err := str(parts[1], "subscription id")
		if err != nil {
			return nil, err
		}
		f := ClosedFrame{SubID: subID}
		if len(parts) > 2 {
			f.Reason, _ = str(parts[2], "reason")
		}
		return f, nil
	}
	return nil, ErrUnknownFrame
}

func split(data []byte) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, malformed("frame is not a JSON array")
	}
	if len(parts) == 0 {
		return "", nil, malformed("empty frame")
	}
	label, err := str(parts[0], "label")
	if err != nil {
		return "", nil, err
	}
	return label, parts, nil
}

func str(raw json.RawMessage, what string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", malformed(what + " is not a string")
	}
	return s, nil
}

func malformed(reason string) error {
	return apperrors.ProtocolError("", reason)
}

/* ------------------------------------------------------------------ *
|  Client → relay                                                     |
* -------------------------------------------------------------------*/

// EncodeEvent builds ["EVENT", ev].
func EncodeEvent(ev *nostr.Event) ([]byte, error) {
	return json.Marshal([]any{LabelEvent, ev})
}

// EncodeReq builds ["REQ", subID, filter...].
func EncodeReq(subID string, filters ...nostr.Filter) ([]byte, error) {
	if len(filters) == 0 {
		return nil, apperrors.FilterError("REQ needs at least one filter")
	}
	frame := make([]any, 0, 2+len(filters))
	frame = append(frame, LabelReq, subID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	return json.Marshal(frame)
}

// EncodeClose builds ["CLOSE", subID].
func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{LabelClose, subID})
}

// ClientFrame is one client-to-relay message, decoded by relay-side code
// such as test relays.
type ClientFrame interface {
	Label() string
}

type ClientEvent struct{ Event *nostr.Event }
type ClientReq struct {
	SubID   string
	Filters []nostr.Filter
}
type ClientClose struct{ SubID string }

func (ClientEvent) Label() string { return LabelEvent }
func (ClientReq) Label() string   { return LabelReq }
func (ClientClose) Label() string { return LabelClose }

// ParseClientFrame decodes a client message.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	label, parts, err := split(data)
	if err != nil {
		return nil, err
	}
	switch label {
	case LabelEvent:
		if len(parts) < 2 {
			return nil, malformed("EVENT needs an event")
		}
		var ev nostr.Event
		if err := json.Unmarshal(parts[1], &ev); err != nil {
			return nil, malformed("EVENT payload: " + err.Error())
		}
		return ClientEvent{Event: &ev}, nil
	case LabelReq:
		if len(parts) < 3 {
			return nil, malformed("REQ needs a subscription id and a filter")
		}
		subID, err := str(parts[1], "subscription id")
		if err != nil {
			return nil, err
		}
		req := ClientReq{SubID: subID}
		for _, raw := range parts[2:] {
			f, err := ParseFilter(raw)
			if err != nil {
				return nil, err
			}
			req.Filters = append(req.Filters, f)
		}
		return req, nil
	case LabelClose:
		if len(parts) < 2 {
			return nil, malformed("CLOSE needs a subscription id")
		}
		subID, err := str(parts[1], "subscription id")
		if err != nil {
			return nil, err
		}
		return ClientClose{SubID: subID}, nil
	}
	return nil, ErrUnknownFrame
}

/* ------------------------------------------------------------------ *
|  Relay → client encoders                                            |
* -------------------------------------------------------------------*/

func EncodeEventFrame(subID string, ev *nostr.Event) ([]byte, error) {
	return json.Marshal([]any{LabelEvent, subID, ev})
}

func EncodeEOSE(subID string) ([]byte, error) {
	return json.Marshal([]any{LabelEOSE, subID})
}

func EncodeOK(eventID string, accepted bool, reason string) ([]byte, error) {
	return json.Marshal([]any{LabelOK, eventID, accepted, reason})
}

func EncodeNotice(msg string) ([]byte, error) {
	return json.Marshal([]any{LabelNotice, msg})
}

func EncodeAuth(challenge string) ([]byte, error) {
	return json.Marshal([]any{LabelAuth, challenge})
}

func EncodeClosed(subID, reason string) ([]byte, error) {
	return json.Marshal([]any{LabelClosed, subID, reason})
}

// Describe renders a frame for debug logs.
func Describe(f ServerFrame) string {
	switch v := f.(type) {
	case EventFrame:
		return fmt.Sprintf("EVENT sub=%s id=%s kind=%d", v.SubID, v.Event.ID, v.Event.Kind)
	case EOSEFrame:
		return "EOSE sub=" + v.SubID
	case OKFrame:
		return fmt.Sprintf("OK id=%s accepted=%t", v.EventID, v.Accepted)
	case ClosedFrame:
		return "CLOSED sub=" + v.SubID
	default:
		return f.Label()
	}
}
