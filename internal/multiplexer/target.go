package multiplexer

import (
	"fmt"

	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/models"
)

// Mode selects which relays of the active set a command goes to.
type Mode int

const (
	// ModeConnected targets every relay whose socket is currently open.
	ModeConnected Mode = iota
	// ModeAll targets every relay in the set, connected or not.
	ModeAll
	// ModeSingle targets exactly one relay by URL.
	ModeSingle
	// ModeBatch targets the listed relays.
	ModeBatch
)

func (m Mode) String() string {
	switch m {
	case ModeConnected:
		return "connected"
	case ModeAll:
		return "all"
	case ModeSingle:
		return "single"
	case ModeBatch:
		return "batch"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	if m < ModeConnected || m > ModeBatch {
		return nil, apperrors.TargetError("unknown mode " + m.String())
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "", "connected":
		*m = ModeConnected
	case "all":
		*m = ModeAll
	case "single":
		*m = ModeSingle
	case "batch":
		*m = ModeBatch
	default:
		return apperrors.TargetError(fmt.Sprintf("unknown mode %q", b))
	}
	return nil
}

// Target picks relays out of the active set. The zero value targets the
// connected relays.
type Target struct {
	Mode Mode     `json:"mode"`
	URLs []string `json:"urls,omitempty"`
}

// Validate checks the URL list against the mode.
func (t Target) Validate() error {
	switch t.Mode {
	case ModeConnected, ModeAll:
		return nil
	case ModeSingle:
		if len(t.URLs) != 1 {
			return apperrors.TargetError(fmt.Sprintf("single mode needs exactly one url, got %d", len(t.URLs)))
		}
	case ModeBatch:
		if t.URLs == nil {
			return apperrors.TargetError("batch mode needs a url list")
		}
	default:
		return apperrors.TargetError("unknown mode " + t.Mode.String())
	}
	return nil
}

// matcher returns a predicate over (url, connected) for a validated target.
func (t Target) matcher() func(url string, connected bool) bool {
	switch t.Mode {
	case ModeAll:
		return func(string, bool) bool { return true }
	case ModeSingle, ModeBatch:
		want := make(map[string]struct{}, len(t.URLs))
		for _, u := range t.URLs {
			want[models.NormalizeURL(u)] = struct{}{}
		}
		return func(url string, _ bool) bool {
			_, ok := want[url]
			return ok
		}
	default:
		return func(_ string, connected bool) bool { return connected }
	}
}

// TargetFor turns an optional relay list into a target: nil means the
// connected relays, anything else is a batch.
func TargetFor(relays []string) Target {
	if relays == nil {
		return Target{}
	}
	return Target{Mode: ModeBatch, URLs: relays}
}
