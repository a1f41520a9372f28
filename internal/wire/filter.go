package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	nostr "github.com/nbd-wtf/go-nostr"

	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
)

const (
	maxTagFilters   = 10
	maxTagValues    = 20
	maxSearchTerms  = 10
	maxSearchLength = 200
	maxKind         = 65535
	maxSubIDLength  = 64
)

// NewSubID returns a random subscription id.
func NewSubID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ParseFilter decodes one REQ filter object and merges any "#x" keys into
// Tags.
func ParseFilter(raw json.RawMessage) (nostr.Filter, error) {
	var f nostr.Filter
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, apperrors.FilterError(fmt.Sprintf("decode: %v", err))
	}

	var partial map[string]json.RawMessage
	if err := json.Unmarshal(raw, &partial); err != nil {
		return f, apperrors.FilterError(fmt.Sprintf("decode: %v", err))
	}
	for k, v := range partial {
		if len(k) < 2 || k[0] != '#' {
			continue
		}
		var vals []string
		if err := json.Unmarshal(v, &vals); err != nil {
			return f, apperrors.FilterError(fmt.Sprintf("tag %s must be a string array", k))
		}
		if f.Tags == nil {
			f.Tags = nostr.TagMap{}
		}
		f.Tags[k[1:]] = vals
	}
	if f.Search != "" {
		f.Search = strings.TrimSpace(f.Search)
	}
	return f, nil
}

// ValidateFilter rejects filters that no relay should be asked for.
func ValidateFilter(f nostr.Filter) error {
	if len(f.IDs) == 0 &&
		len(f.Authors) == 0 &&
		len(f.Kinds) == 0 &&
		len(f.Tags) == 0 &&
		f.Since == nil &&
		f.Until == nil &&
		f.Search == "" {
		return apperrors.FilterError("filter must have at least one condition")
	}

	for _, id := range f.IDs {
		if len(id) == 0 || len(id) > 64 || !isHexString(id) {
			return apperrors.FilterError(fmt.Sprintf("invalid id: %q", id))
		}
	}
	for _, author := range f.Authors {
		if !nostr.IsValid32ByteHex(author) {
			return apperrors.FilterError(fmt.Sprintf("invalid author pubkey: %q", author))
		}
	}
	for _, kind := range f.Kinds {
		if kind < 0 || kind > maxKind {
			return apperrors.FilterError(fmt.Sprintf("invalid event kind: %d", kind))
		}
	}
	if f.Limit < 0 {
		return apperrors.FilterError("limit must not be negative")
	}

	if len(f.Tags) > maxTagFilters {
		return apperrors.FilterError(fmt.Sprintf("too many tag filters (max %d)", maxTagFilters))
	}
	for tagName, values := range f.Tags {
		if len(values) > maxTagValues {
			return apperrors.FilterError(fmt.Sprintf("too many values for tag '%s' (max %d)", tagName, maxTagValues))
		}
	}

	if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
		return apperrors.FilterError("invalid time range: 'since' is after 'until'")
	}

	if f.Search != "" {
		if len(strings.Fields(f.Search)) > maxSearchTerms {
			return apperrors.FilterError(fmt.Sprintf("search query has too many terms (max %d)", maxSearchTerms))
		}
		if len(f.Search) > maxSearchLength {
			return apperrors.FilterError(fmt.Sprintf("search query too long (max %d chars)", maxSearchLength))
		}
	}
	return nil
}

// ValidateSubID checks the subscription id length rule relays enforce.
func ValidateSubID(id string) error {
	if id == "" || len(id) > maxSubIDLength {
		return apperrors.FilterError(fmt.Sprintf("subscription id must be 1-%d characters", maxSubIDLength))
	}
	return nil
}

func isHexString(s string) bool {
	if len(s)%2 == 1 {
		s += "0"
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
