package models

import (
	"net/url"
	"strings"
)

// AccessType describes who may use a relay.
type AccessType string

const (
	AccessPublic  AccessType = "public"
	AccessPaid    AccessType = "paid"
	AccessPrivate AccessType = "private"
)

// RelayLimitation mirrors the NIP-11 limitation object fields the client cares about.
type RelayLimitation struct {
	MaxMessageLength int  `json:"max_message_length,omitempty"`
	MaxSubscriptions int  `json:"max_subscriptions,omitempty"`
	MaxLimit         int  `json:"max_limit,omitempty"`
	AuthRequired     bool `json:"auth_required,omitempty"`
	PaymentRequired  bool `json:"payment_required,omitempty"`
	RestrictedWrites bool `json:"restricted_writes,omitempty"`
}

// RelayDescriptor is everything known about one relay. URL is the only
// identity; every other field is optional.
type RelayDescriptor struct {
	URL        string     `json:"url"`
	Read       bool       `json:"read"`
	Write      bool       `json:"write"`
	AccessType AccessType `json:"accessType,omitempty"`

	Name          string           `json:"name,omitempty"`
	Description   string           `json:"description,omitempty"`
	PubKey        string           `json:"pubkey,omitempty"`
	Contact       string           `json:"contact,omitempty"`
	SupportedNIPs []int            `json:"supported_nips,omitempty"`
	Software      string           `json:"software,omitempty"`
	Version       string           `json:"version,omitempty"`
	Icon          string           `json:"icon,omitempty"`
	PaymentsURL   string           `json:"payments_url,omitempty"`
	Limitation    *RelayLimitation `json:"limitation,omitempty"`

	IsOnline      *bool    `json:"isOnline,omitempty"`
	LastInfoFetch *int64   `json:"lastAttemptNip11Timestamp,omitempty"`
	Benchmark     *float64 `json:"benchmark,omitempty"`
	LastBenchmark *int64   `json:"lastBenchmarkTimestamp,omitempty"`
	LastUpdate    *int64   `json:"lastUpdateTimestamp,omitempty"`
	SuccessCount  int      `json:"successCount"`
	FailureCount  int      `json:"failureCount"`
}

// NewRelayDescriptor returns a read+write public descriptor for url.
func NewRelayDescriptor(url string) RelayDescriptor {
	return RelayDescriptor{
		URL:        NormalizeURL(url),
		Read:       true,
		Write:      true,
		AccessType: AccessPublic,
	}
}

// NormalizeURL canonicalizes a relay URL so that equivalent spellings map
// to the same key: scheme and host are lower-cased, a trailing slash on an
// empty path is dropped. Unparseable input is only trimmed.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.TrimRight(s, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path == "/" {
		u.Path = ""
	}
	u.Fragment = ""
	return u.String()
}

// MergeDescriptor overlays the set fields of src onto dst. Counters are taken
// from src only when src carries attempts, so a metadata-only save never
// resets reputation.
func MergeDescriptor(dst *RelayDescriptor, src RelayDescriptor) {
	if src.URL != "" {
		dst.URL = src.URL
	}
	dst.Read = src.Read || dst.Read
	dst.Write = src.Write || dst.Write
	if src.AccessType != "" {
		dst.AccessType = src.AccessType
	}
	mergeString(&dst.Name, src.Name)
	mergeString(&dst.Description, src.Description)
	mergeString(&dst.PubKey, src.PubKey)
	mergeString(&dst.Contact, src.Contact)
	mergeString(&dst.Software, src.Software)
	mergeString(&dst.Version, src.Version)
	mergeString(&dst.Icon, src.Icon)
	mergeString(&dst.PaymentsURL, src.PaymentsURL)
	if len(src.SupportedNIPs) > 0 {
		dst.SupportedNIPs = append([]int(nil), src.SupportedNIPs...)
	}
	if src.Limitation != nil {
		l := *src.Limitation
		dst.Limitation = &l
	}
	if src.IsOnline != nil {
		dst.IsOnline = src.IsOnline
	}
	if src.LastInfoFetch != nil {
		dst.LastInfoFetch = src.LastInfoFetch
	}
	if src.Benchmark != nil {
		dst.Benchmark = src.Benchmark
	}
	if src.LastBenchmark != nil {
		dst.LastBenchmark = src.LastBenchmark
	}
	if src.LastUpdate != nil {
		dst.LastUpdate = src.LastUpdate
	}
	if src.SuccessCount+src.FailureCount > 0 {
		dst.SuccessCount = src.SuccessCount
		dst.FailureCount = src.FailureCount
	}
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// Attempts is the number of recorded connection attempts.
func (d RelayDescriptor) Attempts() int { return d.SuccessCount + d.FailureCount }
