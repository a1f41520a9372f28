// Package nips holds the small pieces of individual NIPs the connectivity
// core needs: relay lists (65), relay sets (51) and relay information (11).
package nips

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// InfoFetcher loads a relay information document. FetchRelayInfo is the
// production implementation; tests substitute their own.
type InfoFetcher func(ctx context.Context, url string) (models.RelayDescriptor, error)

// FetchRelayInfo retrieves the NIP-11 document of url and maps it onto a
// descriptor. LastInfoFetch is stamped whether or not the fetch worked, so
// callers can store the attempt either way.
func FetchRelayInfo(ctx context.Context, url string) (models.RelayDescriptor, error) {
	d := models.RelayDescriptor{URL: models.NormalizeURL(url)}
	now := time.Now().UnixMilli()
	d.LastInfoFetch = &now

	info, err := nip11.Fetch(ctx, url)
	if err != nil {
		return d, apperrors.ExternalServiceError("nip11", url, err).WithRelay(url)
	}
	ApplyInfo(&d, info)
	return d, nil
}

// ApplyInfo copies the fields of a relay information document onto d and
// derives AccessType from its limitation block.
func ApplyInfo(d *models.RelayDescriptor, info nip11.RelayInformationDocument) {
	d.Name = info.Name
	d.Description = info.Description
	d.PubKey = info.PubKey
	d.Contact = info.Contact
	d.Software = info.Software
	d.Version = info.Version
	d.Icon = info.Icon
	d.PaymentsURL = info.PaymentsURL
	d.SupportedNIPs = supportedNIPs(info.SupportedNIPs)

	d.AccessType = models.AccessPublic
	if l := info.Limitation; l != nil {
		d.Limitation = &models.RelayLimitation{
			MaxMessageLength: l.MaxMessageLength,
			MaxSubscriptions: l.MaxSubscriptions,
			MaxLimit:         l.MaxLimit,
			AuthRequired:     l.AuthRequired,
			PaymentRequired:  l.PaymentRequired,
			RestrictedWrites: l.RestrictedWrites,
		}
		switch {
		case l.PaymentRequired:
			d.AccessType = models.AccessPaid
		case l.AuthRequired || l.RestrictedWrites:
			d.AccessType = models.AccessPrivate
		}
	}
}

// supportedNIPs normalizes the loosely typed supported_nips list. Relays
// publish numbers, numeric strings and occasionally garbage.
func supportedNIPs(raw []any) []int {
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		case json.Number:
			if i, err := n.Int64(); err == nil {
				out = append(out, int(i))
			}
		case string:
			if i, err := strconv.Atoi(n); err == nil {
				out = append(out, i)
			}
		}
	}
	return out
}
