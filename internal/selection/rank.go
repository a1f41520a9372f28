package selection

import (
	"context"
	"sort"

	"github.com/Shugur-Network/relaymux/internal/connpool"
	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/socket"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// RankFilter asks a relay for the newest ranked events of one author.
func RankFilter(pubkey string) nostr.Filter {
	return nostr.Filter{
		Kinds:   append([]int(nil), constants.RankedKinds...),
		Authors: []string{pubkey},
		Limit:   constants.RankProbeLimit,
	}
}

// GetBestRelay queries every url for the user's recent ranked events and
// returns the stats of the relays that answered with at least one event,
// best first. Equal scores keep the order the relays answered in. Relays
// that fail or time out are left out; if all of them do the result is
// empty.
func (s *Selector) GetBestRelay(ctx context.Context, urls []string, pubkey string, onProgress func(remaining int)) []models.PubkeyRelayStat {
	var opts []connpool.Option
	if onProgress != nil {
		opts = append(opts, connpool.WithProgress(onProgress))
	}
	filter := RankFilter(pubkey)
	if err := s.stats.Load(ctx, pubkey); err != nil {
		s.log.Warn("failed to load relay stats", zap.String("pubkey", pubkey), zap.Error(err))
	}

	batches := connpool.ExecuteConcurrently(ctx, s.pool, dedupe(urls),
		func(ctx context.Context, c *socket.Conn) ([]socket.IncomingEvent, error) {
			evs, err := c.Query(ctx, filter)
			if err != nil {
				return nil, err
			}
			if len(evs) == 0 {
				return nil, connpool.ErrNoResult
			}
			return evs, nil
		}, opts...)

	var order []string
	seen := make(map[string]bool)
	for _, batch := range batches {
		for _, in := range batch {
			if !seen[in.Relay] {
				seen[in.Relay] = true
				order = append(order, in.Relay)
				s.stats.Touch(pubkey, in.Relay)
			}
			if in.Event.PubKey != pubkey {
				s.log.Debug("ignoring event from another author",
					zap.String("relay", in.Relay),
					zap.String("event_id", in.Event.ID))
				continue
			}
			s.stats.Observe(pubkey, in.Relay, in.Event.Kind, int64(in.Event.CreatedAt))
		}
	}

	ranked := make([]models.PubkeyRelayStat, 0, len(order))
	for _, relay := range order {
		if st, ok := s.stats.Get(pubkey, relay); ok {
			ranked = append(ranked, st)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	if err := s.stats.Flush(ctx, pubkey); err != nil {
		s.log.Warn("failed to persist relay stats", zap.String("pubkey", pubkey), zap.Error(err))
	}
	s.log.Debug("ranked relays",
		zap.String("pubkey", pubkey),
		zap.Int("candidates", len(urls)),
		zap.Int("answered", len(ranked)))
	return ranked
}
