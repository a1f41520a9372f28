package selection

import (
	"context"

	"github.com/Shugur-Network/relaymux/internal/constants"
	"go.uber.org/zap"
)

// GetAutoRelay builds a relay set for pubkey: the write-relay cover of
// the user and their contacts, looked up on relays, plus the user's own
// best ranked relays among every known relay. Ranked relays come first.
func (s *Selector) GetAutoRelay(ctx context.Context, relays, contacts []string, pubkey string, onProgress func(remaining int)) ([]string, error) {
	people := dedupe(append(append([]string(nil), contacts...), pubkey))
	picked := s.PickRelay(ctx, relays, people)

	all, err := s.GetAllRelays(ctx, false)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(all))
	for _, d := range all {
		urls = append(urls, d.URL)
	}
	s.GetBestRelay(ctx, urls, pubkey, onProgress)

	count := s.cfg.BestCount
	if count <= 0 {
		count = constants.DefaultBestRelayCount
	}
	var best []string
	for _, st := range s.stats.Pick(pubkey) {
		if len(best) == count {
			break
		}
		best = append(best, st.Relay)
	}

	out := dedupe(append(best, picked...))
	s.log.Info("auto relay selection",
		zap.String("pubkey", pubkey),
		zap.Int("contacts", len(contacts)),
		zap.Strings("best", best),
		zap.Strings("picked", picked))
	return out, nil
}
