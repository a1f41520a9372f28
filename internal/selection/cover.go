package selection

import (
	"context"
	"sort"

	"github.com/Shugur-Network/relaymux/internal/connpool"
	"github.com/Shugur-Network/relaymux/internal/nips"
	"github.com/Shugur-Network/relaymux/internal/socket"
	"go.uber.org/zap"
)

// PickRelay fetches the relay lists of pubkeys from urls and returns a
// small set of relays that together are a write relay of every pubkey
// that published one.
func (s *Selector) PickRelay(ctx context.Context, urls, pubkeys []string) []string {
	pubkeys = dedupe(pubkeys)
	if len(pubkeys) == 0 {
		return nil
	}
	filter := nips.RelayListFilter(pubkeys, len(pubkeys))

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
		})

	wanted := make(map[string]bool, len(pubkeys))
	for _, pk := range pubkeys {
		wanted[pk] = true
	}
	cov := newCoverage()
	for _, batch := range batches {
		for _, in := range batch {
			if !wanted[in.Event.PubKey] {
				continue
			}
			for _, r := range nips.ToRelays(in.Event) {
				if r.Write {
					cov.add(r.URL, in.Event.PubKey)
				}
			}
		}
	}

	picked := cov.greedy()
	s.log.Debug("picked relays",
		zap.Int("pubkeys", len(pubkeys)),
		zap.Int("candidates", len(cov.order)),
		zap.Strings("picked", picked))
	return picked
}

// coverage maps each relay to the pubkeys it is a write relay of.
type coverage struct {
	order []string
	users map[string]map[string]struct{}
}

func newCoverage() *coverage {
	return &coverage{users: make(map[string]map[string]struct{})}
}

func (c *coverage) add(relay, pubkey string) {
	set, ok := c.users[relay]
	if !ok {
		set = make(map[string]struct{})
		c.users[relay] = set
		c.order = append(c.order, relay)
	}
	set[pubkey] = struct{}{}
}

// greedy repeatedly takes the relay covering the most pubkeys not yet
// covered and stops when no relay adds anything. Candidates are ranked
// by total coverage first, so ties go to the broader relay, then to the
// relay seen first.
func (c *coverage) greedy() []string {
	candidates := append([]string(nil), c.order...)
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(c.users[candidates[i]]) > len(c.users[candidates[j]])
	})

	covered := make(map[string]struct{})
	var picked []string
	for {
		best, bestGain := -1, 0
		for i, relay := range candidates {
			gain := 0
			for pk := range c.users[relay] {
				if _, ok := covered[pk]; !ok {
					gain++
				}
			}
			if gain > bestGain {
				best, bestGain = i, gain
			}
		}
		if best < 0 {
			return picked
		}
		relay := candidates[best]
		picked = append(picked, relay)
		for pk := range c.users[relay] {
			covered[pk] = struct{}{}
		}
		candidates = append(candidates[:best], candidates[best+1:]...)
	}
}
