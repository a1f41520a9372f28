package models

import "github.com/Shugur-Network/relaymux/internal/constants"

// PubkeyRelayStat records, for one (user, relay) pair, the newest created_at
// observed per ranked kind. Zero means never observed.
type PubkeyRelayStat struct {
	Pubkey        string `json:"pubkey"`
	Relay         string `json:"relayUrl"`
	LastKind0     int64  `json:"lastFetchKind0Timestamp,omitempty"`
	LastKind1     int64  `json:"lastFetchKind1Timestamp,omitempty"`
	LastKind3     int64  `json:"lastFetchKind3Timestamp,omitempty"`
	LastKind30023 int64  `json:"lastFetchKind30023Timestamp,omitempty"`
	Score         int64  `json:"score"`
}

// ComputeScore applies the weighted sum over raw timestamps.
func (s PubkeyRelayStat) ComputeScore() int64 {
	return constants.WeightContactList*s.LastKind3 +
		constants.WeightMetadata*s.LastKind0 +
		constants.WeightTextNote*s.LastKind1 +
		constants.WeightLongFormPost*s.LastKind30023
}

// Observe raises the timestamp slot for kind if createdAt is strictly newer
// and recomputes Score. It reports whether anything changed; kinds outside
// the ranked set are ignored.
func (s *PubkeyRelayStat) Observe(kind int, createdAt int64) bool {
	var slot *int64
	switch kind {
	case constants.KindMetadata:
		slot = &s.LastKind0
	case constants.KindTextNote:
		slot = &s.LastKind1
	case constants.KindContactList:
		slot = &s.LastKind3
	case constants.KindLongFormPost:
		slot = &s.LastKind30023
	default:
		return false
	}
	if createdAt <= *slot {
		return false
	}
	*slot = createdAt
	s.Score = s.ComputeScore()
	return true
}
