package constants

import "time"

// Event kinds the connectivity core reads or writes.
const (
	KindMetadata     = 0
	KindTextNote     = 1
	KindContactList  = 3
	KindRelayList    = 10002 // NIP-65
	KindRelaySet     = 30002 // NIP-51
	KindLongFormPost = 30023
)

// Freshness score weights per kind. A relay's score for a user is
// 5·k3 + 3·k0 + 1·k1 + 1·k30023 over the last seen created_at of each kind.
const (
	WeightContactList  = 5
	WeightMetadata     = 3
	WeightTextNote     = 1
	WeightLongFormPost = 1
)

// RankedKinds is the REQ kind set used to probe per-user freshness.
var RankedKinds = []int{KindContactList, KindMetadata, KindLongFormPost, KindTextNote}

// Selection defaults.
const (
	RankProbeLimit          = 4
	FailedBenchmark float64 = 1e16
	DefaultBestRelayCount   = 6
	DefaultOutdatedDays     = 7
	RelaySetSubLimit        = 100
	DefaultDirectoryURL     = "https://api.nostr.watch/v1/online"
)

// Connection defaults, overridden by config.
const (
	DefaultMaxConcurrency  = 21
	DefaultOpTimeout       = 5 * time.Second
	DefaultOpenTimeout     = 5 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultPingInterval    = 30 * time.Second
	DefaultMaxSub          = 10
	DefaultMaxKeepAliveSub = 2
	DefaultReconnectIdle   = 3 * time.Second
	DefaultIdleTimeout     = 2 * time.Second
	DefaultMaxMessageSize  = 1 << 22
)

// Storage key layout shared by every backend.
const (
	RelayKeyPrefix     = "relay:db:"
	RelayIndexKey      = "relay:db:__index"
	PubkeyStatPrefix   = "pubkey-relay:db:"
	RelayGroupPrefix   = "__relayGroup:db:"
	NIP65RelayListID   = "NIP_65_RELAY_LIST"
	DefaultKVTableName = "relaymux_kv"
)
