package socket

import (
	"net/http"
	"time"

	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/gorilla/websocket"
)

// Options tunes a single relay socket. The zero value is usable; unset
// fields fall back to the package defaults.
type Options struct {
	OpenTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	VerifySignatures bool

	// Outbound frames wait for a token from a limiter with this rate and
	// burst. A zero rate disables limiting.
	SendRate  float64
	SendBurst int

	// EventBuffer is the per-stream channel capacity.
	EventBuffer int

	OnNotice func(relay, message string)
	OnAuth   func(relay, challenge string)
	OnClose  func(relay string, err error)

	Dialer *websocket.Dialer
}

// OptionsFromConfig maps the pool section of the config onto socket
// options.
func OptionsFromConfig(cfg config.PoolConfig) Options {
	return Options{
		OpenTimeout:      cfg.OpenTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		PingInterval:     cfg.PingInterval,
		VerifySignatures: cfg.VerifySignatures,
		SendRate:         cfg.SendRate,
		SendBurst:        cfg.SendBurst,
	}
}

func (o Options) withDefaults() Options {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = constants.DefaultOpenTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = constants.DefaultWriteTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = constants.DefaultMaxMessageSize
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.SendRate > 0 && o.SendBurst <= 0 {
		o.SendBurst = 1
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  o.OpenTimeout,
			EnableCompression: true,
		}
	}
	return o
}
