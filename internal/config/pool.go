package config

import "time"

// PoolConfig controls relay sockets, the bounded connection pool and the
// long-lived subscription multiplexer.
type PoolConfig struct {
	MaxConcurrency   int           `mapstructure:"MAX_CONCURRENCY"    json:"max_concurrency"    validate:"required,min=1,max=1000"`
	OpTimeout        time.Duration `mapstructure:"OP_TIMEOUT"         json:"op_timeout"         validate:"required,timeout_duration"`
	OpenTimeout      time.Duration `mapstructure:"OPEN_TIMEOUT"       json:"open_timeout"       validate:"required,timeout_duration"`
	WriteTimeout     time.Duration `mapstructure:"WRITE_TIMEOUT"      json:"write_timeout"      validate:"required,timeout_duration"`
	PingInterval     time.Duration `mapstructure:"PING_INTERVAL"      json:"ping_interval"      validate:"required,reasonable_duration"`
	MaxSub           int           `mapstructure:"MAX_SUB"            json:"max_sub"            validate:"required,min=1,max=1000"`
	MaxKeepAliveSub  int           `mapstructure:"MAX_KEEPALIVE_SUB"  json:"max_keepalive_sub"  validate:"required,min=1,max=1000"`
	ReconnectIdle    time.Duration `mapstructure:"RECONNECT_IDLE"     json:"reconnect_idle"     validate:"required,reasonable_duration"`
	VerifySignatures bool          `mapstructure:"VERIFY_SIGNATURES"  json:"verify_signatures"`
	SendRate         float64       `mapstructure:"SEND_RATE"          json:"send_rate"          validate:"min=0,max=10000"`
	SendBurst        int           `mapstructure:"SEND_BURST"         json:"send_burst"         validate:"min=0,max=10000"`
}
