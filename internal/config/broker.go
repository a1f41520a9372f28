package config

import "time"

// BrokerConfig controls the port broker and its websocket listener.
type BrokerConfig struct {
	WSAddr          string          `mapstructure:"WS_ADDR"           json:"ws_addr"           validate:"required,wsaddr"`
	IdleTimeout     time.Duration   `mapstructure:"IDLE_TIMEOUT"      json:"idle_timeout"      validate:"required,timeout_duration"`
	OutboxSize      int             `mapstructure:"OUTBOX_SIZE"       json:"outbox_size"       validate:"required,min=16,max=65536"`
	MaxPorts        int             `mapstructure:"MAX_PORTS"         json:"max_ports"         validate:"required,min=1,max=100000"`
	ShutdownTimeout time.Duration   `mapstructure:"SHUTDOWN_TIMEOUT"  json:"shutdown_timeout"  validate:"required,timeout_duration"`
	RateLimit       RateLimitConfig `mapstructure:"RATE_LIMIT"        json:"rate_limit"`
}

// RateLimitConfig holds per-port command rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool          `mapstructure:"ENABLED"                 json:"enabled"`
	MaxCommandsPerSecond float64       `mapstructure:"MAX_COMMANDS_PER_SECOND" json:"max_commands_per_second" validate:"min=0,max=10000"`
	BurstSize            int           `mapstructure:"BURST_SIZE"              json:"burst_size"              validate:"min=0,max=1000"`
	BanThreshold         int           `mapstructure:"BAN_THRESHOLD"           json:"ban_threshold"           validate:"min=0,max=1000"`
	BanDuration          time.Duration `mapstructure:"BAN_DURATION"            json:"ban_duration"            validate:"reasonable_duration"`
}
