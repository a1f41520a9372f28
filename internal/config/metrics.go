package config

// MetricsConfig holds metrics configuration settings.
// When Port is zero the collectors are served on the broker listener only.
type MetricsConfig struct {
	Enabled bool `mapstructure:"ENABLED" json:"enabled"`
	Port    int  `mapstructure:"PORT"    json:"port"    validate:"omitempty,min=1024,max=65535"`
}
