package config

import "time"

// SelectionConfig controls relay discovery and ranking.
type SelectionConfig struct {
	DirectoryURL     string        `mapstructure:"DIRECTORY_URL"     json:"directory_url"     validate:"required,url"`
	SeedRelays       []string      `mapstructure:"SEED_RELAYS"       json:"seed_relays"       validate:"dive,relayurl"`
	BestCount        int           `mapstructure:"BEST_COUNT"        json:"best_count"        validate:"required,min=1,max=100"`
	InfoRefreshDays  int           `mapstructure:"INFO_REFRESH_DAYS" json:"info_refresh_days" validate:"required,min=1,max=365"`
	BenchmarkTimeout time.Duration `mapstructure:"BENCHMARK_TIMEOUT" json:"benchmark_timeout" validate:"required,timeout_duration"`
	DirectoryTimeout time.Duration `mapstructure:"DIRECTORY_TIMEOUT" json:"directory_timeout" validate:"required,timeout_duration"`
}
