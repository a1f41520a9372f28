package config

// SignerConfig holds the optional local signing key. Without a key every
// operation that needs a signature fails with a sign error.
type SignerConfig struct {
	SecretKey string `mapstructure:"SECRET_KEY" json:"-"        validate:"omitempty,hexkey"`
	KeyFile   string `mapstructure:"KEY_FILE"   json:"key_file"`
}
