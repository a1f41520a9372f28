package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Shugur-Network/relaymux/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var validate = validator.New()

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

var hexKeyPattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// Config holds every sub‑config.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"   validate:"required"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"   validate:"required"`
	Pool      PoolConfig      `mapstructure:"pool"      validate:"required"`
	Selection SelectionConfig `mapstructure:"selection" validate:"required"`
	Storage   StorageConfig   `mapstructure:"storage"   validate:"required"`
	Broker    BrokerConfig    `mapstructure:"broker"    validate:"required"`
	Signer    SignerConfig    `mapstructure:"signer"`
}

// Register custom validation rules
func init() {
	registerCustomValidators()

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)
		performCrossFieldValidation(sl, cfg)
	}, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	// Listener address, ":port" or "host:port"
	if err := validate.RegisterValidation("wsaddr", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		if addr == "" {
			return false
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil || port == "" {
			return false
		}
		if _, err := net.LookupPort("tcp", port); err != nil {
			return false
		}
		if host != "" && net.ParseIP(host) == nil && !hostnamePattern.MatchString(host) {
			return false
		}
		return true
	}); err != nil {
		logger.Error("Failed to register wsaddr validator", zap.Error(err))
	}

	// Relay endpoints must be websocket URLs with a host
	if err := validate.RegisterValidation("relayurl", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil {
			return false
		}
		return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
	}); err != nil {
		logger.Error("Failed to register relayurl validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("hexkey", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		if key == "" {
			return true
		}
		return hexKeyPattern.MatchString(key)
	}); err != nil {
		logger.Error("Failed to register hexkey validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		return duration >= time.Second && duration <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		return duration >= time.Second && duration <= time.Hour
	}); err != nil {
		logger.Error("Failed to register timeout_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("storage_backend", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "memory", "badger", "sqlite", "postgres", "redis":
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register storage_backend validator", zap.Error(err))
	}
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel, cfg Config) {
	if cfg.Pool.MaxKeepAliveSub > cfg.Pool.MaxSub {
		sl.ReportError(cfg.Pool.MaxKeepAliveSub, "MaxKeepAliveSub", "MaxKeepAliveSub", "keepalive_exceeds_max_sub", "")
	}

	switch cfg.Storage.Backend {
	case "badger", "sqlite":
		if cfg.Storage.Path == "" {
			sl.ReportError(cfg.Storage.Path, "Path", "Path", "storage_path_required", "")
		}
	case "postgres":
		if cfg.Storage.URL == "" {
			sl.ReportError(cfg.Storage.URL, "URL", "URL", "storage_url_required", "")
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			sl.ReportError(cfg.Storage.Redis.Addr, "Addr", "Addr", "redis_addr_required", "")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 {
		if _, port, err := net.SplitHostPort(cfg.Broker.WSAddr); err == nil && port == fmt.Sprint(cfg.Metrics.Port) {
			sl.ReportError(cfg.Metrics.Port, "Port", "Port", "port_conflict", "")
		}
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Default returns the embedded defaults, validated. It does not touch the
// environment or the global logger.
func Default() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal defaults: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}
	return &cfg, nil
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RELAYMUX") // RELAYMUX_POOL_MAX_CONCURRENCY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else if log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
			zap.String("storage", cfg.Storage.Backend),
		)
	}
	return &cfg, nil
}

// Validate re-runs validation, for configs assembled in code.
func Validate(cfg *Config) error {
	if err := validate.Struct(*cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// InitLogging re-initializes the global logger, for settings overridden
// after Load.
func InitLogging(l LoggingConfig) error {
	return initializeLogger(l)
}

// initializeLogger initializes the logger using the LoggingConfig
func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("relaymux"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}

	return fmt.Errorf("configuration validation failed: %w", err)
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got: %v)", field, value)
	case "hostport":
		return fmt.Sprintf("%s must be in host:port form (got: %v)", field, value)
	case "wsaddr":
		return fmt.Sprintf("%s must be a valid listen address in format ':port' or 'host:port' (got: %v)", field, value)
	case "relayurl":
		return fmt.Sprintf("%s must be a ws:// or wss:// relay URL (got: %v)", field, value)
	case "hexkey":
		return fmt.Sprintf("%s must be a 64-character hexadecimal string", field)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 1 second and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "storage_backend":
		return fmt.Sprintf("%s must be one of: memory, badger, sqlite, postgres, redis (got: %v)", field, value)
	case "keepalive_exceeds_max_sub":
		return fmt.Sprintf("%s must not exceed max_sub", field)
	case "storage_path_required":
		return "storage.path is required for the badger and sqlite backends"
	case "storage_url_required":
		return "storage.url is required for the postgres backend"
	case "redis_addr_required":
		return "storage.redis.addr is required for the redis backend"
	case "port_conflict":
		return "metrics port conflicts with the broker listener port, they must be different"
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
