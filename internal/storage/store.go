package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/domain"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/metrics"
	"go.uber.org/zap"
)

// Open builds the backend selected by cfg and wraps it with key prefixing,
// per-operation timeouts and metrics.
func Open(ctx context.Context, cfg config.StorageConfig) (domain.Store, error) {
	var (
		inner domain.Store
		err   error
	)
	switch cfg.Backend {
	case "memory":
		inner = NewMemory()
	case "badger":
		inner, err = OpenBadger(cfg.Path)
	case "sqlite":
		inner, err = OpenSQLite(ctx, cfg.Path)
	case "postgres":
		inner, err = OpenPostgres(ctx, cfg.URL)
	case "redis":
		inner, err = OpenRedis(ctx, cfg.Redis, cfg.Timeout)
	default:
		return nil, apperrors.ConfigurationError("storage.backend", fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
	if err != nil {
		metrics.StorageConnections.WithLabelValues(cfg.Backend, "failure").Inc()
		return nil, err
	}
	metrics.StorageConnections.WithLabelValues(cfg.Backend, "success").Inc()
	logger.Info("storage opened",
		zap.String("backend", cfg.Backend),
		zap.String("key_prefix", cfg.KeyPrefix))

	return Instrument(inner, cfg.KeyPrefix, cfg.Timeout), nil
}

// Instrument wraps s so every key carries prefix and every call is bounded
// by timeout (zero disables the bound).
func Instrument(s domain.Store, prefix string, timeout time.Duration) domain.Store {
	return &instrumented{inner: s, prefix: prefix, timeout: timeout}
}

type instrumented struct {
	inner   domain.Store
	prefix  string
	timeout time.Duration
}

func (s *instrumented) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *instrumented) observe(op string, err error) {
	status := "success"
	switch {
	case err == nil:
	case apperrors.Is(err, apperrors.ErrNotFound):
		status = "miss"
	default:
		status = "failure"
	}
	metrics.StorageOps.WithLabelValues(s.inner.Backend(), op, status).Inc()
}

func (s *instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	v, err := s.inner.Get(ctx, s.prefix+key)
	s.observe("get", err)
	return v, err
}

func (s *instrumented) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.inner.Set(ctx, s.prefix+key, value)
	s.observe("set", err)
	return err
}

func (s *instrumented) Remove(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.inner.Remove(ctx, s.prefix+key)
	s.observe("remove", err)
	return err
}

func (s *instrumented) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.inner.Ping(ctx)
}

func (s *instrumented) Close() error {
	metrics.StorageConnections.WithLabelValues(s.inner.Backend(), "closed").Inc()
	return s.inner.Close()
}

func (s *instrumented) Backend() string { return s.inner.Backend() }

// GetJSON loads key into v. A missing key reports false with no error.
func GetJSON(ctx context.Context, s domain.Store, key string, v any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, apperrors.DatabaseError(s.Backend(), "decode "+key, err)
	}
	return true, nil
}

// SetJSON stores v under key.
func SetJSON(ctx context.Context, s domain.Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return apperrors.InternalError("encode "+key, err)
	}
	return s.Set(ctx, key, raw)
}

func notFound() error { return apperrors.ErrNotFound }

func closedErr(backend string) error {
	return apperrors.DatabaseError(backend, "access", fmt.Errorf("store is closed"))
}
