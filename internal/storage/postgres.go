package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shugur-Network/relaymux/internal/constants"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"go.uber.org/zap"
)

// DBState represents the current state of the database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateDisconnecting
	DBStateClosed
)

const (
	pgMaxConns        = 8
	pgMinConns        = 1
	pgConnMaxLifetime = 30 * time.Minute
	pgConnMaxIdleTime = 5 * time.Minute
	pgConnectTimeout  = 10 * time.Second
	pgConnectAttempts = 5
)

var postgresSchema = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, constants.DefaultKVTableName)

// Postgres is a key-value table on a pgx pool. Works against PostgreSQL and
// CockroachDB.
type Postgres struct {
	Pool    *pgxpool.Pool
	state   DBState
	stateMu sync.RWMutex
}

// OpenPostgres connects with retries and exponential backoff, then makes
// sure the table exists.
func OpenPostgres(ctx context.Context, dbURI string) (*Postgres, error) {
	if dbURI == "" {
		return nil, apperrors.ConfigurationError("storage.url", "cannot be empty for postgres")
	}
	cfg, err := pgxpool.ParseConfig(dbURI)
	if err != nil {
		return nil, apperrors.ConfigurationError("storage.url", err.Error())
	}
	cfg.MaxConns = pgMaxConns
	cfg.MinConns = pgMinConns
	cfg.MaxConnLifetime = pgConnMaxLifetime
	cfg.MaxConnIdleTime = pgConnMaxIdleTime
	cfg.ConnConfig.ConnectTimeout = pgConnectTimeout
	cfg.HealthCheckPeriod = 30 * time.Second

	db := &Postgres{state: DBStateConnecting}
	backoff := 2 * time.Second

	for attempt := 1; attempt <= pgConnectAttempts; attempt++ {
		var pool *pgxpool.Pool
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				db.Pool = pool
				db.setState(DBStateConnected)
				logger.Info("✅ Postgres store connected",
					zap.Int("attempts", attempt),
					zap.Int32("max_connections", pool.Stat().MaxConns()))
				if err := db.InitializeSchema(ctx); err != nil {
					pool.Close()
					return nil, err
				}
				return db, nil
			}
			pool.Close()
		}

		logger.Warn("Failed to connect to postgres, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		if attempt == pgConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			db.setState(DBStateClosed)
			return nil, apperrors.DatabaseError("postgres", "connect", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	db.setState(DBStateClosed)
	return nil, apperrors.DatabaseError("postgres", fmt.Sprintf("connect after %d attempts", pgConnectAttempts), err)
}

// InitializeSchema creates the key-value table if it does not exist.
func (db *Postgres) InitializeSchema(ctx context.Context) error {
	if !db.isConnected() {
		return apperrors.DatabaseError("postgres", "initialize schema", fmt.Errorf("database is not connected"))
	}
	if _, err := db.Pool.Exec(ctx, postgresSchema); err != nil {
		return apperrors.DatabaseError("postgres", "initialize schema", err)
	}
	logger.Debug("✅ Postgres schema ready", zap.String("table", constants.DefaultKVTableName))
	return nil
}

func (db *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	if !db.isConnected() {
		return nil, closedErr("postgres")
	}
	var v []byte
	err := db.Pool.QueryRow(ctx,
		`SELECT value FROM `+constants.DefaultKVTableName+` WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound()
	}
	if err != nil {
		return nil, apperrors.DatabaseError("postgres", "get", err)
	}
	return v, nil
}

func (db *Postgres) Set(ctx context.Context, key string, value []byte) error {
	return db.executeCommand(ctx, "set",
		`INSERT INTO `+constants.DefaultKVTableName+` (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = now()`,
		key, value)
}

func (db *Postgres) Remove(ctx context.Context, key string) error {
	return db.executeCommand(ctx, "remove",
		`DELETE FROM `+constants.DefaultKVTableName+` WHERE key = $1`, key)
}

// executeCommand handles INSERT, UPDATE, DELETE commands
func (db *Postgres) executeCommand(ctx context.Context, op, query string, args ...any) error {
	if !db.isConnected() {
		return closedErr("postgres")
	}
	if _, err := db.Pool.Exec(ctx, query, args...); err != nil {
		logger.Debug("postgres command failed", zap.String("op", op), zap.Error(err))
		return apperrors.DatabaseError("postgres", op, err)
	}
	return nil
}

// Ping checks database connectivity
func (db *Postgres) Ping(ctx context.Context) error {
	if db.Pool == nil {
		return closedErr("postgres")
	}
	return db.Pool.Ping(ctx)
}

// Close closes the database connection
func (db *Postgres) Close() error {
	db.stateMu.Lock()
	if db.state == DBStateDisconnecting || db.state == DBStateClosed {
		db.stateMu.Unlock()
		return nil
	}
	db.state = DBStateDisconnecting
	db.stateMu.Unlock()

	if db.Pool != nil {
		db.Pool.Close()
	}
	db.setState(DBStateClosed)
	logger.Debug("Postgres connection closed")
	return nil
}

func (db *Postgres) Backend() string { return "postgres" }

// Stats returns database connection pool statistics
func (db *Postgres) Stats() DatabaseStats {
	if db.Pool == nil {
		return DatabaseStats{}
	}
	stat := db.Pool.Stat()
	return DatabaseStats{
		OpenConnections:    int(stat.TotalConns()),
		InUse:              int(stat.AcquiredConns()),
		Idle:               int(stat.IdleConns()),
		MaxOpenConnections: int(stat.MaxConns()),
	}
}

// DatabaseStats represents database connection pool statistics
type DatabaseStats struct {
	OpenConnections    int `json:"open_connections"`
	InUse              int `json:"in_use"`
	Idle               int `json:"idle"`
	MaxOpenConnections int `json:"max_open_connections"`
}

func (db *Postgres) isConnected() bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.state == DBStateConnected
}

func (db *Postgres) setState(s DBState) {
	db.stateMu.Lock()
	db.state = s
	db.stateMu.Unlock()
}
