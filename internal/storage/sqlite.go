package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Shugur-Network/relaymux/internal/constants"
	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"go.uber.org/zap"
)

var sqliteSchema = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`, constants.DefaultKVTableName)

// SQLite is a single-file store on the pure-Go sqlite driver.
type SQLite struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens or creates the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, apperrors.ConfigurationError("storage.path", "cannot be empty for sqlite")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, apperrors.DatabaseError("sqlite", "create directory", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.DatabaseError("sqlite", "open", err)
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, apperrors.DatabaseError("sqlite", "create schema", err)
	}
	logger.Info("sqlite store initialized", zap.String("path", path))
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, closedErr("sqlite")
	}
	var v []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM `+constants.DefaultKVTableName+` WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound()
	}
	if err != nil {
		return nil, apperrors.DatabaseError("sqlite", "get", err)
	}
	return v, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return closedErr("sqlite")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+constants.DefaultKVTableName+` (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return apperrors.DatabaseError("sqlite", "set", err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	if s.closed.Load() {
		return closedErr("sqlite")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+constants.DefaultKVTableName+` WHERE key = ?`, key); err != nil {
		return apperrors.DatabaseError("sqlite", "remove", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return closedErr("sqlite")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Backend() string { return "sqlite" }
