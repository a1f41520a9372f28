package storage

import (
	"context"
	"errors"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"go.uber.org/zap"
)

// Badger is an embedded on-disk store.
type Badger struct {
	db     *badger.DB
	closed atomic.Bool
}

// OpenBadger opens (creating if needed) a badger database at path.
func OpenBadger(path string) (*Badger, error) {
	if path == "" {
		return nil, apperrors.ConfigurationError("storage.path", "cannot be empty for badger")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, apperrors.DatabaseError("badger", "create directory", err)
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperrors.DatabaseError("badger", "open", err)
	}
	logger.Info("badger store initialized", zap.String("path", path))
	return &Badger{db: db}, nil
}

// OpenBadgerInMemory opens a badger instance with no disk footprint.
func OpenBadgerInMemory() (*Badger, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperrors.DatabaseError("badger", "open in-memory", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, closedErr("badger")
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound()
	}
	if err != nil {
		return nil, apperrors.DatabaseError("badger", "get", err)
	}
	return data, nil
}

func (b *Badger) Set(_ context.Context, key string, value []byte) error {
	if b.closed.Load() {
		return closedErr("badger")
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return apperrors.DatabaseError("badger", "set", err)
	}
	return nil
}

func (b *Badger) Remove(_ context.Context, key string) error {
	if b.closed.Load() {
		return closedErr("badger")
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return apperrors.DatabaseError("badger", "remove", err)
	}
	return nil
}

func (b *Badger) Ping(context.Context) error {
	if b.closed.Load() || b.db.IsClosed() {
		return closedErr("badger")
	}
	return nil
}

func (b *Badger) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}

func (b *Badger) Backend() string { return "badger" }
