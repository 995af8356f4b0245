package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"theatrecal/internal/model"
)

const monthKeyPrefix = "month:"

// BadgerStore keeps months in a BadgerDB directory.
type BadgerStore struct {
	db    *badger.DB
	codec codec
}

// OpenBadger opens the Badger directory at path. An empty path opens an
// in-memory database.
func OpenBadger(path string, opts Options) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return NewBadgerStore(db, opts), nil
}

// NewBadgerStore wraps an already opened database.
func NewBadgerStore(db *badger.DB, opts Options) *BadgerStore {
	return &BadgerStore{db: db, codec: codec{keepFingerprints: opts.PersistFingerprints}}
}

func (s *BadgerStore) Read(ctx context.Context, key string) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(monthKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read month %s: %w", key, err)
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.codec.decode(data)
}

func (s *BadgerStore) Write(ctx context.Context, key string, events []model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := s.codec.encode(events)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(monthKeyPrefix+key), data); err != nil {
			return fmt.Errorf("write month %s: %w", key, err)
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
