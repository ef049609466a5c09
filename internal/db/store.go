package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

// Store is a namespaced key/value store on badger. Writes are synced before
// they return so callers can treat a successful Set as durable.
type Store struct {
	db *badger.DB
}

func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger")).
		WithSyncWrites(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Set(namespace, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(namespace+key), value)
	})
}

// SetBatch writes every entry of values in a single transaction, so either
// all of them become visible or none do.
func (s *Store) SetBatch(namespace string, values map[string][]byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for key, value := range values {
			if err := txn.Set([]byte(namespace+key), value); err != nil {
				return fmt.Errorf("set %s: %w", key, err)
			}
		}
		return nil
	})
}

// Scan calls fn for every key under namespace+prefix in key order, within
// one read transaction. The value is only valid during the call.
func (s *Store) Scan(namespace, prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		fullPrefix := []byte(namespace + prefix)
		for it.Seek(fullPrefix); it.ValidForPrefix(fullPrefix); it.Next() {
			item := it.Item()
			key := string(item.Key())[len(namespace):]
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
