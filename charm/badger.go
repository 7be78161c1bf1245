// ABOUTME: Local BadgerDB backend with the same surface as charm/kv
// ABOUTME: Used when no charm server is configured and by tests

package charm

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v3"
)

// localKV wraps BadgerDB to provide the same interface as charm/kv.KV
// without requiring server connectivity.
type localKV struct {
	db *badger.DB
}

func openLocalKV(dir string) (*localKV, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create kv dir: %w", err)
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(nil) // badger is chatty at INFO

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &localKV{db: db}, nil
}

func (t *localKV) Get(key []byte) ([]byte, error) {
	var result []byte
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		result, err = item.ValueCopy(nil)
		return err
	})
	return result, err
}

func (t *localKV) Set(key, value []byte) error {
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (t *localKV) Delete(key []byte) error {
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (t *localKV) Keys() ([][]byte, error) {
	var keys [][]byte
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (t *localKV) Sync() error {
	return nil
}

func (t *localKV) Reset() error {
	return t.db.DropAll()
}

func (t *localKV) Close() error {
	return t.db.Close()
}
