package persist

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var stateKey = []byte("iris-sync/state")

// BadgerBackend stores the document under a single fixed key.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger database at dir.
func OpenBadger(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

// OpenBadgerInMemory opens a badger database that never touches disk.
func OpenBadgerInMemory() (*BadgerBackend, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Load() ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}
	return data, nil
}

func (b *BadgerBackend) Save(data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey, data)
	})
	if err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}

func (b *BadgerBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
