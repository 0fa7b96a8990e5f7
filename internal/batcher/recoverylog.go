package batcher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// RecoveryLog is the persistent backup store for items whose batch failed.
// Entries are keyed by a content digest, so appending the same item twice is
// a harmless overwrite and replay stays idempotent.
type RecoveryLog struct {
	db *badger.DB
}

// OpenRecoveryLog opens (or creates) the log under dir.
func OpenRecoveryLog(dir string) (*RecoveryLog, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("op=recoverylog.open dir=%s: %w", dir, err)
	}
	return &RecoveryLog{db: db}, nil
}

// Append persists the items.
func (l *RecoveryLog) Append(items []Item) error {
	return l.db.Update(func(txn *badger.Txn) error {
		for _, it := range items {
			b, err := json.Marshal(it)
			if err != nil {
				return fmt.Errorf("op=recoverylog.append: %w", err)
			}
			if err := txn.Set([]byte(digest(b)), b); err != nil {
				return fmt.Errorf("op=recoverylog.append: %w", err)
			}
		}
		return nil
	})
}

// Replay feeds every logged item to fn and deletes the entries fn accepts.
// Entries whose replay fails stay in the log for the next pass.
func (l *RecoveryLog) Replay(fn func(Item) error) (int, error) {
	var keys [][]byte
	var items []Item
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			entry := it.Item()
			var item Item
			if err := entry.Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			}); err != nil {
				return fmt.Errorf("op=recoverylog.replay: %w", err)
			}
			keys = append(keys, entry.KeyCopy(nil))
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	replayed := 0
	for i, item := range items {
		if err := fn(item); err != nil {
			continue
		}
		derr := l.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(keys[i])
		})
		if derr != nil {
			return replayed, fmt.Errorf("op=recoverylog.replay: %w", derr)
		}
		replayed++
	}
	return replayed, nil
}

// Len counts pending entries.
func (l *RecoveryLog) Len() (int, error) {
	n := 0
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the underlying store.
func (l *RecoveryLog) Close() error { return l.db.Close() }

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
