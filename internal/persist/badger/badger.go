// Package badger implements the driver.KeyValueStore contract (D2) on top
// of dgraph-io/badger/v4, an embedded LSM-tree key-value store. It replaces
// the teacher's internal/storage/redis_storage.go: Redis's connection
// pooling and distributed routing have no role in a single local embedded
// table store, whereas badger matches this driver's "per-charge-point,
// on-disk, transactional-per-table" requirement directly.
package badger

import (
	"context"
	"fmt"

	bdg "github.com/dgraph-io/badger/v4"

	"github.com/ocpp16cp/chargepoint/internal/driver"
)

const sep = "\x00"

// Store owns the badger.DB handle lifecycle.
type Store struct {
	db  *bdg.DB
	dir string
}

// Open opens (creating if necessary) the badger database at dir.
func Open(dir string) (*Store, error) {
	opts := bdg.DefaultOptions(dir).WithLogger(nil)
	db, err := bdg.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db at %s: %w", dir, err)
	}
	return &Store{db: db, dir: dir}, nil
}

func prefixKey(table, key string) []byte {
	return []byte(table + sep + key)
}

func tablePrefix(table string) []byte {
	return []byte(table + sep)
}

// Init is a no-op beyond confirming the handle is usable; schema migration
// is the concern of internal/persist, not this driver.
func (s *Store) Init(ctx context.Context) error {
	return nil
}

func (s *Store) Transaction(ctx context.Context, table string, ops []driver.Op) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, op := range ops {
		k := prefixKey(table, op.Key)
		if op.Value == nil {
			if err := wb.Delete(k); err != nil {
				return fmt.Errorf("badger: delete %s/%s: %w", table, op.Key, err)
			}
			continue
		}
		if err := wb.Set(k, []byte(*op.Value)); err != nil {
			return fmt.Errorf("badger: set %s/%s: %w", table, op.Key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger: commit batch for table %s: %w", table, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, table, key string) (string, bool, error) {
	var value string
	found := true
	err := s.db.View(func(txn *bdg.Txn) error {
		item, err := txn.Get(prefixKey(table, key))
		if err == bdg.ErrKeyNotFound {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("badger: get %s/%s: %w", table, key, err)
	}
	return value, found, nil
}

func (s *Store) GetAll(ctx context.Context, table string) (map[string]string, error) {
	result := make(map[string]string)
	prefix := tablePrefix(table)
	err := s.db.View(func(txn *bdg.Txn) error {
		it := txn.NewIterator(bdg.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))[len(prefix):]
			err := item.Value(func(val []byte) error {
				result[key] = string(val)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: get all for table %s: %w", table, err)
	}
	return result, nil
}

func (s *Store) CountKeys(ctx context.Context, table string) (int, error) {
	count := 0
	prefix := tablePrefix(table)
	err := s.db.View(func(txn *bdg.Txn) error {
		opts := bdg.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger: count keys for table %s: %w", table, err)
	}
	return count, nil
}

func (s *Store) DeleteTable(ctx context.Context, table string) error {
	return s.deletePrefix(tablePrefix(table))
}

func (s *Store) DeleteAll(ctx context.Context) error {
	return s.db.DropAll()
}

func (s *Store) deletePrefix(prefix []byte) error {
	for {
		var keys [][]byte
		err := s.db.View(func(txn *bdg.Txn) error {
			opts := bdg.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < 1000; it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("badger: scan prefix for delete: %w", err)
		}
		if len(keys) == 0 {
			return nil
		}
		wb := s.db.NewWriteBatch()
		for _, k := range keys {
			if err := wb.Delete(k); err != nil {
				wb.Cancel()
				return fmt.Errorf("badger: delete key during prefix delete: %w", err)
			}
		}
		if err := wb.Flush(); err != nil {
			return fmt.Errorf("badger: flush prefix delete batch: %w", err)
		}
	}
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("badger: close db at %s: %w", s.dir, err)
	}
	return nil
}

var _ driver.KeyValueStore = (*Store)(nil)
