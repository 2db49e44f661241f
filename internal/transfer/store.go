package transfer

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/soulfired/soulfired/internal/errs"
)

var transfersBucket = []byte("transfers")

// Store is the durable record of past/current transfers, backed by a
// go.etcd.io/bbolt database. List queries read a single bucket snapshot
// (bbolt's MVCC), so per §5 they may return slightly-stale data relative to
// a concurrent Put — an explicitly allowed relaxation.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if necessary) the bbolt database at path and
// ensures the transfers bucket exists.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open transfer store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transfersBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create transfers bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put inserts or overwrites a record keyed by its ID.
func (s *Store) Put(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transfersBucket).Put([]byte(r.ID), data)
	})
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (Record, error) {
	var r Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(transfersBucket).Get([]byte(id))
		if data == nil {
			return errs.New(errs.NotFound, "transfer.Store.Get", "no such transfer")
		}
		return json.Unmarshal(data, &r)
	})
	return r, err
}

// List returns every record, in no particular order.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transfersBucket).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// Delete removes a record.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transfersBucket).Delete([]byte(id))
	})
}

// ClearCompleted removes every record whose State is Completed.
func (s *Store) ClearCompleted() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.InCompletedCategory() {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
