// Package store implements board.Store on top of an embedded ordered
// key/value store (go.etcd.io/bbolt). One bucket holds one key per
// session identifier, whose value is the JSON-encoded session record.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kanvas/boardserver/board"
)

// sessionsBucket holds one key per session identifier; the value is the
// JSON-encoded board.Record. bbolt buckets keep their keys in sorted
// order, so Keys enumerates sessions sorted by identifier.
var sessionsBucket = []byte("sessions")

var _ board.Store = (*Store)(nil)

// Store is a bbolt-backed implementation of board.Store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a bbolt database file at path and
// returns a Store backed by it. The caller must call Close when done.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open element store at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize element store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already-open bbolt.DB. Exposed for tests that want to
// share one on-disk database across stores. The caller is responsible for
// creating the sessions bucket.
func NewStore(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements board.Store.
func (s *Store) Get(ctx context.Context, id string) (*board.Record, error) {
	var rec board.Record
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if !found {
		return nil, board.ErrSessionNotFound
	}
	return &rec, nil
}

// Put implements board.Store.
func (s *Store) Put(ctx context.Context, rec *board.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		return b.Put([]byte(rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("put session %s: %w", rec.ID, err)
	}
	return nil
}

// Keys implements board.Store, enumerating every persisted session
// identifier via bbolt's cursor in key-sorted order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(sessionsBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate sessions: %w", err)
	}
	return keys, nil
}
