// Package boltstore implements block.Store on an embedded bbolt database.
// It stands in for a pool when running the cache outside of a real system.
package boltstore

import (
	"context"
	"fmt"

	"github.com/IvanBrykalov/blockcache/block"
	bolt "go.etcd.io/bbolt"
)

const bucket = "blocks"

// Store is a block.Store backed by a single bbolt bucket keyed by Key.Bytes.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path and ensures the bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt store %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// ReadBlock implements block.Reader. A missing key returns block.ErrNotFound.
func (s *Store) ReadBlock(ctx context.Context, k block.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kb := k.Bytes()
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return block.ErrNotFound
		}
		v := b.Get(kb[:])
		if v == nil {
			return block.ErrNotFound
		}
		// v is only valid for the life of the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteBlock implements block.Writer. The write is durable when it returns.
func (s *Store) WriteBlock(ctx context.Context, k block.Key, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kb := k.Bytes()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(kb[:], data)
	})
}

// Close closes the database file.
func (s *Store) Close() error { return s.db.Close() }

var _ block.Store = (*Store)(nil)
