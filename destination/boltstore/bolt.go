// Package boltstore implements destination.Destination on an embedded bbolt
// database, for local/dev use where no Postgres or S3 is available.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/evalgo/airweave-sync/entity"
)

const metaBucket = "_entities"

// Store is a bbolt-backed Destination. Each source connection gets its own
// bucket, named after the connection ID, so Delete can scope to it without
// scanning unrelated data.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: opening %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Name() string { return "bolt" }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Upsert(ctx context.Context, entities []entity.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	buckets := make(map[string][]entity.Entity, 4)
	for _, e := range entities {
		buckets[e.SourceConnectionID] = append(buckets[e.SourceConnectionID], e)
	}

	for bucketName, group := range buckets {
		err := s.db.Update(func(tx *bolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte(bucketName))
			if err != nil {
				return fmt.Errorf("boltstore: creating bucket %s: %w", bucketName, err)
			}
			for _, e := range group {
				data, err := json.Marshal(e)
				if err != nil {
					return fmt.Errorf("boltstore: marshaling entity %s: %w", e.EntityID, err)
				}
				if err := b.Put([]byte(e.EntityID), data); err != nil {
					return fmt.Errorf("boltstore: storing entity %s: %w", e.EntityID, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sourceConnectionID string, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sourceConnectionID))
		if b == nil {
			return nil
		}
		for _, id := range entityIDs {
			if err := b.Delete([]byte(id)); err != nil {
				return fmt.Errorf("boltstore: deleting entity %s: %w", id, err)
			}
		}
		return nil
	})
}

// Get retrieves a single entity by ID, letting callers and tests inspect a
// previously stored version without round-tripping through the network
// destinations.
func (s *Store) Get(sourceConnectionID, entityID string) (*entity.Entity, error) {
	var out entity.Entity
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sourceConnectionID))
		if b == nil {
			return fmt.Errorf("boltstore: bucket not found: %s", sourceConnectionID)
		}
		data := b.Get([]byte(entityID))
		if data == nil {
			return fmt.Errorf("boltstore: entity not found: %s", entityID)
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListIDs returns every entity ID stored for a source connection. Only
// tests call it; the ledger computes orphans from its own rows.
func (s *Store) ListIDs(sourceConnectionID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sourceConnectionID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
