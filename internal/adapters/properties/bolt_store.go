// Package properties persists session properties in a bbolt file so a
// restarted bridge finds its configuration path and cached document again.
package properties

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
)

const defaultBucket = "session"

// BoltStore implements ports.PropertyStore. Each session uses its own bucket.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

var _ ports.PropertyStore = (*BoltStore)(nil)

// Open opens (or creates) the database at path and scopes the store to the
// named session bucket.
func Open(path, session string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("properties: path is required")
	}
	if session == "" {
		session = defaultBucket
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open property store %s: %w", path, err)
	}
	s := &BoltStore{db: db, bucket: []byte(session)}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) GetString(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	return value, found, err
}

func (s *BoltStore) SetString(key, value string) error {
	if key == "" {
		return errors.New("properties: empty key")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
}

// Delete removes a property; missing keys are not an error.
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Keys lists the stored property keys in byte order.
func (s *BoltStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
