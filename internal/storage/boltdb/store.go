// Package boltdb keeps a node's durable state in one BoltDB file: the
// sealed identity, the peer cache and the DHT records.
package boltdb

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bMeta     = "meta"
	bPeers    = "peers"
	bRecords  = "dht_records"
	kIdentity = "identity"

	defaultTO = 2 * time.Second
)

// Store is a BoltDB-backed identity.KeyStore, dht.PeerCacheBackend and
// dht.RecordStore.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) a BoltDB database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("boltdb: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{bMeta, bPeers, bRecords} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Path() string { return s.db.Path() }

func (s *Store) GetSealedIdentity() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bMeta)).Get([]byte(kIdentity)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *Store) PutSealedIdentity(blob []byte) error {
	if len(blob) == 0 {
		return errors.New("boltdb: empty identity blob")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bMeta)).Put([]byte(kIdentity), blob)
	})
}
