package boltdb

import (
	"encoding/json"
	"errors"

	bolt "go.etcd.io/bbolt"

	"six7-fabric/internal/dht"
)

func (s *Store) LoadPeers() ([]dht.CachedPeer, error) {
	var out []dht.CachedPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bPeers)).ForEach(func(_, v []byte) error {
			var p dht.CachedPeer
			if err := json.Unmarshal(v, &p); err != nil {
				// Corruption: skip the entry, the cache refills itself.
				return nil
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

func (s *Store) SavePeer(p dht.CachedPeer) error {
	if p.PeerID == "" {
		return errors.New("boltdb: missing peer id")
	}
	val, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bPeers)).Put([]byte(p.PeerID), val)
	})
}

func (s *Store) DeletePeer(peerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bPeers)).Delete([]byte(peerID))
	})
}
