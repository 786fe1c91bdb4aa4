package boltdb

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"six7-fabric/internal/dht"
	"six7-fabric/internal/proto"
)

func decodeRecord(raw []byte) (*proto.DHTRecord, bool) {
	var rec proto.DHTRecord
	if err := proto.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (s *Store) Get(key [32]byte, now time.Time) (*proto.DHTRecord, bool) {
	var (
		rec *proto.DHTRecord
		ok  bool
	)
	_ = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bRecords)).Get(key[:])
		if raw == nil {
			return nil
		}
		rec, ok = decodeRecord(raw)
		return nil
	})
	if !ok || dht.RecordExpired(rec, now) {
		return nil, false
	}
	return rec, true
}

// Put applies the same replacement rule as the in-memory store inside a
// single write transaction.
func (s *Store) Put(key [32]byte, rec *proto.DHTRecord, now time.Time) error {
	if rec == nil {
		return dht.ErrBadRecord
	}
	val, err := proto.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bRecords))
		var old *proto.DHTRecord
		if raw := b.Get(key[:]); raw != nil {
			if prev, ok := decodeRecord(raw); ok && !dht.RecordExpired(prev, now) {
				old = prev
			}
		}
		if err := dht.CanReplace(old, rec); err != nil {
			return err
		}
		return b.Put(key[:], val)
	})
}

func (s *Store) Delete(key [32]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bRecords)).Delete(key[:])
	})
}

func (s *Store) SweepExpired(now time.Time) int {
	if now.IsZero() {
		now = time.Now()
	}
	n := 0
	_ = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bRecords))
		var dead [][]byte
		_ = b.ForEach(func(k, v []byte) error {
			if rec, ok := decodeRecord(v); !ok || dht.RecordExpired(rec, now) {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n
}

// ForEach visits a snapshot of the records, so fn may call back into the
// store.
func (s *Store) ForEach(fn func(key [32]byte, rec *proto.DHTRecord) bool) {
	type kv struct {
		key [32]byte
		rec *proto.DHTRecord
	}
	var all []kv
	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bRecords)).ForEach(func(k, v []byte) error {
			if len(k) != 32 {
				return nil
			}
			rec, ok := decodeRecord(v)
			if !ok {
				return nil
			}
			var key [32]byte
			copy(key[:], k)
			all = append(all, kv{key: key, rec: rec})
			return nil
		})
	})
	for _, e := range all {
		if !fn(e.key, e.rec) {
			return
		}
	}
}

func (s *Store) Len() int {
	n := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bRecords)).Stats().KeyN
		return nil
	})
	return n
}

var (
	_ dht.RecordStore      = (*Store)(nil)
	_ dht.PeerCacheBackend = (*Store)(nil)
)
