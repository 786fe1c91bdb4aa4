package dht

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"six7-fabric/internal/proto"
)

// ErrStoreFull is returned when a new key arrives at a full store that
// holds nothing expired.
var ErrStoreFull = errors.New("dht: record store full")

// DefaultMaxRecords bounds the in-memory store.
const DefaultMaxRecords = 4096

// RecordStore holds the records this node serves. Implementations must be
// safe for concurrent use.
type RecordStore interface {
	Get(key [32]byte, now time.Time) (*proto.DHTRecord, bool)
	Put(key [32]byte, rec *proto.DHTRecord, now time.Time) error
	Delete(key [32]byte) error
	SweepExpired(now time.Time) int
	ForEach(fn func(key [32]byte, rec *proto.DHTRecord) bool)
	Len() int
}

// RecordExpired reports whether rec is past its expiry. Records without
// an expiry never expire.
func RecordExpired(rec *proto.DHTRecord, now time.Time) bool {
	return rec.ExpiresUnix != 0 && now.Unix() > rec.ExpiresUnix
}

// CanReplace enforces the mutable seq rule for a record about to overwrite
// old. An identical record is a refresh.
func CanReplace(old, rec *proto.DHTRecord) error {
	if rec == nil {
		return ErrBadRecord
	}
	if old == nil || rec.Type != RecordMutable || old.Type != RecordMutable {
		return nil
	}
	if rec.Seq < old.Seq || (rec.Seq == old.Seq && !bytes.Equal(rec.Sig, old.Sig)) {
		return ErrSeqTooLow
	}
	return nil
}

func cloneRecord(in *proto.DHTRecord) *proto.DHTRecord {
	out := *in
	out.Value = bytes.Clone(in.Value)
	out.PubKey = bytes.Clone(in.PubKey)
	out.Sig = bytes.Clone(in.Sig)
	return &out
}

// MemRecordStore keeps records in memory, up to a fixed number of keys.
type MemRecordStore struct {
	max int

	mu   sync.RWMutex
	recs map[[32]byte]*proto.DHTRecord
}

// NewMemRecordStore returns a store holding at most limit keys, or
// DefaultMaxRecords when limit is not positive.
func NewMemRecordStore(limit ...int) *MemRecordStore {
	m := &MemRecordStore{max: DefaultMaxRecords, recs: make(map[[32]byte]*proto.DHTRecord)}
	if len(limit) > 0 && limit[0] > 0 {
		m.max = limit[0]
	}
	return m
}

func (m *MemRecordStore) Get(key [32]byte, now time.Time) (*proto.DHTRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[key]
	if !ok || RecordExpired(rec, now) {
		return nil, false
	}
	return cloneRecord(rec), true
}

// Put stores rec under key if it may replace what is there. A new key at
// capacity first drops expired records.
func (m *MemRecordStore) Put(key [32]byte, rec *proto.DHTRecord, now time.Time) error {
	if rec == nil {
		return ErrBadRecord
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.recs[key]
	if exists && RecordExpired(old, now) {
		old = nil
	}
	if err := CanReplace(old, rec); err != nil {
		return err
	}
	if !exists && len(m.recs) >= m.max && m.sweepLocked(now) == 0 {
		return ErrStoreFull
	}
	m.recs[key] = cloneRecord(rec)
	return nil
}

func (m *MemRecordStore) Delete(key [32]byte) error {
	m.mu.Lock()
	delete(m.recs, key)
	m.mu.Unlock()
	return nil
}

func (m *MemRecordStore) SweepExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(now)
}

func (m *MemRecordStore) sweepLocked(now time.Time) int {
	n := 0
	for k, rec := range m.recs {
		if RecordExpired(rec, now) {
			delete(m.recs, k)
			n++
		}
	}
	return n
}

// ForEach visits a copy of every record taken under one read lock, so fn
// may call back into the store.
func (m *MemRecordStore) ForEach(fn func(key [32]byte, rec *proto.DHTRecord) bool) {
	type kv struct {
		key [32]byte
		rec *proto.DHTRecord
	}
	m.mu.RLock()
	all := make([]kv, 0, len(m.recs))
	for k, rec := range m.recs {
		all = append(all, kv{k, cloneRecord(rec)})
	}
	m.mu.RUnlock()

	for _, e := range all {
		if !fn(e.key, e.rec) {
			return
		}
	}
}

func (m *MemRecordStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}
