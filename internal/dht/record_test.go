package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

func signedRecord(t *testing.T, id *identity.Identity, name string, value []byte, seq uint64, expires int64) ([32]byte, *proto.DHTRecord) {
	t.Helper()
	key := KeyFromMutable(id.PublicKey(), name)
	rec := &proto.DHTRecord{
		Type:        RecordMutable,
		Name:        name,
		Value:       value,
		PubKey:      id.PublicKey(),
		Seq:         seq,
		ExpiresUnix: expires,
	}
	rec.Sig = SignMutable(id.PrivateKey(), key, seq, expires, value)
	return key, rec
}

func TestValidateRecord_Lifetime(t *testing.T) {
	d, id, clk := newTestDHT(t, func(c *Config) { c.MaxRecordTTL = time.Hour })

	key, rec := signedRecord(t, id, "status", []byte("v"), 1, clk.Now().Add(30*time.Minute).Unix())
	require.NoError(t, d.ValidateRecordAgainstKey(key, rec))

	key, rec = signedRecord(t, id, "status", []byte("v"), 1, clk.Now().Add(48*time.Hour).Unix())
	require.ErrorIs(t, d.ValidateRecordAgainstKey(key, rec), ErrInvalidRecord, "expiry beyond MaxRecordTTL")

	blob := &proto.DHTRecord{Type: RecordImmutable, Value: []byte("x"), CreatedUnix: clk.Now().Add(time.Hour).Unix()}
	require.ErrorIs(t, d.ValidateRecordAgainstKey(KeyFromImmutable(blob.Value), blob), ErrInvalidRecord, "created in the future")
}

func TestValidateRecord_Shape(t *testing.T) {
	d, id, clk := newTestDHT(t, nil)
	exp := clk.Now().Add(time.Hour).Unix()

	key, rec := signedRecord(t, id, "", []byte("v"), 1, exp)
	require.ErrorIs(t, d.ValidateRecordAgainstKey(key, rec), ErrBadRecord, "unnamed mutable record")

	key, rec = signedRecord(t, id, "status", []byte("v"), 1, exp)
	rec.Sig = rec.Sig[:10]
	require.ErrorIs(t, d.ValidateRecordAgainstKey(key, rec), ErrBadRecord)

	big := make([]byte, proto.MaxMessageSize+1)
	require.ErrorIs(t, d.ValidateRecordAgainstKey(KeyFromImmutable(big), &proto.DHTRecord{Type: RecordImmutable, Value: big}), ErrRecordTooLarge)

	require.ErrorIs(t, d.ValidateRecordAgainstKey(key, &proto.DHTRecord{Type: "OTHER"}), ErrBadRecord)
}

func TestValidateRecord_PeerRecordNeedsAddrs(t *testing.T) {
	d, id, clk := newTestDHT(t, nil)
	exp := clk.Now().Add(time.Hour).Unix()

	good, err := proto.Marshal(proto.PeerAddrs{Addrs: []string{"10.0.0.1:4001"}})
	require.NoError(t, err)
	key, rec := signedRecord(t, id, PeerRecordName, good, 1, exp)
	require.NoError(t, d.ValidateRecordAgainstKey(key, rec))
	require.Equal(t, PeerRecordKey(id.PeerID()), key)

	empty, err := proto.Marshal(proto.PeerAddrs{})
	require.NoError(t, err)
	key, rec = signedRecord(t, id, PeerRecordName, empty, 2, exp)
	require.ErrorIs(t, d.ValidateRecordAgainstKey(key, rec), ErrBadRecord)

	key, rec = signedRecord(t, id, PeerRecordName, []byte("not cbor"), 3, exp)
	require.ErrorIs(t, d.ValidateRecordAgainstKey(key, rec), ErrBadRecord)
}

func TestMemRecordStore_Capacity(t *testing.T) {
	m := NewMemRecordStore(2)
	now := time.Unix(1_700_000_000, 0)
	rec := func(exp time.Duration) *proto.DHTRecord {
		return &proto.DHTRecord{Type: RecordImmutable, Value: []byte("v"), ExpiresUnix: now.Add(exp).Unix()}
	}

	require.NoError(t, m.Put([32]byte{1}, rec(time.Minute), now))
	require.NoError(t, m.Put([32]byte{2}, rec(time.Hour), now))
	require.ErrorIs(t, m.Put([32]byte{3}, rec(time.Hour), now), ErrStoreFull)
	require.NoError(t, m.Put([32]byte{2}, rec(2*time.Hour), now), "existing keys can still be refreshed")

	later := now.Add(2 * time.Minute)
	require.NoError(t, m.Put([32]byte{3}, rec(time.Hour), later), "expired records make room")
	require.Equal(t, 2, m.Len())
	_, ok := m.Get([32]byte{1}, later)
	require.False(t, ok)
}

func TestMemRecordStore_ExpiredRecordIsReplaceable(t *testing.T) {
	m := NewMemRecordStore()
	now := time.Unix(1_700_000_000, 0)
	key := [32]byte{7}

	require.NoError(t, m.Put(key, &proto.DHTRecord{Type: RecordMutable, Seq: 9, Sig: []byte{1}, ExpiresUnix: now.Add(time.Minute).Unix()}, now))
	later := now.Add(time.Hour)
	require.NoError(t, m.Put(key, &proto.DHTRecord{Type: RecordMutable, Seq: 1, Sig: []byte{2}}, later))

	got, ok := m.Get(key, later)
	require.True(t, ok)
	require.Equal(t, uint64(1), got.Seq)
}

func TestMemRecordStore_ForEachCopies(t *testing.T) {
	m := NewMemRecordStore()
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, m.Put([32]byte{1}, &proto.DHTRecord{Type: RecordImmutable, Value: []byte("abc")}, now))

	m.ForEach(func(key [32]byte, rec *proto.DHTRecord) bool {
		rec.Value[0] = 'z'
		require.NoError(t, m.Delete(key))
		return true
	})
	require.Equal(t, 0, m.Len())
}
