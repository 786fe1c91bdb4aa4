package dht

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

func newTestDHT(t *testing.T, mutate func(*Config)) (*DHT, *identity.Identity, *clock.Mock) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	d, err := New(id, cfg, zerolog.Nop(),
		WithClock(clk),
		WithDiversityPolicy(DiversityPolicy{MaxPerSubnet: 0}),
		WithLocalAddrs(func() []string { return []string{"10.9.9.9:4000"} }),
	)
	require.NoError(t, err)
	return d, id, clk
}

func TestHandler_PingPong(t *testing.T) {
	d, _, _ := newTestDHT(t, nil)
	from := randPeer(t)

	resp := d.HandleRequest(from, []string{"10.0.0.7:4000"}, proto.DHTWire{Kind: proto.DHTPing, RPCID: "rpc-1"})
	require.Equal(t, proto.DHTPong, resp.Kind)
	require.Equal(t, "rpc-1", resp.RPCID)
	require.Equal(t, []string{"10.9.9.9:4000"}, resp.Addrs)

	rec, ok := d.Routing().Get(from)
	require.True(t, ok, "requester is learned")
	require.Equal(t, []string{"10.0.0.7:4000"}, rec.Addrs)
}

func TestHandler_AdvertisedAddrsWin(t *testing.T) {
	d, _, _ := newTestDHT(t, nil)
	from := randPeer(t)

	d.HandleRequest(from, []string{"10.0.0.7:55555"}, proto.DHTWire{Kind: proto.DHTPing, RPCID: "x", Addrs: []string{"10.0.0.7:4000"}})
	rec, ok := d.Routing().Get(from)
	require.True(t, ok)
	require.Equal(t, []string{"10.0.0.7:4000"}, rec.Addrs)
}

func TestHandler_FindNode_ReturnsClosest(t *testing.T) {
	d, _, _ := newTestDHT(t, nil)
	peers := []identity.PeerID{randPeer(t), randPeer(t), randPeer(t)}
	for i, p := range peers {
		d.Routing().Seen(p, addr(i))
	}
	from := randPeer(t)
	target := NodeIDFromPeerID(peers[1])

	resp := d.HandleRequest(from, addr(9), proto.DHTWire{Kind: proto.DHTFindNode, RPCID: "rpc-2", Target: target.Hex()})
	require.Equal(t, proto.DHTNodes, resp.Kind)
	require.Equal(t, "rpc-2", resp.RPCID)
	require.Equal(t, target.Hex(), resp.Target)
	require.NotEmpty(t, resp.Nodes)

	require.Equal(t, peers[1].String(), resp.Nodes[0].PeerID)
	require.Equal(t, addr(1), resp.Nodes[0].Addrs)
	for _, nd := range resp.Nodes {
		require.NotEqual(t, from.String(), nd.PeerID, "requester is never returned to itself")
	}
}

func TestHandler_FindNode_BadTarget(t *testing.T) {
	d, _, _ := newTestDHT(t, nil)
	resp := d.HandleRequest(randPeer(t), addr(1), proto.DHTWire{Kind: proto.DHTFindNode, RPCID: "r", Target: "nope"})
	require.Equal(t, proto.DHTError, resp.Kind)
	require.Equal(t, "bad_target", resp.Error)
}

func TestHandler_StoreAndFindValue(t *testing.T) {
	d, _, clk := newTestDHT(t, nil)
	from := randPeer(t)

	value := []byte("hello")
	key := KeyFromImmutable(value)
	rec := &proto.DHTRecord{Type: RecordImmutable, Value: value, CreatedUnix: clk.Now().Unix()}

	resp := d.HandleRequest(from, addr(1), proto.DHTWire{Kind: proto.DHTStore, RPCID: "s", Key: KeyHex(key), Record: rec})
	require.Equal(t, proto.DHTStoreResult, resp.Kind)
	require.True(t, resp.OK, resp.Error)

	resp = d.HandleRequest(from, addr(1), proto.DHTWire{Kind: proto.DHTFindValue, RPCID: "f", Key: KeyHex(key)})
	require.Equal(t, proto.DHTValue, resp.Kind)
	require.NotNil(t, resp.Record)
	require.Equal(t, value, resp.Record.Value)
}

func TestHandler_StoreRejectsKeyMismatch(t *testing.T) {
	d, _, _ := newTestDHT(t, nil)
	rec := &proto.DHTRecord{Type: RecordImmutable, Value: []byte("a")}
	key := KeyFromImmutable([]byte("b"))

	resp := d.HandleRequest(randPeer(t), addr(1), proto.DHTWire{Kind: proto.DHTStore, RPCID: "s", Key: KeyHex(key), Record: rec})
	require.Equal(t, proto.DHTStoreResult, resp.Kind)
	require.False(t, resp.OK)
	require.Equal(t, ErrKeyMismatch.Error(), resp.Error)
}

func TestHandler_FindValueMissingReturnsNodes(t *testing.T) {
	d, _, _ := newTestDHT(t, nil)
	d.Routing().Seen(randPeer(t), addr(1))

	resp := d.HandleRequest(randPeer(t), addr(2), proto.DHTWire{Kind: proto.DHTFindValue, RPCID: "f", Key: KeyHex(KeyFromImmutable([]byte("x")))})
	require.Equal(t, proto.DHTValue, resp.Kind)
	require.Nil(t, resp.Record)
	require.Len(t, resp.Nodes, 1)
}

func TestHandler_RateLimited(t *testing.T) {
	d, _, _ := newTestDHT(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 2
	})
	from := randPeer(t)
	ping := proto.DHTWire{Kind: proto.DHTPing, RPCID: "p"}

	require.Equal(t, proto.DHTPong, d.HandleRequest(from, addr(1), ping).Kind)
	require.Equal(t, proto.DHTPong, d.HandleRequest(from, addr(1), ping).Kind)
	resp := d.HandleRequest(from, addr(1), ping)
	require.Equal(t, proto.DHTError, resp.Kind)
	require.Equal(t, "rate_limited", resp.Error)

	// other peers have their own budget
	require.Equal(t, proto.DHTPong, d.HandleRequest(randPeer(t), addr(2), ping).Kind)
}

func TestHandler_UnknownKind(t *testing.T) {
	d, _, _ := newTestDHT(t, nil)
	resp := d.HandleRequest(randPeer(t), addr(1), proto.DHTWire{Kind: "BOGUS", RPCID: "u"})
	require.Equal(t, proto.DHTError, resp.Kind)
	require.Equal(t, "u", resp.RPCID)
}

func TestValidateMutableRecord(t *testing.T) {
	d, id, clk := newTestDHT(t, nil)
	key := KeyFromMutable(id.PublicKey(), "name")
	exp := clk.Now().Add(time.Hour).Unix()
	rec := &proto.DHTRecord{
		Type:        RecordMutable,
		Name:        "name",
		Value:       []byte("v"),
		PubKey:      id.PublicKey(),
		Seq:         3,
		ExpiresUnix: exp,
	}
	rec.Sig = SignMutable(id.PrivateKey(), key, rec.Seq, rec.ExpiresUnix, rec.Value)
	require.NoError(t, d.ValidateRecordAgainstKey(key, rec))

	tampered := *rec
	tampered.Value = []byte("w")
	require.ErrorIs(t, d.ValidateRecordAgainstKey(key, &tampered), ErrBadSignature)

	require.ErrorIs(t, d.ValidateRecordAgainstKey(KeyFromMutable(id.PublicKey(), "other"), rec), ErrKeyMismatch)

	clk.Add(2 * time.Hour)
	require.ErrorIs(t, d.ValidateRecordAgainstKey(key, rec), ErrInvalidRecord)
}

func TestCanReplace_SeqRule(t *testing.T) {
	old := &proto.DHTRecord{Type: RecordMutable, Seq: 5, Sig: []byte{1}}

	require.NoError(t, CanReplace(nil, old))
	require.NoError(t, CanReplace(old, &proto.DHTRecord{Type: RecordMutable, Seq: 6, Sig: []byte{2}}))
	require.NoError(t, CanReplace(old, &proto.DHTRecord{Type: RecordMutable, Seq: 5, Sig: []byte{1}}), "identical record is a refresh")
	require.ErrorIs(t, CanReplace(old, &proto.DHTRecord{Type: RecordMutable, Seq: 5, Sig: []byte{9}}), ErrSeqTooLow)
	require.ErrorIs(t, CanReplace(old, &proto.DHTRecord{Type: RecordMutable, Seq: 4, Sig: []byte{2}}), ErrSeqTooLow)
}

func TestMemRecordStore_ExpiryAndSeq(t *testing.T) {
	m := NewMemRecordStore()
	now := time.Unix(1_700_000_000, 0)
	var key [32]byte
	key[0] = 1

	require.NoError(t, m.Put(key, &proto.DHTRecord{Type: RecordMutable, Seq: 2, Sig: []byte{1}, ExpiresUnix: now.Add(time.Minute).Unix()}, now))
	require.ErrorIs(t, m.Put(key, &proto.DHTRecord{Type: RecordMutable, Seq: 1, Sig: []byte{2}}, now), ErrSeqTooLow)

	_, ok := m.Get(key, now)
	require.True(t, ok)
	_, ok = m.Get(key, now.Add(2*time.Minute))
	require.False(t, ok)
	require.Equal(t, 1, m.SweepExpired(now.Add(2*time.Minute)))
	require.Equal(t, 0, m.Len())
}

func TestStore_Candidates(t *testing.T) {
	s, err := NewStore(nil)
	require.NoError(t, err)
	a, b := randPeer(t), randPeer(t)

	s.NoteSuccess(a, addr(1))
	s.NoteSuccess(b, addr(2))
	s.NoteFailure(b)

	cs := s.Candidates(0, 10)
	require.Len(t, cs, 1)
	require.Equal(t, a.String(), cs[0].PeerID)

	require.Len(t, s.Candidates(5, 10), 2)

	for i := 0; i < 10; i++ {
		s.NoteFailure(b)
	}
	require.Equal(t, 1, s.Len(), "peer dropped after too many failures")
}
