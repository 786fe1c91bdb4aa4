package bootstrap

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"six7-fabric/internal/dht"
	"six7-fabric/internal/identity"
)

func newPeer(t *testing.T) identity.PeerID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.PeerID()
}

func TestParseFormat(t *testing.T) {
	p := newPeer(t)
	s := Format("203.0.113.7:4001", p)
	e, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, p, e.Peer)
	require.Equal(t, []string{"203.0.113.7:4001"}, e.Addrs)
	require.Equal(t, s, e.String())

	v6 := Format("[2001:db8::1]:4001", p)
	e, err = Parse("  " + v6 + "\n")
	require.NoError(t, err)
	require.Equal(t, []string{"[2001:db8::1]:4001"}, e.Addrs)
}

func TestParse_Rejects(t *testing.T) {
	hexID := newPeer(t).String()
	for _, s := range []string{
		"",
		hexID,
		"/" + hexID,
		"host/" + hexID,
		":4001/" + hexID,
		"host:0/" + hexID,
		"host:70000/" + hexID,
		"host:http/" + hexID,
		"host:4001/" + hexID[:63],
		"host:4001/" + strings.Repeat("zz", 32),
	} {
		_, err := Parse(s)
		require.ErrorIs(t, err, ErrMalformed, s)
	}
}

func TestParseList_CollectsErrors(t *testing.T) {
	p := newPeer(t)
	es, err := ParseList([]string{Format("10.0.0.1:1", p), "", "bad", "worse"})
	require.Len(t, es, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad")
	require.Contains(t, err.Error(), "worse")
}

func TestMerge(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	out := Merge([]Entry{
		{Peer: a, Addrs: []string{"1.1.1.1:1"}},
		{Peer: b, Addrs: []string{"2.2.2.2:2"}},
		{Peer: a, Addrs: []string{"1.1.1.1:1", "3.3.3.3:3"}},
	})
	require.Equal(t, []Entry{
		{Peer: a, Addrs: []string{"1.1.1.1:1", "3.3.3.3:3"}},
		{Peer: b, Addrs: []string{"2.2.2.2:2"}},
	}, out)
}

type failingSource struct{}

func (failingSource) Name() string { return "broken" }
func (failingSource) Discover(context.Context) ([]Entry, error) {
	return nil, errors.New("boom")
}

func TestRunOnce_DialsDedupedAndCapped(t *testing.T) {
	var entries []Entry
	for i := 0; i < 5; i++ {
		entries = append(entries, Entry{Peer: newPeer(t), Addrs: []string{"10.0.0.1:1"}})
	}
	dup := entries[0]

	var (
		mu     sync.Mutex
		dialed = map[identity.PeerID]int{}
	)
	dial := func(ctx context.Context, e Entry) error {
		mu.Lock()
		defer mu.Unlock()
		dialed[e.Peer]++
		if e.Peer == entries[1].Peer {
			return errors.New("refused")
		}
		return nil
	}

	cfg := Config{MaxConnectPerRound: 10, PerAddrTimeout: time.Second, Parallel: 2}
	ok := RunOnce(context.Background(), dial, cfg, zerolog.Nop(),
		StaticSource{Entries: entries}, StaticSource{Entries: []Entry{dup}, Label: "seed"}, failingSource{})
	require.Equal(t, 4, ok)
	require.Len(t, dialed, 5)
	for _, n := range dialed {
		require.Equal(t, 1, n)
	}

	dialed = map[identity.PeerID]int{}
	cfg.MaxConnectPerRound = 2
	RunOnce(context.Background(), dial, cfg, zerolog.Nop(), StaticSource{Entries: entries})
	require.Len(t, dialed, 2)
}

func TestCacheSource(t *testing.T) {
	s, err := dht.NewStore(nil)
	require.NoError(t, err)
	p := newPeer(t)
	s.NoteSuccess(p, []string{"10.0.0.9:9"})

	es, err := CacheSource{Store: s, MaxFailures: 3, Limit: 10}.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Entry{{Peer: p, Addrs: []string{"10.0.0.9:9"}}}, es)

	es, err = CacheSource{}.Discover(context.Background())
	require.NoError(t, err)
	require.Empty(t, es)
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port
}

func TestLAN_DiscoverOverLoopback(t *testing.T) {
	cfg := LANConfig{Port: freeUDPPort(t), Timeout: 500 * time.Millisecond}
	responder, seeker := newPeer(t), newPeer(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, StartLANResponder(ctx, cfg, responder, func() string { return "0.0.0.0:4555" }, zerolog.Nop()))

	var found []Entry
	require.Eventually(t, func() bool {
		es, err := LANSource{Cfg: cfg, Self: seeker}.Discover(context.Background())
		if err != nil {
			return false
		}
		found = es
		return len(es) == 1
	}, 5*time.Second, 50*time.Millisecond)

	require.Equal(t, responder, found[0].Peer)
	require.NotEmpty(t, found[0].Addrs)
	for _, a := range found[0].Addrs {
		require.Equal(t, "4555", mustPort(t, a))
	}

	// a node does not discover itself
	es, err := DiscoverLANPeers(context.Background(), cfg, responder)
	require.NoError(t, err)
	require.Empty(t, es)
}

func mustPort(t *testing.T, addr string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return port
}
