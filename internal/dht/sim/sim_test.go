package sim_test

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"six7-fabric/internal/dht"
	sim "six7-fabric/internal/dht/sim"
	"six7-fabric/internal/identity"
)

func newSimNode(t *testing.T, nw *sim.Network, i int) *sim.Node {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	addr := fmt.Sprintf("10.%d.%d.1:4000", i/256, i%256)
	d, err := dht.New(id, dht.DefaultConfig(), zerolog.Nop(),
		dht.WithDiversityPolicy(dht.DiversityPolicy{MaxPerSubnet: 0}),
		dht.WithLocalAddrs(func() []string { return []string{addr} }),
	)
	require.NoError(t, err)
	return sim.NewNode(nw, id.PeerID(), addr, d)
}

// starNetwork builds n nodes where everyone knows node 0 and node 0 knows
// everyone.
func starNetwork(t *testing.T, n int) (*sim.Network, []*sim.Node) {
	t.Helper()
	nw := sim.NewNetwork(1)
	nodes := make([]*sim.Node, 0, n)
	for i := 0; i < n; i++ {
		nodes = append(nodes, newSimNode(t, nw, i))
	}
	for i := 1; i < n; i++ {
		nodes[i].DHT().Routing().Seen(nodes[0].ID(), []string{nodes[0].Addr()})
		nodes[0].DHT().Routing().Seen(nodes[i].ID(), []string{nodes[i].Addr()})
	}
	return nw, nodes
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSim_FindNode_StarBootstrap(t *testing.T) {
	const N = 25
	_, nodes := starNetwork(t, N)

	target := dht.NodeIDFromPeerID(nodes[N-1].ID())
	searcher := nodes[1]

	resp, err := searcher.DHT().IterativeFindNode(ctxT(t), searcher, target, dht.LookupConfig{})
	require.NoError(t, err)

	// true global k-closest, the searcher excluded
	type pair struct {
		peer string
		dist dht.NodeID
	}
	all := make([]pair, 0, len(nodes))
	for _, n := range nodes {
		if n == searcher {
			continue
		}
		all = append(all, pair{peer: n.ID().String(), dist: dht.Distance(dht.NodeIDFromPeerID(n.ID()), target)})
	}
	sort.Slice(all, func(i, j int) bool { return dht.DistanceLess(all[i].dist, all[j].dist) })

	k := dht.DefaultConfig().K
	if k > len(all) {
		k = len(all)
	}
	got := make(map[string]bool, len(resp))
	for _, nd := range resp {
		got[nd.PeerID] = true
	}
	for i := 0; i < k; i++ {
		require.True(t, got[all[i].peer], "missing globally closest peer %d", i)
	}
	require.Equal(t, nodes[N-1].ID().String(), resp[0].PeerID)
}

func TestSim_LookupConvergesOnLargerNetwork(t *testing.T) {
	const N = 120
	_, nodes := starNetwork(t, N)

	// let everyone learn their neighbourhood first
	for _, n := range nodes[1:] {
		require.NoError(t, n.DHT().Bootstrap(ctxT(t), n))
	}

	target := nodes[77]
	resp, err := nodes[5].DHT().IterativeFindNode(ctxT(t), nodes[5], dht.NodeIDFromPeerID(target.ID()), dht.LookupConfig{})
	require.NoError(t, err)
	require.NotEmpty(t, resp)
	require.Equal(t, target.ID().String(), resp[0].PeerID)
}

func TestSim_PutMutableGetValue(t *testing.T) {
	_, nodes := starNetwork(t, 30)
	pub, get := nodes[3], nodes[17]

	key, err := pub.DHT().PutMutable(ctxT(t), pub, "profile", []byte("v1"), 1, time.Hour)
	require.NoError(t, err)

	rec, err := get.DHT().GetValue(ctxT(t), get, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), rec.Value)
	require.Equal(t, uint64(1), rec.Seq)
}

func TestSim_PutImmutableGetValue(t *testing.T) {
	_, nodes := starNetwork(t, 20)
	key, err := nodes[2].DHT().PutImmutable(ctxT(t), nodes[2], []byte("hello dht"), 0)
	require.NoError(t, err)

	rec, err := nodes[9].DHT().GetValue(ctxT(t), nodes[9], key)
	require.NoError(t, err)
	require.Equal(t, "hello dht", string(rec.Value))
}

func TestSim_FindPeerFallsBackToPeerRecord(t *testing.T) {
	nw, nodes := starNetwork(t, 20)
	target, seeker := nodes[8], nodes[13]

	require.NoError(t, target.DHT().PublishPeerRecord(ctxT(t), target))

	// the target stops answering; only its record can locate it now
	nw.SetOffline(target.ID(), true)

	addrs, err := seeker.DHT().FindPeer(ctxT(t), seeker, target.ID())
	require.NoError(t, err)
	require.Equal(t, []string{target.Addr()}, addrs)
}

func TestSim_FindPeerNotFound(t *testing.T) {
	_, nodes := starNetwork(t, 10)
	stranger, err := identity.Generate()
	require.NoError(t, err)

	_, err = nodes[4].DHT().FindPeer(ctxT(t), nodes[4], stranger.PeerID())
	require.ErrorIs(t, err, dht.ErrNotFound)
}

func TestSim_UnresponsivePeerMarkedSuspect(t *testing.T) {
	nw, nodes := starNetwork(t, 6)
	seeker := nodes[1]
	nw.SetOffline(nodes[0].ID(), true)

	_, _ = seeker.DHT().IterativeFindNode(ctxT(t), seeker, dht.RandomNodeID(), dht.LookupConfig{})

	rec, ok := seeker.DHT().Routing().Get(nodes[0].ID())
	require.True(t, ok)
	require.Equal(t, dht.Suspect, rec.State)
}

func TestSim_DeadPeerStaysExcluded(t *testing.T) {
	nw, nodes := starNetwork(t, 6)
	seeker, dead := nodes[1], nodes[3]
	rt := seeker.DHT().Routing()
	rt.Seen(dead.ID(), []string{dead.Addr()})
	require.True(t, rt.SetState(dead.ID(), dht.Dead))
	nw.SetOffline(dead.ID(), true)

	_, err := seeker.DHT().QueryPing(ctxT(t), seeker, dead.Info())
	require.Error(t, err)

	// the hub still holds the dead peer as Alive and hands it out
	found, _ := seeker.DHT().IterativeFindNode(ctxT(t), seeker, dht.NodeIDFromPeerID(dead.ID()), dht.LookupConfig{})
	for _, nd := range found {
		require.NotEqual(t, dead.ID().String(), nd.PeerID)
	}

	rec, ok := rt.Get(dead.ID())
	require.True(t, ok)
	require.Equal(t, dht.Dead, rec.State)
	for _, c := range rt.Closest(dht.NodeIDFromPeerID(dead.ID()), 20) {
		require.NotEqual(t, dead.ID(), c.ID)
	}
}

func TestSim_LookupHonorsContext(t *testing.T) {
	_, nodes := starNetwork(t, 6)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := nodes[1].DHT().IterativeFindNode(ctx, nodes[1], dht.RandomNodeID(), dht.LookupConfig{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSim_LookupExhausted(t *testing.T) {
	_, nodes := starNetwork(t, 25)
	_, err := nodes[1].DHT().IterativeFindNode(ctxT(t), nodes[1], dht.RandomNodeID(), dht.LookupConfig{MaxRounds: 1})

	var lerr *dht.LookupError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, dht.LookupExhausted, lerr.State)
}

func TestSim_SurvivesDrops(t *testing.T) {
	nw, nodes := starNetwork(t, 40)
	for _, n := range nodes[1:] {
		_ = n.DHT().Bootstrap(ctxT(t), n)
	}
	nw.DropRate = 0.1

	target := nodes[31]
	resp, _ := nodes[2].DHT().IterativeFindNode(ctxT(t), nodes[2], dht.NodeIDFromPeerID(target.ID()), dht.LookupConfig{})
	require.NotEmpty(t, resp)
}
