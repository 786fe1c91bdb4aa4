package fabric

import (
	"sort"

	"six7-fabric/internal/gossip"
	"six7-fabric/internal/presence"
)

// Telemetry is a point-in-time view of every layer.
type Telemetry struct {
	Identity  string
	Bootstrap string
	Addrs     []string

	Peers      []PeerSnapshot
	KnownPeers int
	Circuits   int

	RoutingTableSize int
	Records          int
	DHT              map[string]uint64

	Topics []gossip.TopicSnapshot
	Gossip gossip.Stats

	Presence []presence.Status
	Inbox    int
}

func (f *Fabric) Telemetry() Telemetry {
	return Telemetry{
		Identity:         f.LocalIdentity(),
		Bootstrap:        f.BootstrapString(),
		Addrs:            f.tr.AdvertisedAddrs(),
		Peers:            f.PeersSnapshot(),
		KnownPeers:       f.known.Len(),
		Circuits:         f.tr.ActiveCircuits(),
		RoutingTableSize: f.dht.Routing().Size(),
		Records:          f.dht.Records().Len(),
		DHT:              f.stats.Snapshot(),
		Topics:           f.router.Snapshot(),
		Gossip:           f.router.Stats(),
		Presence:         f.presence.Snapshot(),
		Inbox:            len(f.inbox),
	}
}

func sortPeers(ps []PeerSnapshot) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID.Less(ps[j].ID) })
}
