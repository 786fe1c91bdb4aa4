package console

import (
	"maps"
	"slices"
	"strings"
)

func (a *App) printList() {
	t := a.node.Telemetry()

	a.ui.Println()
	a.ui.Printf("Peers (%d connected, %d known):\n", len(t.Peers), t.KnownPeers)
	for _, p := range t.Peers {
		path := "direct"
		if p.Relayed {
			path = "relayed"
		}
		a.ui.Printf("  %-10s  %-8s  %-9s  %s\n", p.ID.Short(), path, p.Liveness, p.Addr)
	}
	a.ui.Printf("Routing table:  %d entries\n", t.RoutingTableSize)
	a.ui.Printf("Records:        %d stored\n", t.Records)
	a.ui.Printf("Circuits:       %d relayed for others\n", t.Circuits)

	a.ui.Println("Topics:")
	if len(t.Topics) == 0 {
		a.ui.Println("  (none)")
	}
	for _, tp := range t.Topics {
		mark := " "
		if tp.Subscribed {
			mark = "*"
		}
		a.ui.Printf("  %s %-40s  mesh=%d known=%d\n", mark, tp.Topic, len(tp.Mesh), len(tp.Known))
	}
	if rooms := a.msgr.Rooms(); len(rooms) > 0 {
		slices.Sort(rooms)
		a.ui.Printf("Rooms:          %s\n", strings.Join(rooms, ", "))
	}
	a.ui.Println()
}

func (a *App) printTelemetry() {
	t := a.node.Telemetry()

	a.ui.Println()
	a.ui.Println("== Telemetry ==")
	a.ui.Printf("  Addrs:      %s\n", strings.Join(t.Addrs, ", "))
	a.ui.Printf("  Peers:      %d connected, %d known\n", len(t.Peers), t.KnownPeers)
	a.ui.Printf("  Routing:    %d entries, %d records\n", t.RoutingTableSize, t.Records)
	a.ui.Printf("  Gossip:     published=%d delivered=%d forwarded=%d duplicates=%d invalid=%d\n",
		t.Gossip.Published, t.Gossip.Delivered, t.Gossip.Forwarded, t.Gossip.Duplicates, t.Gossip.Invalid)
	a.ui.Printf("  Presence:   %d watched\n", len(t.Presence))
	a.ui.Printf("  Inbox:      %d queued\n", t.Inbox)

	for _, k := range slices.Sorted(maps.Keys(t.DHT)) {
		a.ui.Printf("  dht.%-20s %d\n", k, t.DHT[k])
	}
	a.ui.Println()
}
