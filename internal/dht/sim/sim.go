package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"six7-fabric/internal/dht"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

var ErrDropped = errors.New("sim: request dropped")

// Network is an in-process deterministic "transport" for DHT testing.
// It is NOT production networking; it exists to measure algorithmic behavior.
type Network struct {
	mu      sync.RWMutex
	nodes   map[identity.PeerID]*Node
	offline map[identity.PeerID]bool

	// Simulation knobs
	Latency  time.Duration // fixed latency per message
	DropRate float64       // 0..1

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewNetwork(seed int64) *Network {
	return &Network{
		nodes:   make(map[identity.PeerID]*Node),
		offline: make(map[identity.PeerID]bool),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (nw *Network) Add(node *Node) {
	nw.mu.Lock()
	nw.nodes[node.id] = node
	nw.mu.Unlock()
}

// SetOffline makes a node unreachable without removing it.
func (nw *Network) SetOffline(id identity.PeerID, off bool) {
	nw.mu.Lock()
	nw.offline[id] = off
	nw.mu.Unlock()
}

func (nw *Network) drop() bool {
	if nw.DropRate <= 0 {
		return false
	}
	nw.rngMu.Lock()
	defer nw.rngMu.Unlock()
	return nw.rng.Float64() < nw.DropRate
}

func (nw *Network) deliver(ctx context.Context, from *Node, to proto.DHTNode, req proto.DHTWire) (proto.DHTWire, error) {
	pid, err := identity.ParsePeerID(to.PeerID)
	if err != nil {
		return proto.DHTWire{}, err
	}
	nw.mu.RLock()
	dst := nw.nodes[pid]
	off := nw.offline[pid] || nw.offline[from.id]
	nw.mu.RUnlock()
	if dst == nil {
		return proto.DHTWire{}, fmt.Errorf("sim: unknown peer %s", pid.Short())
	}
	if off || nw.drop() {
		return proto.DHTWire{}, ErrDropped
	}
	if nw.Latency > 0 {
		select {
		case <-time.After(nw.Latency):
		case <-ctx.Done():
			return proto.DHTWire{}, ctx.Err()
		}
	}
	return dst.dht.HandleRequest(from.id, []string{from.addr}, req), nil
}

// Node implements dht.Sender for simulation.
type Node struct {
	nw   *Network
	id   identity.PeerID
	addr string
	dht  *dht.DHT
}

func NewNode(nw *Network, id identity.PeerID, addr string, d *dht.DHT) *Node {
	n := &Node{nw: nw, id: id, addr: addr, dht: d}
	nw.Add(n)
	return n
}

func (n *Node) ID() identity.PeerID { return n.id }

func (n *Node) Addr() string { return n.addr }

func (n *Node) Request(ctx context.Context, to proto.DHTNode, req proto.DHTWire) (proto.DHTWire, error) {
	return n.nw.deliver(ctx, n, to, req)
}

func (n *Node) DHT() *dht.DHT { return n.dht }

// Info is how other nodes address this one.
func (n *Node) Info() proto.DHTNode {
	return proto.DHTNode{
		NodeID: dht.NodeIDFromPeerID(n.id).Hex(),
		PeerID: n.id.String(),
		Addrs:  []string{n.addr},
	}
}
