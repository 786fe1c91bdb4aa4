package dht

import (
	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

// HandleRequest answers one inbound request from an authenticated peer.
// It touches only local state and never blocks on the network.
func (d *DHT) HandleRequest(from identity.PeerID, addrs []string, w proto.DHTWire) proto.DHTWire {
	if !d.limiter.allow(from) {
		d.metrics.IncRPC("rate_limited", false)
		return proto.DHTWire{Kind: proto.DHTError, RPCID: w.RPCID, Error: "rate_limited"}
	}

	// Update routing table on any DHT traffic.
	if len(w.Addrs) > 0 {
		addrs = w.Addrs
	}
	d.rt.Seen(from, addrs)

	switch w.Kind {
	case proto.DHTPing:
		return proto.DHTWire{Kind: proto.DHTPong, RPCID: w.RPCID, Addrs: d.addrs()}

	case proto.DHTFindNode:
		target, err := ParseNodeIDHex(w.Target)
		if err != nil {
			return errorReply(w, "bad_target")
		}
		return proto.DHTWire{Kind: proto.DHTNodes, RPCID: w.RPCID, Target: w.Target, Nodes: d.closestWire(target, from)}

	case proto.DHTStore:
		// Validate minimal fields
		key, err := ParseKeyHex(w.Key)
		if err != nil || w.Record == nil {
			return proto.DHTWire{Kind: proto.DHTStoreResult, RPCID: w.RPCID, Error: "bad_request"}
		}
		if err := d.ValidateRecordAgainstKey(key, w.Record); err != nil {
			return proto.DHTWire{Kind: proto.DHTStoreResult, RPCID: w.RPCID, Error: err.Error()}
		}
		if err := d.rs.Put(key, w.Record, d.clock.Now()); err != nil {
			return proto.DHTWire{Kind: proto.DHTStoreResult, RPCID: w.RPCID, Error: err.Error()}
		}
		return proto.DHTWire{Kind: proto.DHTStoreResult, RPCID: w.RPCID, OK: true}

	case proto.DHTFindValue:
		key, err := ParseKeyHex(w.Key)
		if err != nil {
			return errorReply(w, "bad_key")
		}
		if rec, ok := d.rs.Get(key, d.clock.Now()); ok && d.ValidateRecordAgainstKey(key, rec) == nil {
			return proto.DHTWire{Kind: proto.DHTValue, RPCID: w.RPCID, Key: w.Key, Record: rec}
		}
		// Not found => return closest nodes (Kademlia behavior)
		return proto.DHTWire{Kind: proto.DHTValue, RPCID: w.RPCID, Key: w.Key, Nodes: d.closestWire(NodeID(key), from)}

	default:
		return errorReply(w, "unknown_kind")
	}
}

func errorReply(w proto.DHTWire, msg string) proto.DHTWire {
	return proto.DHTWire{Kind: proto.DHTError, RPCID: w.RPCID, Error: msg}
}

// closestWire lists the K closest live nodes, leaving out the requester.
func (d *DHT) closestWire(target NodeID, exclude identity.PeerID) []proto.DHTNode {
	closest := d.rt.Closest(target, d.cfg.K+1)
	out := make([]proto.DHTNode, 0, len(closest))
	for _, rec := range closest {
		if rec.ID == exclude || len(rec.Addrs) == 0 {
			continue
		}
		out = append(out, nodeFromRecord(rec))
		if len(out) == d.cfg.K {
			break
		}
	}
	return out
}
