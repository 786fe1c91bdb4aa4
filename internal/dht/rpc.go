package dht

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"six7-fabric/internal/proto"
)

var ErrRateLimited = errors.New("dht: rate limited")

func newRPCID() string { return uuid.NewString() }

// query sends req to one node under RPCTimeout and updates the routing
// table with the outcome.
func (d *DHT) query(ctx context.Context, n Sender, to proto.DHTNode, req proto.DHTWire) (proto.DHTWire, error) {
	pid, _, ok := parseNode(to)
	if !ok {
		return proto.DHTWire{}, fmt.Errorf("dht: bad node %q", to.PeerID)
	}
	if pid == d.id.PeerID() {
		return proto.DHTWire{}, errors.New("dht: query to self")
	}

	req.RPCID = newRPCID()
	req.Addrs = d.addrs()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RPCTimeout)
	defer cancel()

	resp, err := n.Request(ctx, to, req)
	if err == nil && resp.RPCID != req.RPCID {
		err = fmt.Errorf("dht: rpc id mismatch from %s", pid.Short())
	}
	if err == nil && resp.Kind == proto.DHTError {
		if resp.Error == "rate_limited" {
			err = ErrRateLimited
		} else {
			err = fmt.Errorf("dht: remote error: %s", resp.Error)
		}
	}
	d.metrics.IncRPC(req.Kind, err == nil)

	if err != nil {
		// rate limiting says nothing about liveness
		if !errors.Is(err, ErrRateLimited) {
			d.rt.SetState(pid, Suspect)
			if d.store != nil {
				d.store.NoteFailure(pid)
			}
		}
		return proto.DHTWire{}, err
	}
	d.rt.Seen(pid, resp.Addrs)
	return resp, nil
}

func (d *DHT) QueryPing(ctx context.Context, n Sender, to proto.DHTNode) (proto.DHTWire, error) {
	return d.query(ctx, n, to, proto.DHTWire{Kind: proto.DHTPing})
}

func (d *DHT) QueryFindNode(ctx context.Context, n Sender, to proto.DHTNode, target NodeID) (proto.DHTWire, error) {
	return d.query(ctx, n, to, proto.DHTWire{Kind: proto.DHTFindNode, Target: target.Hex()})
}

func (d *DHT) QueryFindValue(ctx context.Context, n Sender, to proto.DHTNode, key [32]byte) (proto.DHTWire, error) {
	return d.query(ctx, n, to, proto.DHTWire{Kind: proto.DHTFindValue, Key: KeyHex(key)})
}

func (d *DHT) QueryStore(ctx context.Context, n Sender, to proto.DHTNode, key [32]byte, rec *proto.DHTRecord) (proto.DHTWire, error) {
	return d.query(ctx, n, to, proto.DHTWire{Kind: proto.DHTStore, Key: KeyHex(key), Record: rec})
}
