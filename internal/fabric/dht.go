package fabric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/yamux"

	"six7-fabric/internal/dht"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
	"six7-fabric/internal/transport"
)

// dhtSender carries DHT requests as one request and one reply per
// StreamDHT stream. Unconnected nodes are dialed directly only.
type dhtSender struct {
	f *Fabric
}

func (s *dhtSender) Request(ctx context.Context, to proto.DHTNode, req proto.DHTWire) (proto.DHTWire, error) {
	pid, err := identity.ParsePeerID(to.PeerID)
	if err != nil {
		return proto.DHTWire{}, err
	}
	c := s.f.tr.ConnTo(pid)
	if c == nil {
		c, err = s.f.tr.Dial(ctx, pid, to.Addrs, transport.DirectOnly())
		if err != nil {
			return proto.DHTWire{}, err
		}
	}

	st, err := c.OpenStream(ctx, proto.StreamDHT)
	if err != nil {
		return proto.DHTWire{}, err
	}
	defer st.Close()
	stop := context.AfterFunc(ctx, func() { _ = st.Close() })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}

	if err := proto.WriteFrame(st, req); err != nil {
		return proto.DHTWire{}, fmt.Errorf("fabric: dht request to %s: %w", pid.Short(), err)
	}
	var resp proto.DHTWire
	if err := proto.ReadFrame(st, &resp, proto.MaxFrameSize); err != nil {
		if ctx.Err() != nil {
			return proto.DHTWire{}, ctx.Err()
		}
		return proto.DHTWire{}, fmt.Errorf("fabric: dht reply from %s: %w", pid.Short(), err)
	}
	return resp, nil
}

func (f *Fabric) handleDHT(c *transport.Conn, s *yamux.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(f.dht.Config().RPCTimeout * 2))

	var req proto.DHTWire
	if err := proto.ReadFrame(s, &req, proto.MaxFrameSize); err != nil {
		if !errors.Is(err, io.EOF) {
			f.log.Warn().Err(err).Str("peer", c.RemotePeer().Short()).Msg("dht request decode failed")
		}
		return
	}
	resp := f.dht.HandleRequest(c.RemotePeer(), c.RemoteAddrs(), req)
	if err := proto.WriteFrame(s, resp); err != nil {
		f.log.Debug().Err(err).Str("peer", c.RemotePeer().Short()).Msg("dht reply failed")
	}
}

// Lookup resolves a peer's addresses through the routing table, an
// iterative lookup, then its published peer record.
func (f *Fabric) Lookup(ctx context.Context, id identity.PeerID) ([]string, error) {
	if c := f.tr.ConnTo(id); c != nil {
		if addrs := c.RemoteAddrs(); len(addrs) > 0 {
			return addrs, nil
		}
	}
	return f.dht.FindPeer(ctx, f.sender, id)
}

func (f *Fabric) RoutingTableSnapshot() []dht.PeerRecord {
	return f.dht.Routing().Snapshot()
}

// PutValue publishes a signed mutable record under this node's key.
func (f *Fabric) PutValue(ctx context.Context, name string, value []byte, seq uint64, ttl time.Duration) ([32]byte, error) {
	return f.dht.PutMutable(ctx, f.sender, name, value, seq, ttl)
}

// PutBlob publishes an immutable record keyed by its hash.
func (f *Fabric) PutBlob(ctx context.Context, value []byte, ttl time.Duration) ([32]byte, error) {
	return f.dht.PutImmutable(ctx, f.sender, value, ttl)
}

func (f *Fabric) GetValue(ctx context.Context, key [32]byte) (*proto.DHTRecord, error) {
	return f.dht.GetValue(ctx, f.sender, key)
}

// PeerRecordKey is where id publishes its addresses.
func PeerRecordKey(id identity.PeerID) [32]byte { return dht.PeerRecordKey(id) }
