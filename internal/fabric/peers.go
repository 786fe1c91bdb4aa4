package fabric

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
	"six7-fabric/internal/transport"
)

// gossipStreamIdle closes an outbound gossip stream that carried nothing
// for this long, so that quiet connections can be reaped.
const gossipStreamIdle = 90 * time.Second

// gossipPeer owns the outbound gossip stream to one connected peer. A
// single writer goroutine drains ch; when ch is full the oldest queued RPC
// is dropped.
type gossipPeer struct {
	id   identity.PeerID
	conn *transport.Conn
	ch   chan *proto.GossipRPC
	log  zerolog.Logger

	done chan struct{}
	once sync.Once
}

func newGossipPeer(c *transport.Conn, queue int, log zerolog.Logger) *gossipPeer {
	return &gossipPeer{
		id:   c.RemotePeer(),
		conn: c,
		ch:   make(chan *proto.GossipRPC, queue),
		log:  log.With().Str("peer", c.RemotePeer().Short()).Logger(),
		done: make(chan struct{}),
	}
}

func (p *gossipPeer) stop() { p.once.Do(func() { close(p.done) }) }

// enqueue never blocks. It reports whether an older RPC was dropped.
func (p *gossipPeer) enqueue(rpc *proto.GossipRPC) (dropped bool) {
	for {
		select {
		case p.ch <- rpc:
			return dropped
		default:
		}
		select {
		case <-p.ch:
			dropped = true
		default:
		}
	}
}

func (p *gossipPeer) writeLoop(ctx context.Context) {
	var s *yamux.Stream
	closeStream := func() {
		if s != nil {
			_ = s.Close()
			s = nil
		}
	}
	defer closeStream()

	idle := time.NewTimer(gossipStreamIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-p.conn.Done():
			return
		case <-idle.C:
			closeStream()
		case rpc := <-p.ch:
			if s == nil {
				octx, cancel := context.WithTimeout(ctx, 5*time.Second)
				st, err := p.conn.OpenStream(octx, proto.StreamGossip)
				cancel()
				if err != nil {
					p.log.Debug().Err(err).Msg("gossip stream open failed")
					continue
				}
				s = st
			}
			if err := proto.WriteFrame(s, rpc); err != nil {
				p.log.Debug().Err(err).Msg("gossip write failed")
				closeStream()
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(gossipStreamIdle)
		}
	}
}

// SendRPC implements gossip.Sender.
func (f *Fabric) SendRPC(to identity.PeerID, rpc *proto.GossipRPC) bool {
	f.mu.Lock()
	p := f.peers[to]
	f.mu.Unlock()
	if p == nil {
		return false
	}
	if p.enqueue(rpc) {
		f.metrics.GossipQueueDrop()
		p.log.Warn().Msg("gossip queue full, dropped oldest")
	}
	return true
}

// handleGossip reads RPCs from a stream the remote opened.
func (f *Fabric) handleGossip(c *transport.Conn, s *yamux.Stream) {
	defer s.Close()
	from := c.RemotePeer()
	for {
		var rpc proto.GossipRPC
		if err := proto.ReadFrame(s, &rpc, proto.MaxFrameSize); err != nil {
			if !errors.Is(err, io.EOF) && f.ctx.Err() == nil && c.State() != transport.StateClosed {
				f.log.Warn().Err(err).Str("peer", from.Short()).Msg("gossip stream decode failed")
			}
			return
		}
		f.router.HandleRPC(from, &rpc)
	}
}

// Connected implements transport.Notifiee.
func (f *Fabric) Connected(c *transport.Conn) {
	id := c.RemotePeer()
	f.rememberPeer(c)

	p := newGossipPeer(c, f.cfg.PeerQueueSize, f.log)
	f.mu.Lock()
	if f.closed.Load() {
		f.mu.Unlock()
		return
	}
	old := f.peers[id]
	f.peers[id] = p
	f.mu.Unlock()
	if old != nil {
		old.stop()
	}
	f.goLoop(p.writeLoop)

	f.router.AddPeer(id)
	f.watchPresence(id)
	f.goLoop(func(ctx context.Context) {
		f.dht.ObservePeer(ctx, f.sender, id, c.RemoteAddrs())
	})
	f.metrics.PeerConnected()
	f.log.Debug().Str("peer", id.Short()).Bool("relayed", c.Relayed()).Msg("peer connected")
}

// Disconnected implements transport.Notifiee.
func (f *Fabric) Disconnected(c *transport.Conn) {
	id := c.RemotePeer()
	f.mu.Lock()
	p := f.peers[id]
	if p != nil && p.conn == c {
		delete(f.peers, id)
	} else {
		p = nil
	}
	f.mu.Unlock()
	if p == nil {
		return
	}
	p.stop()
	f.router.RemovePeer(id)
	f.metrics.PeerDisconnected()
}

// PeerSnapshot is a read-only view of a connected peer.
type PeerSnapshot struct {
	ID         identity.PeerID
	Addr       string
	Addrs      []string
	Relayed    bool
	Outbound   bool
	Streams    int
	Opened     time.Time
	Relay      bool
	Version    string
	Liveness   string
	LastBeatAt time.Time
}

func (f *Fabric) PeersSnapshot() []PeerSnapshot {
	status := make(map[identity.PeerID]int)
	pres := f.presence.Snapshot()
	for i, st := range pres {
		status[st.Peer] = i
	}

	conns := f.tr.Conns()
	out := make([]PeerSnapshot, 0, len(conns))
	for _, c := range conns {
		info := c.RemoteInfo()
		ps := PeerSnapshot{
			ID:       c.RemotePeer(),
			Addr:     c.RemoteAddr(),
			Addrs:    c.RemoteAddrs(),
			Relayed:  c.Relayed(),
			Outbound: c.Outbound(),
			Streams:  c.NumStreams(),
			Opened:   c.Opened(),
			Relay:    info.Relay,
			Version:  info.Version,
		}
		if i, ok := status[c.RemotePeer()]; ok {
			ps.Liveness = pres[i].State.String()
			ps.LastBeatAt = pres[i].LastSeen
		}
		out = append(out, ps)
	}
	sortPeers(out)
	return out
}
