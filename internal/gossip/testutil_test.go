package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

// memNet links routers through per-link queues, one drain goroutine per
// direction, the same way the fabric's per-peer writers do.
type memNet struct {
	mu      sync.Mutex
	routers map[identity.PeerID]*Router
	links   map[[2]identity.PeerID]chan *proto.GossipRPC
	stop    chan struct{}
}

func newMemNet(t *testing.T) *memNet {
	n := &memNet{
		routers: make(map[identity.PeerID]*Router),
		links:   make(map[[2]identity.PeerID]chan *proto.GossipRPC),
		stop:    make(chan struct{}),
	}
	t.Cleanup(func() { close(n.stop) })
	return n
}

type memSender struct {
	net  *memNet
	self identity.PeerID
}

func (s *memSender) SendRPC(to identity.PeerID, rpc *proto.GossipRPC) bool {
	s.net.mu.Lock()
	ch := s.net.links[[2]identity.PeerID{s.self, to}]
	s.net.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- rpc:
		return true
	default:
		return false
	}
}

func (n *memNet) newRouter(t *testing.T, mutate func(*Config)) *Router {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	r := New(id, cfg, &memSender{net: n, self: id.PeerID()}, zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.InfoLevel))
	t.Cleanup(func() { _ = r.Close() })

	n.mu.Lock()
	n.routers[id.PeerID()] = r
	n.mu.Unlock()
	return r
}

func (n *memNet) pipe(from, to *Router) {
	ch := make(chan *proto.GossipRPC, 1024)
	n.mu.Lock()
	n.links[[2]identity.PeerID{from.self, to.self}] = ch
	n.mu.Unlock()
	go func() {
		for {
			select {
			case <-n.stop:
				return
			case rpc := <-ch:
				to.HandleRPC(from.self, rpc)
			}
		}
	}()
}

// connect links a and b in both directions and runs the connect hooks.
func (n *memNet) connect(a, b *Router) {
	n.pipe(a, b)
	n.pipe(b, a)
	a.AddPeer(b.self)
	b.AddPeer(a.self)
}

func (n *memNet) connectTriangle(a, b, c *Router) {
	n.connect(a, b)
	n.connect(b, c)
	n.connect(a, c)
}

func waitMesh(t *testing.T, r *Router, topic string, size int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range r.Snapshot() {
			if s.Topic == topic && len(s.Mesh) >= size {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "mesh for %s never reached %d", topic, size)
}

func waitKnown(t *testing.T, r *Router, topic string, size int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range r.Snapshot() {
			if s.Topic == topic && len(s.Mesh)+len(s.Known) >= size {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func recv(t *testing.T, s *Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-s.Messages():
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func requireSilent(t *testing.T, s *Subscription, d time.Duration) {
	t.Helper()
	select {
	case m, ok := <-s.Messages():
		if ok {
			t.Fatalf("unexpected message %s on %s", m.ID, s.Topic())
		}
	case <-time.After(d):
	}
}

// recordingSender keeps every RPC instead of delivering it.
type recordingSender struct {
	mu   sync.Mutex
	sent map[identity.PeerID][]*proto.GossipRPC
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[identity.PeerID][]*proto.GossipRPC)}
}

func (s *recordingSender) SendRPC(to identity.PeerID, rpc *proto.GossipRPC) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[to] = append(s.sent[to], rpc)
	return true
}

func (s *recordingSender) to(p identity.PeerID) []*proto.GossipRPC {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*proto.GossipRPC(nil), s.sent[p]...)
}

func newPeer(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func signed(t *testing.T, origin *identity.Identity, topic string, data []byte) proto.GossipMessage {
	t.Helper()
	p := origin.PeerID()
	m := proto.GossipMessage{
		ID:        "m-" + p.Short() + "-" + string(data),
		Topic:     topic,
		Origin:    p[:],
		Seq:       1,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	m.Sig = origin.Sign(m.SigningBytes())
	return m
}
