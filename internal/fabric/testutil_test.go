package fabric

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"six7-fabric/internal/gossip"
	"six7-fabric/internal/identity"
)

type nodeOpt func(*Config)

func withInbox(n int) nodeOpt { return func(c *Config) { c.InboxSize = n } }

func withFastPresence() nodeOpt {
	return func(c *Config) {
		c.Presence.HeartbeatInterval = 100 * time.Millisecond
		c.Presence.SuspectAfter = 300 * time.Millisecond
		c.Presence.OfflineAfter = 600 * time.Millisecond
		c.Presence.SweepInterval = 50 * time.Millisecond
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Transport.ListenAddr = "127.0.0.1:0"
	cfg.Transport.DirectTimeout = time.Second
	cfg.Transport.PunchTimeout = time.Second
	cfg.Gossip.HeartbeatInterval = 50 * time.Millisecond
	cfg.DHT.RPCTimeout = 2 * time.Second
	cfg.ExpandInterval = 100 * time.Millisecond
	cfg.AckTimeout = 2 * time.Second
	return cfg
}

func newTestNode(t *testing.T, opts ...nodeOpt) *Fabric {
	t.Helper()
	cfg := testConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return newNodeWith(t, cfg)
}

func newNodeWith(t *testing.T, cfg Config, opts ...Option) *Fabric {
	t.Helper()
	log := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.WarnLevel)
	f, err := New(cfg, log, opts...)
	require.NoError(t, err)
	require.NoError(t, f.Start(testCtx(t)))
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func pid(f *Fabric) identity.PeerID { return f.id.PeerID() }

func connected(a, b *Fabric) bool {
	return a.tr.ConnTo(pid(b)) != nil && b.tr.ConnTo(pid(a)) != nil
}

// connect bootstraps a from b's bootstrap string.
func connect(t *testing.T, a, b *Fabric) {
	t.Helper()
	require.NoError(t, a.Bootstrap(testCtx(t), b.BootstrapString()))
	require.Eventually(t, func() bool { return connected(a, b) }, 5*time.Second, 10*time.Millisecond)
}

func connectTriangle(t *testing.T, a, b, c *Fabric) {
	t.Helper()
	connect(t, a, b)
	connect(t, b, c)
	connect(t, c, a)
}

// waitPeers waits until f's router knows n subscribers of topic.
func waitPeers(t *testing.T, f *Fabric, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, ts := range f.router.Snapshot() {
			if ts.Topic == topic {
				return len(ts.Mesh)+len(ts.Known) >= n
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func recv(t *testing.T, sub *gossip.Subscription) gossip.Message {
	t.Helper()
	select {
	case m, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return gossip.Message{}
	}
}

func requireSilent(t *testing.T, sub *gossip.Subscription, d time.Duration) {
	t.Helper()
	select {
	case m := <-sub.Messages():
		t.Fatalf("unexpected message %q from %s", m.Data, m.From.Short())
	case <-time.After(d):
	}
}

type recordingMetrics struct {
	NoopMetrics
	mu     sync.Mutex
	states []string
	drops  int
}

func (m *recordingMetrics) PresenceTransition(s string) {
	m.mu.Lock()
	m.states = append(m.states, s)
	m.mu.Unlock()
}

func (m *recordingMetrics) DirectReceived(ok bool) {
	if ok {
		return
	}
	m.mu.Lock()
	m.drops++
	m.mu.Unlock()
}

func (m *recordingMetrics) saw(state string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.states {
		if s == state {
			return true
		}
	}
	return false
}
