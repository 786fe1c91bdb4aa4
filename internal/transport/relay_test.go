package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"six7-fabric/internal/identity"
)

func TestDialViaRelay(t *testing.T) {
	r := newTestTransport(t, withRelay(DefaultRelayPolicy()))
	a := newTestTransport(t)
	b := newTestTransport(t)
	connect(t, a, r)
	connect(t, b, r)

	c, err := a.DialViaRelay(testCtx(t), r.LocalPeer(), b.LocalPeer())
	require.NoError(t, err)
	require.True(t, c.Relayed())
	via, ok := c.RelayedVia()
	require.True(t, ok)
	require.Equal(t, r.LocalPeer(), via)
	require.Equal(t, b.LocalPeer(), c.RemotePeer())

	require.Eventually(t, func() bool {
		bc := b.ConnTo(a.LocalPeer())
		return bc != nil && bc.Relayed()
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, r.ActiveCircuits())

	echo(t, c, "through the relay")
	echo(t, b.ConnTo(a.LocalPeer()), "and back")

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return r.ActiveCircuits() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRelayDisabledDenies(t *testing.T) {
	r := newTestTransport(t)
	a := newTestTransport(t)
	b := newTestTransport(t)
	connect(t, a, r)
	connect(t, b, r)

	_, err := a.DialViaRelay(testCtx(t), r.LocalPeer(), b.LocalPeer())
	var rerr *RelayError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, RelayPolicyDenied, rerr.Code)
}

func TestRelayAllowList(t *testing.T) {
	stranger, err := identity.Generate()
	require.NoError(t, err)
	p := DefaultRelayPolicy()
	p.Allow = []identity.PeerID{stranger.PeerID()}

	r := newTestTransport(t, withRelay(p))
	a := newTestTransport(t)
	b := newTestTransport(t)
	connect(t, a, r)
	connect(t, b, r)

	_, err = a.DialViaRelay(testCtx(t), r.LocalPeer(), b.LocalPeer())
	var rerr *RelayError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, RelayPolicyDenied, rerr.Code)
}

func TestRelayNoRouteAndRateLimit(t *testing.T) {
	p := DefaultRelayPolicy()
	p.RequestsPerSecond = 0.01
	p.Burst = 1
	r := newTestTransport(t, withRelay(p))
	a := newTestTransport(t)
	connect(t, a, r)

	absent, err := identity.Generate()
	require.NoError(t, err)

	_, err = a.DialViaRelay(testCtx(t), r.LocalPeer(), absent.PeerID())
	var rerr *RelayError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, RelayNoRoute, rerr.Code)

	_, err = a.DialViaRelay(testCtx(t), r.LocalPeer(), absent.PeerID())
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, RelayRateLimited, rerr.Code)
}

func TestRelayCircuitLimit(t *testing.T) {
	p := DefaultRelayPolicy()
	p.MaxCircuits = 1
	r := newTestTransport(t, withRelay(p))
	a := newTestTransport(t)
	b := newTestTransport(t)
	d := newTestTransport(t)
	connect(t, a, r)
	connect(t, b, r)
	connect(t, d, r)

	_, err := a.DialViaRelay(testCtx(t), r.LocalPeer(), b.LocalPeer())
	require.NoError(t, err)

	_, err = a.DialViaRelay(testCtx(t), r.LocalPeer(), d.LocalPeer())
	var rerr *RelayError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, RelayResourceLimit, rerr.Code)
}

func TestDialPunchesThroughRendezvous(t *testing.T) {
	a := newTestTransport(t)
	r := newTestTransport(t)
	b := newTestTransport(t)
	connect(t, a, r)
	connect(t, b, r)

	// no address for b: only the rendezvous can tell a where to go
	c, err := a.Dial(testCtx(t), b.LocalPeer(), nil)
	require.NoError(t, err)
	require.False(t, c.Relayed())
	require.Equal(t, b.LocalPeer(), c.RemotePeer())

	require.Eventually(t, func() bool {
		return b.ConnTo(a.LocalPeer()) != nil
	}, 3*time.Second, 10*time.Millisecond)
}
