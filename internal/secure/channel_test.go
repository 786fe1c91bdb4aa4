package secure

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"six7-fabric/internal/crypto/noiseconn"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

func newLocal(t *testing.T) LocalInfo {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	static, err := noiseconn.GenerateStatic()
	require.NoError(t, err)
	return LocalInfo{Identity: id, Static: static, ListenAddrs: []string{"127.0.0.1:4433"}}
}

type openResult struct {
	ch  *Channel
	err error
}

func openPair(t *testing.T, a, b LocalInfo, expected *identity.PeerID) (openResult, openResult) {
	t.Helper()
	ca, cb := net.Pipe()
	t.Cleanup(func() { _ = ca.Close(); _ = cb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	respCh := make(chan openResult, 1)
	go func() {
		ch, err := Open(ctx, cb, b, Responder, nil)
		if err != nil {
			_ = cb.Close()
		}
		respCh <- openResult{ch, err}
	}()

	ch, err := Open(ctx, ca, a, Initiator, expected)
	if err != nil {
		_ = ca.Close()
	}
	return openResult{ch, err}, <-respCh
}

func TestOpenAuthenticatesBothSides(t *testing.T) {
	a, b := newLocal(t), newLocal(t)
	want := b.Identity.PeerID()

	ra, rb := openPair(t, a, b, &want)
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)

	require.Equal(t, b.Identity.PeerID(), ra.ch.RemotePeer())
	require.Equal(t, a.Identity.PeerID(), rb.ch.RemotePeer())
	require.Equal(t, []string{"127.0.0.1:4433"}, ra.ch.RemoteInfo().ListenAddrs)

	go func() { _, _ = ra.ch.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err := io.ReadFull(rb.ch, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestOpenRejectsUnexpectedIdentity(t *testing.T) {
	a, b, other := newLocal(t), newLocal(t), newLocal(t)
	want := other.Identity.PeerID()

	ra, _ := openPair(t, a, b, &want)
	var he *HandshakeError
	require.True(t, errors.As(ra.err, &he))
	require.Equal(t, ReasonIdentityMismatch, he.Reason)
}

func TestOpenRejectsProtocolMismatch(t *testing.T) {
	a, b := newLocal(t), newLocal(t)
	b.Version = "six7/2.0"

	ra, _ := openPair(t, a, b, nil)
	var he *HandshakeError
	require.True(t, errors.As(ra.err, &he))
	require.Equal(t, ReasonProtocolMismatch, he.Reason)
}

func TestOpenRejectsUnboundStaticKey(t *testing.T) {
	a, liar := newLocal(t), newLocal(t)

	// The liar signs a static key it does not use in the handshake.
	otherStatic, err := noiseconn.GenerateStatic()
	require.NoError(t, err)
	payload := proto.MustMarshal(proto.HandshakePayload{
		Version:     proto.ProtocolVersion,
		IdentityKey: liar.Identity.PublicKey(),
		Signature:   liar.Identity.Sign(bindingMessage(otherStatic.Public)),
	})

	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()
	go func() {
		_, _ = noiseconn.NewSecureServer(cb, liar.Static, payload)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = Open(ctx, ca, a, Initiator, nil)

	var he *HandshakeError
	require.True(t, errors.As(err, &he))
	require.Equal(t, ReasonCrypto, he.Reason)
}

func TestOpenHonorsCancellation(t *testing.T) {
	a := newLocal(t)
	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	// Nobody answers on cb.
	go func() { _, _ = io.Copy(io.Discard, cb) }()

	_, err := Open(ctx, ca, a, Initiator, nil)
	require.ErrorIs(t, err, context.Canceled)
}
