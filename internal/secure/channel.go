package secure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/flynn/noise"

	"six7-fabric/internal/crypto/noiseconn"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

// Role selects the Noise handshake side.
type Role int

const (
	Initiator Role = iota
	Responder
)

const staticBindingPrefix = "six7-noise-static:"

// DefaultHandshakeTimeout applies when ctx carries no deadline.
const DefaultHandshakeTimeout = 5 * time.Second

// LocalInfo is what this node presents during the handshake.
type LocalInfo struct {
	Identity    *identity.Identity
	Static      noise.DHKey
	Version     string
	ListenAddrs []string
	Relay       bool
}

// Channel is an authenticated, encrypted byte stream to one identity.
type Channel struct {
	*noiseconn.SecureConn

	raw        net.Conn
	remote     identity.PeerID
	remoteInfo proto.HandshakePayload
}

func (c *Channel) RemotePeer() identity.PeerID { return c.remote }

// RemoteInfo is the handshake payload the peer presented.
func (c *Channel) RemoteInfo() proto.HandshakePayload { return c.remoteInfo }

func (c *Channel) LocalAddr() net.Addr  { return c.raw.LocalAddr() }
func (c *Channel) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Open runs the mutual handshake over raw. When expected is set, the
// authenticated identity must equal it.
func Open(ctx context.Context, raw net.Conn, local LocalInfo, role Role, expected *identity.PeerID) (*Channel, error) {
	if local.Identity == nil {
		return nil, errors.New("secure: missing local identity")
	}
	if local.Version == "" {
		local.Version = proto.ProtocolVersion
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultHandshakeTimeout)
	}
	_ = raw.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = raw.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	payload, err := buildPayload(local, raw)
	if err != nil {
		return nil, handshakeErr(ReasonCrypto, err)
	}

	var hr *noiseconn.HandshakeResult
	if role == Initiator {
		hr, err = noiseconn.NewSecureClient(raw, local.Static, payload)
	} else {
		hr, err = noiseconn.NewSecureServer(raw, local.Static, payload)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, handshakeErr(ReasonCrypto, err)
	}

	var remote proto.HandshakePayload
	if err := proto.Unmarshal(hr.RemotePayload, &remote); err != nil {
		return nil, handshakeErr(ReasonCrypto, err)
	}
	if majorVersion(remote.Version) != majorVersion(local.Version) {
		return nil, handshakeErr(ReasonProtocolMismatch, fmt.Errorf("remote %q, local %q", remote.Version, local.Version))
	}

	pid, err := identity.PeerIDFromPublicKey(remote.IdentityKey)
	if err != nil {
		return nil, handshakeErr(ReasonCrypto, err)
	}
	if !identity.Verify(pid, bindingMessage(hr.RemoteStatic), remote.Signature) {
		return nil, handshakeErr(ReasonCrypto, errors.New("identity does not sign noise static key"))
	}
	if expected != nil && *expected != pid {
		return nil, handshakeErr(ReasonIdentityMismatch, fmt.Errorf("expected %s, got %s", expected.Short(), pid.Short()))
	}

	_ = raw.SetDeadline(time.Time{})

	return &Channel{
		SecureConn: hr.Conn,
		raw:        raw,
		remote:     pid,
		remoteInfo: remote,
	}, nil
}

func buildPayload(local LocalInfo, raw net.Conn) ([]byte, error) {
	p := proto.HandshakePayload{
		Version:     local.Version,
		IdentityKey: local.Identity.PublicKey(),
		Signature:   local.Identity.Sign(bindingMessage(local.Static.Public)),
		ListenAddrs: local.ListenAddrs,
		Relay:       local.Relay,
	}
	if ra := raw.RemoteAddr(); ra != nil {
		p.ObservedAddr = ra.String()
	}
	return proto.Marshal(p)
}

func bindingMessage(static []byte) []byte {
	out := make([]byte, 0, len(staticBindingPrefix)+len(static))
	out = append(out, staticBindingPrefix...)
	return append(out, static...)
}

// majorVersion maps "six7/1.3" to "six7/1".
func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}
