package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/netx"
	"six7-fabric/internal/proto"
	"six7-fabric/internal/secure"
)

type ConnState int32

const (
	StatePending ConnState = iota
	StateHandshaking
	StateEstablished
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	default:
		return "closed"
	}
}

// Conn is one authenticated, multiplexed connection to a peer.
type Conn struct {
	t         *Transport
	ch        *secure.Channel
	sess      *yamux.Session
	remote    identity.PeerID
	info      proto.HandshakePayload
	initiator bool
	via       *identity.PeerID
	opened    time.Time

	state      atomic.Int32
	lastActive atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(t *Transport, ch *secure.Channel, sess *yamux.Session, initiator bool, via *identity.PeerID) *Conn {
	c := &Conn{
		t:         t,
		ch:        ch,
		sess:      sess,
		remote:    ch.RemotePeer(),
		info:      ch.RemoteInfo(),
		initiator: initiator,
		via:       via,
		opened:    time.Now(),
		done:      make(chan struct{}),
	}
	c.setState(StateHandshaking)
	c.touch()
	return c
}

func (c *Conn) RemotePeer() identity.PeerID { return c.remote }

// RemoteInfo is what the peer presented in the handshake.
func (c *Conn) RemoteInfo() proto.HandshakePayload { return c.info }

func (c *Conn) RemoteAddr() string {
	if a := c.ch.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// RemoteAddrs are the addresses worth storing for a later redial: the
// advertised listen addresses, plus the observed source host on the
// advertised port for direct connections.
func (c *Conn) RemoteAddrs() []string {
	out := append([]string(nil), c.info.ListenAddrs...)
	if !c.Relayed() && len(c.info.ListenAddrs) > 0 {
		if a := netx.WithPort(c.RemoteAddr(), netx.Port(c.info.ListenAddrs[0])); a != "" {
			out = append(out, a)
		}
	}
	return dedupeAddrs(out)
}

// Outbound reports whether this side ran the handshake as initiator.
func (c *Conn) Outbound() bool { return c.initiator }

func (c *Conn) Relayed() bool { return c.via != nil }

// RelayedVia returns the relay peer for relayed connections.
func (c *Conn) RelayedVia() (identity.PeerID, bool) {
	if c.via == nil {
		return identity.PeerID{}, false
	}
	return *c.via, true
}

func (c *Conn) Opened() time.Time { return c.opened }

func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) setState(s ConnState) { c.state.Store(int32(s)) }

func (c *Conn) NumStreams() int { return c.sess.NumStreams() }

func (c *Conn) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

func (c *Conn) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) initiatorID(self identity.PeerID) identity.PeerID {
	if c.initiator {
		return self
	}
	return c.remote
}

// OpenStream opens a stream and writes the protocol tag.
func (c *Conn) OpenStream(ctx context.Context, tag byte) (*yamux.Stream, error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	type result struct {
		s   *yamux.Stream
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := c.sess.OpenStream()
		if err == nil {
			if _, err = s.Write([]byte{tag}); err != nil {
				_ = s.Close()
				s = nil
			}
		}
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("transport: open %s stream to %s: %w", proto.StreamName(tag), c.remote.Short(), r.err)
		}
		c.touch()
		return r.s, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.s != nil {
				_ = r.s.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *Conn) acceptStreams() {
	for {
		s, err := c.sess.AcceptStream()
		if err != nil {
			_ = c.Close()
			return
		}
		c.touch()
		go c.t.dispatch(c, s)
	}
}

func (c *Conn) Close() error { return c.close() }

func (c *Conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		err = c.sess.Close()
		_ = c.ch.Close()
		close(c.done)
	})
	return err
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn{%s %s}", c.remote.Short(), c.State())
}
