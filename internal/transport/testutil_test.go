package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

const testEcho byte = 0x42

type testOpt func(*Config)

func withRelay(p RelayPolicy) testOpt {
	return func(c *Config) {
		p.Enabled = true
		p.AcceptRelayed = true
		c.Relay = p
	}
}

func withIdle(d time.Duration) testOpt { return func(c *Config) { c.IdleTimeout = d } }

func newTestTransport(t *testing.T, opts ...testOpt) *Transport {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DirectTimeout = time.Second
	cfg.PunchTimeout = 3 * time.Second
	for _, o := range opts {
		o(&cfg)
	}
	tr, err := New(id, cfg, zerolog.Nop())
	require.NoError(t, err)
	tr.Handle(testEcho, echoHandler)
	require.NoError(t, tr.Listen())
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func echoHandler(_ *Conn, s *yamux.Stream) {
	defer s.Close()
	var req proto.DirectRequest
	if err := proto.ReadFrame(s, &req, 0); err != nil {
		return
	}
	_ = proto.WriteFrame(s, req)
}

func addrsOf(tr *Transport) []string { return []string{string(tr.ListenAddr())} }

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// slowProxy forwards to target after holding each accepted conn for delay.
func slowProxy(t *testing.T, target string, delay time.Duration) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			in, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer in.Close()
				time.Sleep(delay)
				out, err := net.Dial("tcp", target)
				if err != nil {
					return
				}
				defer out.Close()
				go func() {
					_, _ = io.Copy(out, in)
					_ = out.Close()
				}()
				_, _ = io.Copy(in, out)
			}()
		}
	}()
	return ln.Addr().String()
}

// connect dials b from a and waits until both sides see the connection.
func connect(t *testing.T, a, b *Transport) *Conn {
	t.Helper()
	c, err := a.Dial(testCtx(t), b.LocalPeer(), addrsOf(b))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.ConnTo(a.LocalPeer()) != nil
	}, 3*time.Second, 10*time.Millisecond)
	return c
}

func echo(t *testing.T, c *Conn, msg string) {
	t.Helper()
	s, err := c.OpenStream(testCtx(t), testEcho)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, proto.WriteFrame(s, proto.DirectRequest{Data: []byte(msg)}))
	var resp proto.DirectRequest
	require.NoError(t, proto.ReadFrame(s, &resp, 0))
	require.Equal(t, msg, string(resp.Data))
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	b := <-accepted
	require.NotNil(t, b)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

type recordingNotifiee struct {
	mu           sync.Mutex
	connected    []identity.PeerID
	disconnected []identity.PeerID
}

func (r *recordingNotifiee) Connected(c *Conn) {
	r.mu.Lock()
	r.connected = append(r.connected, c.RemotePeer())
	r.mu.Unlock()
}

func (r *recordingNotifiee) Disconnected(c *Conn) {
	r.mu.Lock()
	r.disconnected = append(r.disconnected, c.RemotePeer())
	r.mu.Unlock()
}

func (r *recordingNotifiee) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected), len(r.disconnected)
}
