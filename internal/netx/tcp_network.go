package netx

import (
	"context"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

type tcpNetwork struct {
	mu       sync.Mutex
	listener net.Listener
	local    *net.TCPAddr
}

// NewTCPNetwork returns a TCP network whose listener and outbound punch
// dials share one port.
func NewTCPNetwork() Network {
	return &tcpNetwork{}
}

func reuseControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			opErr = err
			return
		}
		// Not every platform has SO_REUSEPORT; punching degrades to a fresh port there.
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

// ReusePortListenConfig lets several sockets share one address, as LAN
// beacons on a fixed port need.
func ReusePortListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: reuseControl}
}

func (t *tcpNetwork) Listen(bindAddr string) (Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lc := net.ListenConfig{Control: reuseControl}
	l, err := lc.Listen(context.Background(), "tcp", bindAddr)
	if err != nil {
		return "", err
	}
	t.listener = l
	t.local, _ = l.Addr().(*net.TCPAddr)
	return Addr(l.Addr().String()), nil
}

func (t *tcpNetwork) ListenAddr() Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return Addr(t.listener.Addr().String())
}

func (t *tcpNetwork) Accept() (net.Conn, error) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()

	if l == nil {
		return nil, net.ErrClosed
	}
	return l.Accept()
}

func (t *tcpNetwork) Dial(ctx context.Context, addr Addr) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", string(addr))
}

func (t *tcpNetwork) DialFromListenPort(ctx context.Context, addr Addr) (net.Conn, error) {
	t.mu.Lock()
	local := t.local
	t.mu.Unlock()

	d := net.Dialer{Control: reuseControl}
	if local != nil {
		d.LocalAddr = &net.TCPAddr{Port: local.Port}
	}
	return d.DialContext(ctx, "tcp", string(addr))
}

func (t *tcpNetwork) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		err := t.listener.Close()
		t.listener = nil
		return err
	}
	return nil
}
