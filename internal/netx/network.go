package netx

import (
	"context"
	"net"
)

// Addr is a dialable host:port.
type Addr string

// Network is the byte-stream substrate under the secure channel.
type Network interface {
	Listen(bindAddr string) (listenAddr Addr, err error)
	Accept() (net.Conn, error)
	Dial(ctx context.Context, addr Addr) (net.Conn, error)
	// DialFromListenPort dials addr from the bound listen port, which is
	// what a simultaneous open needs to hit the peer's NAT mapping.
	DialFromListenPort(ctx context.Context, addr Addr) (net.Conn, error)
	ListenAddr() Addr
	Close() error
}
