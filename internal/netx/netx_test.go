package netx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenAcceptDial(t *testing.T) {
	n := NewTCPNetwork()
	addr, err := n.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	require.Equal(t, addr, n.ListenAddr())

	accepted := make(chan error, 1)
	go func() {
		c, err := n.Accept()
		if err == nil {
			_ = c.Close()
		}
		accepted <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := NewTCPNetwork().Dial(ctx, addr)
	require.NoError(t, err)
	_ = c.Close()
	require.NoError(t, <-accepted)
}

func TestDialFromListenPortUsesListenPort(t *testing.T) {
	a := NewTCPNetwork()
	_, err := a.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	b := NewTCPNetwork()
	bAddr, err := b.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	got := make(chan string, 1)
	go func() {
		c, err := b.Accept()
		if err != nil {
			got <- ""
			return
		}
		got <- c.RemoteAddr().String()
		_ = c.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := a.DialFromListenPort(ctx, bAddr)
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, Port(string(a.ListenAddr())), Port(<-got))
}

func TestAdvertiseAddrs(t *testing.T) {
	require.Equal(t, []string{"10.1.2.3:9"}, AdvertiseAddrs("10.1.2.3:9"))
	got := AdvertiseAddrs("0.0.0.0:4433")
	require.Contains(t, got, "127.0.0.1:4433")
	require.True(t, IsLoopback("127.0.0.1:1"))
	require.False(t, IsLoopback("8.8.8.8:1"))
	require.Equal(t, "1.2.3.4:7", WithPort("1.2.3.4:5555", "7"))
}
