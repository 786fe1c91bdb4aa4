package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/rs/zerolog"
)

var ErrAllServersFailed = errors.New("nat: all STUN servers failed")

// DefaultSTUNServers are queried when none are configured.
func DefaultSTUNServers() []string {
	return []string{
		"stun.l.google.com:19302",
		"stun1.l.google.com:19302",
		"stun.cloudflare.com:3478",
	}
}

// STUNClient discovers the node's server-reflexive UDP address. The result
// is a hint: TCP mappings on the same NAT usually share the public IP.
type STUNClient struct {
	servers []string
	timeout time.Duration
	ttl     time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	cached   *net.UDPAddr
	cachedAt time.Time
}

func NewSTUNClient(servers []string, timeout time.Duration, log zerolog.Logger) *STUNClient {
	if len(servers) == 0 {
		servers = DefaultSTUNServers()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &STUNClient{
		servers: servers,
		timeout: timeout,
		ttl:     5 * time.Minute,
		log:     log.With().Str("component", "stun").Logger(),
	}
}

// ExternalAddr returns the cached mapping or queries servers in order.
func (c *STUNClient) ExternalAddr(ctx context.Context) (*net.UDPAddr, error) {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.cachedAt) < c.ttl {
		addr := c.cached
		c.mu.Unlock()
		return addr, nil
	}
	c.mu.Unlock()

	var lastErr error
	for _, server := range c.servers {
		addr, err := c.query(ctx, server)
		if err != nil {
			c.log.Debug().Str("server", server).Err(err).Msg("stun query failed")
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		c.mu.Lock()
		c.cached = addr
		c.cachedAt = time.Now()
		c.mu.Unlock()
		return addr, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrAllServersFailed, lastErr)
}

func (c *STUNClient) query(ctx context.Context, server string) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("nat: resolve %s: %w", server, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("nat: dial %s: %w", server, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, err
	}
	if _, err := req.WriteTo(conn); err != nil {
		return nil, fmt.Errorf("nat: send: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("nat: read: %w", err)
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err == nil {
			return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
		}
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(res); err != nil {
			return nil, fmt.Errorf("nat: no mapped address in response: %w", err)
		}
		return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
	}
}

// PublicHost returns just the external IP as a string, or "" if unknown.
func (c *STUNClient) PublicHost(ctx context.Context) string {
	addr, err := c.ExternalAddr(ctx)
	if err != nil || addr == nil {
		return ""
	}
	return addr.IP.String()
}
