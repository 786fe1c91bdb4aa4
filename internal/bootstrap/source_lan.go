package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/netx"
	"six7-fabric/internal/proto"
)

// LANConfig controls LAN discovery behavior.
type LANConfig struct {
	Port    int
	Timeout time.Duration
}

const (
	DefaultLANPort    = 42042
	DefaultLANTimeout = 1 * time.Second
)

func DefaultLANConfig() LANConfig {
	return LANConfig{
		Port:    DefaultLANPort,
		Timeout: DefaultLANTimeout,
	}
}

const (
	beaconPing = "ping"
	beaconPong = "pong"
)

// beacon is the LAN discovery datagram.
type beacon struct {
	Type   string `cbor:"t"`
	Peer   string `cbor:"p"`
	Listen string `cbor:"l,omitempty"`
}

const maxBeaconSize = 512

// StartLANResponder answers LAN pings with this node's identity and
// listen port until ctx is done.
func StartLANResponder(ctx context.Context, cfg LANConfig, self identity.PeerID, listenAddr func() string, log zerolog.Logger) error {
	lc := netx.ReusePortListenConfig()
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("bootstrap: lan responder listen: %w", err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		_ = conn.Close()
		return errors.New("bootstrap: lan responder: not a UDPConn")
	}
	log = log.With().Str("component", "lan").Logger()

	go func() {
		<-ctx.Done()
		_ = udpConn.Close()
	}()
	go func() {
		buf := make([]byte, maxBeaconSize)
		for {
			n, addr, err := udpConn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}

			var msg beacon
			if err := proto.Unmarshal(buf[:n], &msg); err != nil || msg.Type != beaconPing {
				continue
			}
			if msg.Peer == self.String() {
				continue
			}

			resp := beacon{Type: beaconPong, Peer: self.String(), Listen: listenPortOnly(listenAddr())}
			data, err := proto.Marshal(resp)
			if err != nil {
				continue
			}
			if _, err := udpConn.WriteToUDP(data, addr); err != nil {
				log.Debug().Err(err).Str("to", addr.String()).Msg("lan pong failed")
			}
		}
	}()
	return nil
}

// DiscoverLANPeers broadcasts a ping and collects pongs for cfg.Timeout.
// It does not connect.
func DiscoverLANPeers(ctx context.Context, cfg LANConfig, self identity.PeerID) ([]Entry, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: lan discover listen: %w", err)
	}
	defer conn.Close()

	data, err := proto.Marshal(beacon{Type: beaconPing, Peer: self.String()})
	if err != nil {
		return nil, err
	}

	targets := interfaceBroadcastAddrs(cfg.Port)
	if len(targets) == 0 {
		targets = append(targets, &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.Port})
	}
	targets = append(targets, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.Port})
	sent := 0
	for _, dst := range targets {
		// broadcast may be refused on hosts without a LAN; loopback still counts
		if _, err := conn.WriteToUDP(data, dst); err == nil {
			sent++
		}
	}
	if sent == 0 {
		return nil, errors.New("bootstrap: lan discover: no beacon sent")
	}

	deadline := time.Now().Add(cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	var out []Entry
	buf := make([]byte, maxBeaconSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		var msg beacon
		if err := proto.Unmarshal(buf[:n], &msg); err != nil || msg.Type != beaconPong {
			continue
		}
		p, err := identity.ParsePeerID(msg.Peer)
		if err != nil || p == self {
			continue
		}
		full := normalizeListenFromPong(from, msg.Listen)
		if full == "" {
			continue
		}
		out = append(out, Entry{Peer: p, Addrs: []string{full}})
	}
	return Merge(out), nil
}

// LANSource discovers peers with a broadcast ping.
type LANSource struct {
	Cfg  LANConfig
	Self identity.PeerID
}

func (s LANSource) Name() string { return "lan" }

func (s LANSource) Discover(ctx context.Context) ([]Entry, error) {
	return DiscoverLANPeers(ctx, s.Cfg, s.Self)
}

func interfaceBroadcastAddrs(port int) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, 8)

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, it := range ifaces {
		if it.Flags&net.FlagUp == 0 || it.Flags&net.FlagLoopback != 0 {
			continue
		}
		// skip point-to-point/tunnel-ish
		if it.Flags&net.FlagPointToPoint != 0 {
			continue
		}
		addrs, err := it.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP == nil {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || len(ipnet.Mask) != 4 {
				continue
			}
			mask := ipnet.Mask
			b := net.IPv4(
				ip4[0]|^mask[0],
				ip4[1]|^mask[1],
				ip4[2]|^mask[2],
				ip4[3]|^mask[3],
			)
			out = append(out, &net.UDPAddr{IP: b, Port: port})
		}
	}
	return out
}
