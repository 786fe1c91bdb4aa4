package bootstrap

import (
	"net"
	"strings"

	"six7-fabric/internal/dht"
	"six7-fabric/internal/identity"
)

func entryFromCache(c dht.CachedPeer) (Entry, error) {
	p, err := identity.ParsePeerID(c.PeerID)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Peer: p, Addrs: append([]string(nil), c.Addrs...)}, nil
}

func listenPortOnly(listenAddr string) string {
	// returns ":12345"
	_, port, err := net.SplitHostPort(listenAddr)
	if err == nil && port != "" {
		return ":" + port
	}
	return listenAddr
}

func normalizeListenFromPong(sender *net.UDPAddr, listen string) string {
	// if listen is ":port", join with sender IP
	if strings.HasPrefix(listen, ":") && sender != nil && sender.IP != nil {
		return net.JoinHostPort(sender.IP.String(), strings.TrimPrefix(listen, ":"))
	}
	return listen
}
