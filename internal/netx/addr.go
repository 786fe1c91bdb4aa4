package netx

import (
	"net"
	"strings"
)

// AdvertiseAddrs expands a listen address into dialable addresses. An
// unspecified host is replaced by each non-loopback interface address plus
// loopback.
func AdvertiseAddrs(listen Addr) []string {
	host, port, err := net.SplitHostPort(string(listen))
	if err != nil {
		return nil
	}
	ip := net.ParseIP(host)
	if host != "" && ip != nil && !ip.IsUnspecified() {
		return []string{string(listen)}
	}

	out := []string{net.JoinHostPort("127.0.0.1", port)}
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range ifaces {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ipnet.IP.To4() == nil {
			continue
		}
		out = append(out, net.JoinHostPort(ipnet.IP.String(), port))
	}
	return out
}

// WithPort replaces the port of an observed address, used when a peer
// reports our source address for an outbound dial.
func WithPort(addr, port string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return ""
	}
	return net.JoinHostPort(host, port)
}

// Port returns the port of a host:port string.
func Port(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return port
}

// IsLoopback reports whether addr's host is a loopback IP or localhost.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
