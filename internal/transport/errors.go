package transport

import (
	"errors"
	"fmt"

	"six7-fabric/internal/identity"
)

var (
	ErrClosed   = errors.New("transport: closed")
	ErrSelfDial = errors.New("transport: dial to self")
	ErrNoStream = errors.New("transport: no handler for stream")
)

// DialErrorKind classifies a failed dial cascade.
type DialErrorKind int

const (
	NoRouteFound DialErrorKind = iota
	Timeout
	HandshakeRejected
)

func (k DialErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case HandshakeRejected:
		return "handshake rejected"
	default:
		return "no route found"
	}
}

// DialError is returned when every strategy of the cascade failed.
type DialError struct {
	Kind DialErrorKind
	Peer identity.PeerID
	Err  error
}

func (e *DialError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: dial %s: %s", e.Peer.Short(), e.Kind)
	}
	return fmt.Sprintf("transport: dial %s: %s: %v", e.Peer.Short(), e.Kind, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// RelayErrorCode is carried on the wire in relay status replies.
type RelayErrorCode int

const (
	RelayOK RelayErrorCode = iota
	RelayPolicyDenied
	RelayRateLimited
	RelayNoRoute
	RelayResourceLimit
	RelayMalformed
	RelayTargetRefused
)

func (c RelayErrorCode) String() string {
	switch c {
	case RelayOK:
		return "ok"
	case RelayPolicyDenied:
		return "policy denied"
	case RelayRateLimited:
		return "rate limited"
	case RelayNoRoute:
		return "no route to target"
	case RelayResourceLimit:
		return "resource limit"
	case RelayMalformed:
		return "malformed request"
	case RelayTargetRefused:
		return "target refused"
	default:
		return fmt.Sprintf("code %d", int(c))
	}
}

// RelayError reports why a relay would not carry a circuit.
type RelayError struct {
	Code  RelayErrorCode
	Relay identity.PeerID
	Err   error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: relay %s: %s: %v", e.Relay.Short(), e.Code, e.Err)
	}
	return fmt.Sprintf("transport: relay %s: %s", e.Relay.Short(), e.Code)
}

func (e *RelayError) Unwrap() error { return e.Err }
