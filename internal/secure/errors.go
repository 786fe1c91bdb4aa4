package secure

import "fmt"

// Reason classifies a failed handshake.
type Reason int

const (
	ReasonCrypto Reason = iota
	ReasonIdentityMismatch
	ReasonProtocolMismatch
)

func (r Reason) String() string {
	switch r {
	case ReasonIdentityMismatch:
		return "identity mismatch"
	case ReasonProtocolMismatch:
		return "protocol mismatch"
	default:
		return "crypto failure"
	}
}

// HandshakeError is fatal to one connection attempt only.
type HandshakeError struct {
	Reason Reason
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err == nil {
		return "secure: handshake failed: " + e.Reason.String()
	}
	return fmt.Sprintf("secure: handshake failed: %s: %v", e.Reason, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func handshakeErr(r Reason, err error) error {
	return &HandshakeError{Reason: r, Err: err}
}
