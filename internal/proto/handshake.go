package proto

// HandshakePayload travels inside the Noise handshake. It binds the Noise
// static key to the sender's long-term identity.
type HandshakePayload struct {
	Version      string   `cbor:"v"`
	IdentityKey  []byte   `cbor:"id"`
	Signature    []byte   `cbor:"sig"`
	ListenAddrs  []string `cbor:"addrs,omitempty"`
	ObservedAddr string   `cbor:"obs,omitempty"`
	Relay        bool     `cbor:"relay,omitempty"`
}
