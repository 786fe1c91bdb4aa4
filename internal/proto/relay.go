package proto

// Relay message types.
const (
	RelayConnect = "CONNECT" // initiator -> relay, on a hop stream
	RelayStop    = "STOP"    // relay -> target, on a stop stream
	RelayStatus  = "STATUS"  // reply on either stream
)

// RelayMsg is exchanged before a relay circuit starts splicing bytes.
type RelayMsg struct {
	Type   string `cbor:"type"`
	Peer   []byte `cbor:"peer,omitempty"` // target on CONNECT, initiator on STOP
	Code   int    `cbor:"code,omitempty"`
	Reason string `cbor:"reason,omitempty"`
}

// Punch message types.
const (
	PunchConnect = "CONNECT" // requester -> rendezvous
	PunchForward = "FORWARD" // rendezvous -> target
	PunchReply   = "REPLY"   // target -> rendezvous -> requester
)

// PunchMsg coordinates a simultaneous open through a rendezvous peer.
type PunchMsg struct {
	Type  string   `cbor:"type"`
	Peer  []byte   `cbor:"peer,omitempty"`
	Addrs []string `cbor:"addrs,omitempty"`
	Error string   `cbor:"err,omitempty"`
}
