package proto

const (
	// ProtocolVersion is exchanged in the secure handshake. Peers with a
	// different major version are rejected.
	ProtocolVersion = "six7/1.3"

	// MaxMessageSize bounds any application payload.
	MaxMessageSize = 64 * 1024

	// MaxTopicLength bounds topic names in characters.
	MaxTopicLength = 256

	// MaxFrameSize bounds a single framed wire message: one application
	// payload plus envelope overhead.
	MaxFrameSize = MaxMessageSize + 8*1024
)

// Stream protocol tags. The first byte written on every stream selects the
// handler on the remote side.
const (
	StreamDHT       byte = 0x01
	StreamGossip    byte = 0x02
	StreamDirect    byte = 0x03
	StreamRelayHop  byte = 0x04
	StreamRelayStop byte = 0x05
	StreamPunch     byte = 0x06
)

// StreamName is used in logs and metrics.
func StreamName(tag byte) string {
	switch tag {
	case StreamDHT:
		return "dht"
	case StreamGossip:
		return "gossip"
	case StreamDirect:
		return "direct"
	case StreamRelayHop:
		return "relay_hop"
	case StreamRelayStop:
		return "relay_stop"
	case StreamPunch:
		return "punch"
	default:
		return "unknown"
	}
}
