package proto

// Heartbeat is published on a node's presence inbox topic.
type Heartbeat struct {
	Seq    uint64   `cbor:"seq"`
	SentAt int64    `cbor:"at"`
	Addrs  []string `cbor:"addrs,omitempty"`
}
