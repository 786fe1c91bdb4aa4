package proto

// GossipRPC is the unit exchanged on a gossip stream. A single RPC may carry
// subscription changes, messages and mesh control at once.
type GossipRPC struct {
	Subscriptions []SubOpt        `cbor:"subs,omitempty"`
	Messages      []GossipMessage `cbor:"msgs,omitempty"`
	Graft         []string        `cbor:"graft,omitempty"`
	Prune         []string        `cbor:"prune,omitempty"`
}

type SubOpt struct {
	Topic     string `cbor:"t"`
	Subscribe bool   `cbor:"s"`
}

// GossipMessage is signed by Origin over SigningBytes.
type GossipMessage struct {
	ID        string `cbor:"id"`
	Topic     string `cbor:"t"`
	Origin    []byte `cbor:"from"`
	Seq       uint64 `cbor:"seq"`
	Timestamp int64  `cbor:"ts"`
	Data      []byte `cbor:"data"`
	Sig       []byte `cbor:"sig"`
}

// SigningBytes is the canonical byte string covered by Sig.
func (m *GossipMessage) SigningBytes() []byte {
	const prefix = "six7-gossip:"
	buf := make([]byte, 0, len(prefix)+len(m.ID)+len(m.Topic)+len(m.Origin)+len(m.Data)+18)
	buf = append(buf, prefix...)
	buf = append(buf, m.ID...)
	buf = append(buf, 0)
	buf = append(buf, m.Topic...)
	buf = append(buf, 0)
	buf = append(buf, m.Origin...)
	buf = appendUint64(buf, m.Seq)
	buf = appendUint64(buf, uint64(m.Timestamp))
	return append(buf, m.Data...)
}

// Empty reports whether the RPC carries nothing.
func (r *GossipRPC) Empty() bool {
	return len(r.Subscriptions) == 0 && len(r.Messages) == 0 && len(r.Graft) == 0 && len(r.Prune) == 0
}

func appendUint64(buf []byte, v uint64) []byte {
	for i := 7; i >= 0; i-- {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}
