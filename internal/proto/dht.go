package proto

// DHT RPC kinds.
const (
	DHTPing        = "PING"
	DHTPong        = "PONG"
	DHTFindNode    = "FIND_NODE"
	DHTNodes       = "NODES"
	DHTFindValue   = "FIND_VALUE"
	DHTValue       = "VALUE"
	DHTStore       = "STORE"
	DHTStoreResult = "STORE_RESULT"
	DHTError       = "ERROR"
)

// DHTWire is the single payload for all DHT traffic. Each request travels
// on its own stream and is answered by exactly one reply on that stream.
type DHTWire struct {
	Kind  string `cbor:"kind"`
	RPCID string `cbor:"rpc,omitempty"`

	// Target is the lookup target for FIND_NODE (hex node id).
	Target string `cbor:"target,omitempty"`

	Nodes []DHTNode `cbor:"nodes,omitempty"`

	// Key is the record key for STORE / FIND_VALUE (hex).
	Key    string     `cbor:"key,omitempty"`
	Record *DHTRecord `cbor:"rec,omitempty"`

	OK    bool   `cbor:"ok,omitempty"`
	Error string `cbor:"err,omitempty"`

	// Addrs are the sender's listen addresses, refreshed on every request.
	Addrs []string `cbor:"addrs,omitempty"`
}

type DHTNode struct {
	NodeID string   `cbor:"nid"`  // hex(sha256(peer id))
	PeerID string   `cbor:"pid"`  // 64 hex identity
	Addrs  []string `cbor:"addrs"` // host:port
}

// DHTRecord is a stored value. Mutable records are signed by PubKey and
// ordered by Seq.
type DHTRecord struct {
	Type        string `cbor:"type"`
	Name        string `cbor:"name,omitempty"`
	Value       []byte `cbor:"value"`
	PubKey      []byte `cbor:"pub,omitempty"`
	Seq         uint64 `cbor:"seq,omitempty"`
	CreatedUnix int64  `cbor:"created"`
	ExpiresUnix int64  `cbor:"expires,omitempty"`
	Sig         []byte `cbor:"sig,omitempty"`
}

// PeerAddrs is the value of a peer's self-published address record.
type PeerAddrs struct {
	Addrs []string `cbor:"addrs"`
}
