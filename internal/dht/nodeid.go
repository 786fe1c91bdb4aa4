package dht

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"six7-fabric/internal/identity"
)

const NodeIDBytes = 32

// NodeID places a peer in the keyspace: sha256 of its identity key.
type NodeID [NodeIDBytes]byte

func ParseNodeIDHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != NodeIDBytes {
		return id, fmt.Errorf("node id must be %d bytes, got %d", NodeIDBytes, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func MustParseNodeIDHex(s string) NodeID {
	id, err := ParseNodeIDHex(s)
	if err != nil {
		panic(err)
	}
	return id
}

func NodeIDFromPeerID(p identity.PeerID) NodeID {
	return NodeID(sha256.Sum256(p[:]))
}

// NodeIDMatchesPeerID checks a node id received from the network against
// the identity it claims to belong to.
func NodeIDMatchesPeerID(nodeHex, peerHex string) bool {
	pid, err := identity.ParsePeerID(peerHex)
	if err != nil {
		return false
	}
	nid, err := ParseNodeIDHex(nodeHex)
	if err != nil {
		return false
	}
	return NodeIDFromPeerID(pid) == nid
}

func (id NodeID) Hex() string { return hex.EncodeToString(id[:]) }

// XOR distance: d = a ^ b
func Xor(a, b NodeID) (out NodeID) {
	for i := 0; i < NodeIDBytes; i++ {
		out[i] = a[i] ^ b[i]
	}
	return
}

func Distance(a, b NodeID) NodeID { return Xor(a, b) }

func DistanceLess(a, b NodeID) bool { return bytes.Compare(a[:], b[:]) < 0 }

// BucketIndex returns [0..255] for 256-bit IDs.
// It’s the index of the first differing bit (MSB-first).
// If identical, returns -1.
func BucketIndex(self, other NodeID) int {
	d := Xor(self, other)
	for byteIdx := 0; byteIdx < NodeIDBytes; byteIdx++ {
		x := d[byteIdx]
		if x == 0 {
			continue
		}
		// find first set bit in this byte (MSB first)
		for bit := 0; bit < 8; bit++ {
			if x&(1<<(7-bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return -1
}

func RandomNodeID() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

// RandomNodeIDInBucket returns an id that shares exactly bucket leading
// bits with self.
func RandomNodeIDInBucket(self NodeID, bucket int) NodeID {
	id := RandomNodeID()
	if bucket < 0 || bucket >= NodeIDBytes*8 {
		return id
	}
	byteIdx, bit := bucket/8, bucket%8
	copy(id[:byteIdx], self[:byteIdx])

	mask := byte(0xff) << (8 - bit) // bits before the differing one
	flip := byte(0x80) >> bit
	id[byteIdx] = (self[byteIdx] & mask) | (^self[byteIdx] & flip) | (id[byteIdx] &^ (mask | flip))
	return id
}
