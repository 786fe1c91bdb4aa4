package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// PeerIDBytes is the size of a serialized identity (an Ed25519 public key).
const PeerIDBytes = ed25519.PublicKeySize

// PeerIDHexLen is the length of a rendered identity.
const PeerIDHexLen = PeerIDBytes * 2

var ErrBadPeerID = errors.New("identity: bad peer id")

// PeerID is a peer's permanent, address-independent name.
type PeerID [PeerIDBytes]byte

// ParsePeerID accepts exactly 64 hex characters.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	if len(s) != PeerIDHexLen {
		return id, fmt.Errorf("%w: want %d hex chars, got %d", ErrBadPeerID, PeerIDHexLen, len(s))
	}
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrBadPeerID, err)
	}
	copy(id[:], b)
	return id, nil
}

// PeerIDFromPublicKey converts a raw Ed25519 public key.
func PeerIDFromPublicKey(pub []byte) (PeerID, error) {
	var id PeerID
	if len(pub) != PeerIDBytes {
		return id, fmt.Errorf("%w: want %d bytes, got %d", ErrBadPeerID, PeerIDBytes, len(pub))
	}
	copy(id[:], pub)
	return id, nil
}

func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// Short is the 8-char prefix used in logs.
func (p PeerID) Short() string { return p.String()[:8] }

func (p PeerID) IsZero() bool { return p == PeerID{} }

func (p PeerID) PublicKey() ed25519.PublicKey {
	out := make([]byte, PeerIDBytes)
	copy(out, p[:])
	return out
}

// Less orders identities bytewise.
func (p PeerID) Less(o PeerID) bool {
	for i := range p {
		if p[i] != o[i] {
			return p[i] < o[i]
		}
	}
	return false
}

// Identity is the node's long-term signing keypair. It never changes for the
// lifetime of a process.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   PeerID
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(priv)
}

// FromPrivateKey wraps an existing Ed25519 private key.
func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	id, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: append(ed25519.PrivateKey(nil), priv...), pub: pub, id: id}, nil
}

// FromSeed derives an identity from a 32-byte seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return FromPrivateKey(ed25519.NewKeyFromSeed(seed))
}

func (i *Identity) PeerID() PeerID { return i.id }

func (i *Identity) PublicKey() ed25519.PublicKey { return i.pub }

// PrivateKey returns a copy of the private key for persistence.
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return append(ed25519.PrivateKey(nil), i.priv...)
}

// Fingerprint is the 64 hex char rendering of the public key.
func (i *Identity) Fingerprint() string { return i.id.String() }

func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.priv, msg)
}

// Verify reports whether sig is a valid signature of msg by id.
// Malformed inputs are reported as false.
func Verify(id PeerID, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(id[:]), msg, sig)
}

// VerifyKey is Verify for a raw public key of unknown length.
func VerifyKey(pub, msg, sig []byte) bool {
	id, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return false
	}
	return Verify(id, msg, sig)
}
