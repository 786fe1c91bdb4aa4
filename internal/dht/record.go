package dht

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

const (
	RecordImmutable = "IMMUTABLE"
	RecordMutable   = "MUTABLE"
)

var (
	ErrBadRecord      = errors.New("dht: bad record")
	ErrBadSignature   = errors.New("dht: bad signature")
	ErrSeqTooLow      = errors.New("dht: seq too low")
	ErrKeyMismatch    = errors.New("dht: key mismatch")
	ErrRecordTooLarge = errors.New("dht: record too large")
)

func KeyFromImmutable(value []byte) [32]byte {
	return sha256.Sum256(value)
}

// For mutable keys: key = sha256(pubKey || name)
func KeyFromMutable(pubKey ed25519.PublicKey, name string) [32]byte {
	h := sha256.New()
	h.Write(pubKey)
	h.Write([]byte(name))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PeerRecordName is the mutable record name under which every node
// publishes its own addresses.
const PeerRecordName = "addrs"

func PeerRecordKey(id identity.PeerID) [32]byte {
	return KeyFromMutable(id.PublicKey(), PeerRecordName)
}

func KeyHex(k [32]byte) string { return hex.EncodeToString(k[:]) }

func ParseKeyHex(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, ErrBadRecord
	}
	copy(out[:], b)
	return out, nil
}

// Canonical payload for signing mutable records.
func signPayload(key [32]byte, seq uint64, expiresUnix int64, value []byte) []byte {
	buf := make([]byte, 0, 32+8+8+len(value))
	buf = append(buf, key[:]...)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(expiresUnix))
	buf = append(buf, value...)
	sum := sha256.Sum256(buf)
	return sum[:]
}

func SignMutable(priv ed25519.PrivateKey, key [32]byte, seq uint64, expiresUnix int64, value []byte) []byte {
	msg := signPayload(key, seq, expiresUnix, value)
	return ed25519.Sign(priv, msg)
}

func VerifyMutable(pub ed25519.PublicKey, key [32]byte, seq uint64, expiresUnix int64, value []byte, sig []byte) bool {
	msg := signPayload(key, seq, expiresUnix, value)
	return identity.VerifyKey(pub, msg, sig)
}

func decodePeerAddrs(rec *proto.DHTRecord) ([]string, error) {
	if rec == nil || rec.Name != PeerRecordName {
		return nil, ErrBadRecord
	}
	var pa proto.PeerAddrs
	if err := proto.Unmarshal(rec.Value, &pa); err != nil {
		return nil, err
	}
	return pa.Addrs, nil
}
