package dht

import (
	"crypto/ed25519"
	"errors"
	"time"

	"six7-fabric/internal/proto"
)

var ErrInvalidRecord = errors.New("dht: invalid record")

const (
	// maxRecordName bounds a mutable record's name in bytes.
	maxRecordName = 64
	// maxPeerRecordAddrs bounds the addresses a peer record may carry.
	maxPeerRecordAddrs = 16
	// recordClockSkew is how far in the future a creation time may lie.
	recordClockSkew = 2 * time.Minute
)

// recordCheck inspects one property of a record offered under key.
type recordCheck func(d *DHT, key [32]byte, rec *proto.DHTRecord) error

// recordChecks run in order; the first failure wins. The cheap checks come
// before the signature.
var recordChecks = []recordCheck{
	checkLifetime,
	checkShape,
	checkBinding,
	checkPeerRecord,
}

// ValidateRecordAgainstKey reports whether rec may be stored or returned
// under key.
func (d *DHT) ValidateRecordAgainstKey(key [32]byte, rec *proto.DHTRecord) error {
	if rec == nil {
		return ErrInvalidRecord
	}
	for _, check := range recordChecks {
		if err := check(d, key, rec); err != nil {
			return err
		}
	}
	return nil
}

// checkLifetime rejects expired records, records that claim to outlive
// MaxRecordTTL and records created in the future.
func checkLifetime(d *DHT, _ [32]byte, rec *proto.DHTRecord) error {
	now := d.clock.Now()
	if RecordExpired(rec, now) {
		return ErrInvalidRecord
	}
	horizon := now.Add(d.cfg.MaxRecordTTL + recordClockSkew).Unix()
	if rec.ExpiresUnix > horizon {
		return ErrInvalidRecord
	}
	if rec.CreatedUnix > now.Add(recordClockSkew).Unix() {
		return ErrInvalidRecord
	}
	return nil
}

func checkShape(_ *DHT, _ [32]byte, rec *proto.DHTRecord) error {
	if len(rec.Value) > proto.MaxMessageSize {
		return ErrRecordTooLarge
	}
	switch rec.Type {
	case RecordImmutable:
		if rec.Name != "" || len(rec.Sig) != 0 {
			return ErrBadRecord
		}
	case RecordMutable:
		if len(rec.PubKey) != ed25519.PublicKeySize || len(rec.Sig) != ed25519.SignatureSize {
			return ErrBadRecord
		}
		if rec.Name == "" || len(rec.Name) > maxRecordName {
			return ErrBadRecord
		}
	default:
		return ErrBadRecord
	}
	return nil
}

// checkBinding ties the record to its key: the content hash for immutable
// records, the publisher's key and signature for mutable ones.
func checkBinding(_ *DHT, key [32]byte, rec *proto.DHTRecord) error {
	if rec.Type == RecordImmutable {
		if KeyFromImmutable(rec.Value) != key {
			return ErrKeyMismatch
		}
		return nil
	}
	pub := ed25519.PublicKey(rec.PubKey)
	if KeyFromMutable(pub, rec.Name) != key {
		return ErrKeyMismatch
	}
	if !VerifyMutable(pub, key, rec.Seq, rec.ExpiresUnix, rec.Value, rec.Sig) {
		return ErrBadSignature
	}
	return nil
}

// checkPeerRecord requires a peer record to carry a usable address list.
func checkPeerRecord(_ *DHT, _ [32]byte, rec *proto.DHTRecord) error {
	if rec.Type != RecordMutable || rec.Name != PeerRecordName {
		return nil
	}
	addrs, err := decodePeerAddrs(rec)
	if err != nil || len(addrs) == 0 || len(addrs) > maxPeerRecordAddrs {
		return ErrBadRecord
	}
	return nil
}
