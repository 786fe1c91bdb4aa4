package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"six7-fabric/internal/crypto/sealbox"
)

const keystoreVersion byte = 1

var keystoreAD = []byte("six7-identity-v1")

var ErrBadKeystore = errors.New("identity: bad keystore entry")

// KeyStore persists one sealed private key. Get returns nil, nil when empty.
type KeyStore interface {
	GetSealedIdentity() ([]byte, error)
	PutSealedIdentity(blob []byte) error
}

// LoadOrCreate opens the identity held by ks, creating and persisting a new
// one on first run.
func LoadOrCreate(ks KeyStore, passphrase []byte) (*Identity, bool, error) {
	blob, err := ks.GetSealedIdentity()
	if err != nil {
		return nil, false, fmt.Errorf("identity: load: %w", err)
	}
	if blob != nil {
		id, err := Unseal(blob, passphrase)
		return id, false, err
	}

	id, err := Generate()
	if err != nil {
		return nil, false, err
	}
	blob, err = Seal(id, passphrase)
	if err != nil {
		return nil, false, err
	}
	if err := ks.PutSealedIdentity(blob); err != nil {
		return nil, false, fmt.Errorf("identity: save: %w", err)
	}
	return id, true, nil
}

// Seal encrypts the identity seed under a passphrase-derived key.
// Layout: version(1) | salt(16) | nonce || ciphertext.
func Seal(id *Identity, passphrase []byte) ([]byte, error) {
	salt, err := sealbox.NewSalt()
	if err != nil {
		return nil, err
	}
	key := sealbox.DeriveKey(passphrase, salt)
	defer key.Zero()

	ct, err := sealbox.Seal(key, id.priv.Seed(), keystoreAD)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(salt)+len(ct))
	out = append(out, keystoreVersion)
	out = append(out, salt...)
	return append(out, ct...), nil
}

// Unseal reverses Seal.
func Unseal(blob, passphrase []byte) (*Identity, error) {
	if len(blob) < 1+sealbox.SaltSize || blob[0] != keystoreVersion {
		return nil, ErrBadKeystore
	}
	salt := blob[1 : 1+sealbox.SaltSize]
	key := sealbox.DeriveKey(passphrase, salt)
	defer key.Zero()

	seed, err := sealbox.Open(key, blob[1+sealbox.SaltSize:], keystoreAD)
	if err != nil {
		return nil, fmt.Errorf("identity: unseal: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, ErrBadKeystore
	}
	return FromSeed(seed)
}
