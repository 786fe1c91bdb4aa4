package sealbox

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Key is a 32-byte symmetric key.
type Key [32]byte

// SaltSize is the salt length expected by DeriveKey.
const SaltSize = 16

var ErrOpen = errors.New("sealbox: open failed")

// NewRandomKey generates a new random key.
func NewRandomKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return Key{}, err
	}
	return k, nil
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey stretches a passphrase with Argon2id.
func DeriveKey(passphrase, salt []byte) Key {
	var k Key
	copy(k[:], argon2.IDKey(passphrase, salt, 1, 64*1024, 4, uint32(len(k))))
	return k
}

// Seal encrypts plaintext with XChaCha20-Poly1305 and returns nonce||ciphertext.
func Seal(key Key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSizeX], plaintext, ad), nil
}

// Open reverses Seal.
func Open(key Key, sealed, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("%w: short input", ErrOpen)
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// Zero overwrites the key in place.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}
