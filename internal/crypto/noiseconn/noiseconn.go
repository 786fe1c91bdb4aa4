package noiseconn

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"
)

const (
	// maxCiphertext is the Noise transport message limit.
	maxCiphertext = 65535
	tagSize       = 16
	maxPlaintext  = maxCiphertext - tagSize
)

var (
	ErrClosed      = errors.New("noiseconn: closed")
	ErrFrameLength = errors.New("noiseconn: invalid frame length")
	cipherSuite    = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
)

// GenerateStatic creates a Curve25519 keypair for the handshake.
func GenerateStatic() (noise.DHKey, error) {
	return cipherSuite.GenerateKeypair(rand.Reader)
}

// SecureConn wraps an underlying stream with Noise cipher states.
// Reads and writes may be issued concurrently with each other.
type SecureConn struct {
	underlying io.ReadWriteCloser

	rmu     sync.Mutex
	readCS  *noise.CipherState
	pending []byte

	wmu     sync.Mutex
	writeCS *noise.CipherState

	closeOnce sync.Once
}

// HandshakeResult is a finished Noise_XX handshake.
type HandshakeResult struct {
	Conn          *SecureConn
	RemoteStatic  []byte
	RemotePayload []byte
}

// Read returns decrypted bytes, reading a new length-prefixed frame only
// when the previous one has been fully consumed.
func (c *SecureConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.pending) == 0 {
		if c.readCS == nil {
			return 0, ErrClosed
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.underlying, lenBuf[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n < tagSize || n > maxCiphertext {
			return 0, fmt.Errorf("%w: %d", ErrFrameLength, n)
		}

		ct := make([]byte, n)
		if _, err := io.ReadFull(c.underlying, ct); err != nil {
			return 0, err
		}
		pt, err := c.readCS.Decrypt(ct[:0], nil, ct)
		if err != nil {
			return 0, fmt.Errorf("noiseconn: decrypt: %w", err)
		}
		c.pending = pt
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write encrypts p as one or more frames, each written with a length prefix.
func (c *SecureConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	written := 0
	for len(p) > 0 {
		if c.writeCS == nil {
			return written, ErrClosed
		}
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		buf := make([]byte, 4, 4+len(chunk)+tagSize)
		out, err := c.writeCS.Encrypt(buf, nil, chunk)
		if err != nil {
			return written, err
		}
		binary.BigEndian.PutUint32(out[:4], uint32(len(out)-4))
		if _, err := c.underlying.Write(out); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close closes the underlying stream and drops both cipher states.
func (c *SecureConn) Close() error {
	err := c.underlying.Close()
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		c.writeCS = nil
		c.wmu.Unlock()

		c.rmu.Lock()
		c.readCS = nil
		c.pending = nil
		c.rmu.Unlock()
	})
	return err
}

// NewSecureClient runs a Noise_XX handshake as initiator. payload is sent
// encrypted in the final handshake message.
func NewSecureClient(underlying io.ReadWriteCloser, static noise.DHKey, payload []byte) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, err
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// <- e, ee, s, es
	in, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, in)
	if err != nil {
		return nil, fmt.Errorf("noiseconn: read message 2: %w", err)
	}

	// -> s, se
	msg, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// cs1 encrypts initiator -> responder.
	return &HandshakeResult{
		Conn:          &SecureConn{underlying: underlying, readCS: cs2, writeCS: cs1},
		RemoteStatic:  hs.PeerStatic(),
		RemotePayload: remotePayload,
	}, nil
}

// NewSecureServer runs a Noise_XX handshake as responder. payload is sent
// encrypted in the second handshake message.
func NewSecureServer(underlying io.ReadWriteCloser, static noise.DHKey, payload []byte) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, err
	}

	// <- e
	in, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
		return nil, fmt.Errorf("noiseconn: read message 1: %w", err)
	}

	// -> e, ee, s, es
	msg, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// <- s, se
	in, err = readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, in)
	if err != nil {
		return nil, fmt.Errorf("noiseconn: read message 3: %w", err)
	}

	return &HandshakeResult{
		Conn:          &SecureConn{underlying: underlying, readCS: cs1, writeCS: cs2},
		RemoteStatic:  hs.PeerStatic(),
		RemotePayload: remotePayload,
	}, nil
}
