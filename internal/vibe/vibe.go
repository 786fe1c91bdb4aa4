// Package vibe implements anonymous matching by commit-reveal: peers first
// publish a hash of a secret, then the secret itself, and peers whose
// commitments agree have matched.
package vibe

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/message"
)

const commitDomain = "six7-vibe-v1"

var (
	ErrTimingUnset         = errors.New("vibe: reveal timing not configured")
	ErrRevealWithoutCommit = errors.New("vibe: reveal without commitment")
	ErrRevealMismatch      = errors.New("vibe: reveal does not match commitment")
	ErrEarlyReveal         = errors.New("vibe: reveal before minimum delay")
	ErrRevealTooLate       = errors.New("vibe: reveal after deadline")
	ErrRecommit            = errors.New("vibe: conflicting commitment")
	ErrBadCommitment       = errors.New("vibe: malformed commitment")
)

// Commit returns hex(SHA-256(domain || vibeID || 0x00 || secret)).
func Commit(vibeID string, secret []byte) string {
	h := sha256.New()
	h.Write([]byte(commitDomain))
	h.Write([]byte(vibeID))
	h.Write([]byte{0})
	h.Write(secret)
	return hex.EncodeToString(h.Sum(nil))
}

func Verify(vibeID string, secret []byte, commitment string) bool {
	want := Commit(vibeID, secret)
	return subtle.ConstantTimeCompare([]byte(want), []byte(commitment)) == 1
}

func NewSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Policy holds the commit-reveal timing. There is no default; every field
// comes from configuration.
type Policy struct {
	// RevealDelay is how long a Session waits between its two phases.
	RevealDelay time.Duration
	// MinRevealDelay rejects reveals that follow their commitment too
	// quickly. Zero disables the check.
	MinRevealDelay time.Duration
	// RevealDeadline rejects reveals arriving too long after their
	// commitment. Zero disables the check.
	RevealDeadline time.Duration
}

func (p Policy) Validate() error {
	if p.RevealDelay <= 0 {
		return ErrTimingUnset
	}
	if p.MinRevealDelay > p.RevealDelay {
		return fmt.Errorf("vibe: min reveal delay %s exceeds reveal delay %s", p.MinRevealDelay, p.RevealDelay)
	}
	if p.RevealDeadline > 0 && p.RevealDeadline < p.RevealDelay {
		return fmt.Errorf("vibe: reveal deadline %s before reveal delay %s", p.RevealDeadline, p.RevealDelay)
	}
	return nil
}

type commit struct {
	commitment string
	seenAt     time.Time
	revealed   bool
}

// Match is a group of peers that committed to the same secret.
type Match struct {
	VibeID     string
	Commitment string
	Peers      []identity.PeerID
	// Revealed lists the peers whose reveal has been verified.
	Revealed []identity.PeerID
}

// Book records commitments and reveals per vibe and sender.
type Book struct {
	policy Policy
	clock  clock.Clock

	mu    sync.Mutex
	vibes map[string]map[identity.PeerID]*commit
}

func NewBook(policy Policy, clk clock.Clock) *Book {
	if clk == nil {
		clk = clock.New()
	}
	return &Book{policy: policy, clock: clk, vibes: make(map[string]map[identity.PeerID]*commit)}
}

// ObserveCommit records a sender's commitment. Repeating the same
// commitment is harmless; changing it is not.
func (b *Book) ObserveCommit(vibeID string, from identity.PeerID, commitment string) error {
	if raw, err := hex.DecodeString(commitment); err != nil || len(raw) != sha256.Size {
		return ErrBadCommitment
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	senders := b.vibes[vibeID]
	if senders == nil {
		senders = make(map[identity.PeerID]*commit)
		b.vibes[vibeID] = senders
	}
	if c, ok := senders[from]; ok {
		if c.commitment != commitment {
			return ErrRecommit
		}
		return nil
	}
	senders[from] = &commit{commitment: commitment, seenAt: b.clock.Now()}
	return nil
}

// ObserveReveal checks a reveal against the sender's earlier commitment
// and the timing policy.
func (b *Book) ObserveReveal(vibeID string, from identity.PeerID, secret []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.vibes[vibeID][from]
	if !ok {
		return ErrRevealWithoutCommit
	}
	elapsed := b.clock.Now().Sub(c.seenAt)
	if b.policy.MinRevealDelay > 0 && elapsed < b.policy.MinRevealDelay {
		return ErrEarlyReveal
	}
	if b.policy.RevealDeadline > 0 && elapsed > b.policy.RevealDeadline {
		return ErrRevealTooLate
	}
	if !Verify(vibeID, secret, c.commitment) {
		return ErrRevealMismatch
	}
	c.revealed = true
	return nil
}

// Observe dispatches a decoded vibe payload.
func (b *Book) Observe(from identity.PeerID, v message.Vibe) error {
	switch v.Phase {
	case message.VibeCommitment:
		return b.ObserveCommit(v.VibeID, from, v.Commitment)
	case message.VibeReveal:
		secret, err := hex.DecodeString(v.Secret)
		if err != nil {
			return ErrRevealMismatch
		}
		return b.ObserveReveal(v.VibeID, from, secret)
	default:
		return fmt.Errorf("vibe: unknown phase %q", v.Phase)
	}
}

// Matches groups the senders of vibeID that share a commitment. Only
// groups of two or more are returned.
func (b *Book) Matches(vibeID string) []Match {
	b.mu.Lock()
	defer b.mu.Unlock()
	groups := make(map[string]*Match)
	for p, c := range b.vibes[vibeID] {
		m := groups[c.commitment]
		if m == nil {
			m = &Match{VibeID: vibeID, Commitment: c.commitment}
			groups[c.commitment] = m
		}
		m.Peers = append(m.Peers, p)
		if c.revealed {
			m.Revealed = append(m.Revealed, p)
		}
	}
	out := make([]Match, 0, len(groups))
	for _, m := range groups {
		if len(m.Peers) < 2 {
			continue
		}
		sortPeers(m.Peers)
		sortPeers(m.Revealed)
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Commitment < out[j].Commitment })
	return out
}

func sortPeers(ps []identity.PeerID) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Less(ps[j]) })
}

func (b *Book) Forget(vibeID string) {
	b.mu.Lock()
	delete(b.vibes, vibeID)
	b.mu.Unlock()
}

// Sweep drops vibes whose newest commitment is older than maxAge.
func (b *Book) Sweep(maxAge time.Duration) int {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, senders := range b.vibes {
		newest := time.Time{}
		for _, c := range senders {
			if c.seenAt.After(newest) {
				newest = c.seenAt
			}
		}
		if now.Sub(newest) > maxAge {
			delete(b.vibes, id)
			n++
		}
	}
	return n
}
