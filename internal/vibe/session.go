package vibe

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/benbjohnson/clock"

	"six7-fabric/internal/message"
)

// Publisher broadcasts one vibe payload, normally on the vibes topic.
type Publisher func(ctx context.Context, v message.Vibe) error

// Session runs both phases for one local secret.
type Session struct {
	vibeID  string
	secret  []byte
	policy  Policy
	publish Publisher
	clock   clock.Clock
}

func NewSession(vibeID string, secret []byte, policy Policy, publish Publisher, clk clock.Clock) (*Session, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if vibeID == "" || len(secret) == 0 {
		return nil, errors.New("vibe: session needs an id and a secret")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Session{vibeID: vibeID, secret: secret, policy: policy, publish: publish, clock: clk}, nil
}

func (s *Session) Commitment() string { return Commit(s.vibeID, s.secret) }

// Run publishes the commitment, waits RevealDelay and publishes the secret.
// Cancelling ctx between the phases withholds the reveal.
func (s *Session) Run(ctx context.Context) error {
	if err := s.publish(ctx, message.Vibe{Phase: message.VibeCommitment, VibeID: s.vibeID, Commitment: s.Commitment()}); err != nil {
		return err
	}

	t := s.clock.Timer(s.policy.RevealDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.publish(ctx, message.Vibe{Phase: message.VibeReveal, VibeID: s.vibeID, Secret: hex.EncodeToString(s.secret)})
}
