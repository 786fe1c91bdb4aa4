package messenger

import (
	"context"
	"encoding/hex"

	"six7-fabric/internal/gossip"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/message"
	"six7-fabric/internal/vibe"
)

// StartVibe commits to secret under vibeID and reveals it after the
// configured delay. It returns the commitment once the session starts.
// Cancelling ctx before the reveal withholds the secret.
func (m *Messenger) StartVibe(ctx context.Context, vibeID string, secret []byte) (string, error) {
	publish := func(ctx context.Context, v message.Vibe) error {
		env, err := message.NewEnvelope(v)
		if err != nil {
			return err
		}
		data, err := message.Encode(env)
		if err != nil {
			return err
		}
		if v.Phase == message.VibeReveal {
			if err := m.book.ObserveReveal(v.VibeID, m.self, secret); err != nil {
				return err
			}
		}
		return m.fab.Publish(ctx, message.VibesTopic(m.cfg.Prefix), data)
	}
	s, err := vibe.NewSession(vibeID, secret, m.cfg.Vibe, publish, m.clock)
	if err != nil {
		return "", err
	}
	if err := m.book.ObserveCommit(vibeID, m.self, s.Commitment()); err != nil {
		return "", err
	}

	go func() {
		if err := s.Run(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn().Err(err).Str("vibe", vibeID).Msg("vibe session failed")
		}
	}()
	return s.Commitment(), nil
}

// Matches lists the peers sharing this node's commitment for vibeID.
func (m *Messenger) Matches(vibeID string) []vibe.Match {
	var out []vibe.Match
	for _, mt := range m.book.Matches(vibeID) {
		if hasPeer(mt.Peers, m.self) {
			out = append(out, mt)
		}
	}
	return out
}

func (m *Messenger) handleVibe(gm gossip.Message) {
	env, err := message.Decode(gm.Data)
	if err != nil {
		m.log.Warn().Err(err).Str("peer", gm.From.Short()).Msg("undecodable vibe")
		return
	}
	body, err := env.Body()
	if err != nil {
		m.log.Warn().Err(err).Str("peer", gm.From.Short()).Msg("bad vibe body")
		return
	}
	v, ok := body.(message.Vibe)
	if !ok {
		return
	}
	if err := m.book.Observe(gm.From, v); err != nil {
		m.log.Debug().Err(err).Str("peer", gm.From.Short()).Str("vibe", v.VibeID).Msg("vibe rejected")
		return
	}
	if v.Phase == message.VibeReveal {
		m.reportMatches(v.VibeID)
	}
}

// reportMatches emits one event per peer whose verified reveal matches
// this node's commitment.
func (m *Messenger) reportMatches(vibeID string) {
	for _, mt := range m.Matches(vibeID) {
		for _, p := range mt.Revealed {
			if p == m.self {
				continue
			}
			key := vibeID + "/" + hex.EncodeToString(p[:])
			m.mu.Lock()
			_, seen := m.reported[key]
			m.reported[key] = struct{}{}
			m.mu.Unlock()
			if !seen {
				m.emit(Event{Kind: EventVibeMatch, Match: mt, Peer: p})
			}
		}
	}
}

func hasPeer(ps []identity.PeerID, p identity.PeerID) bool {
	for _, x := range ps {
		if x == p {
			return true
		}
	}
	return false
}
