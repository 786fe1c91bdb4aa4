package transport

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/yamux"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

const (
	maxRendezvous   = 3
	punchAttempt    = time.Second
	punchRetryDelay = 200 * time.Millisecond
)

// dialPunch asks connected peers to introduce us to p, then both sides
// dial each other from their listen ports.
func (t *Transport) dialPunch(ctx context.Context, p identity.PeerID) (*Conn, error) {
	pctx, cancel := context.WithTimeout(ctx, t.cfg.PunchTimeout)
	defer cancel()

	var errs []error
	tried := 0
	for _, rc := range t.Conns() {
		if rc.RemotePeer() == p || rc.Relayed() {
			continue
		}
		if tried == maxRendezvous || pctx.Err() != nil {
			break
		}
		tried++

		addrs, err := t.requestPunch(pctx, rc, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c, err := t.punch(pctx, p, addrs)
		t.metrics.DialAttempt(StagePunch.String(), err == nil)
		if err == nil {
			return c, nil
		}
		errs = append(errs, err)
		break
	}
	if len(errs) == 0 {
		return nil, errors.New("no rendezvous peers")
	}
	return nil, errors.Join(errs...)
}

func (t *Transport) requestPunch(ctx context.Context, rc *Conn, p identity.PeerID) ([]string, error) {
	s, err := rc.OpenStream(ctx, proto.StreamPunch)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	var reply proto.PunchMsg
	err = proto.WriteFrame(s, proto.PunchMsg{Type: proto.PunchConnect, Peer: p[:], Addrs: t.AdvertisedAddrs()})
	if err == nil {
		err = proto.ReadFrame(s, &reply, proto.MaxFrameSize)
	}
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New("punch via " + rc.RemotePeer().Short() + ": " + reply.Error)
	}
	if len(reply.Addrs) == 0 {
		return nil, errors.New("punch via " + rc.RemotePeer().Short() + ": target has no addresses")
	}
	return reply.Addrs, nil
}

// punch dials addrs from the listen port until a connection to p exists
// or ctx ends. The connection may also arrive through the listener.
func (t *Transport) punch(ctx context.Context, p identity.PeerID, addrs []string) (*Conn, error) {
	addrs = dedupeAddrs(addrs)
	var lastErr error
	for {
		if c := t.ConnTo(p); c != nil {
			return c, nil
		}
		actx, cancel := context.WithTimeout(ctx, punchAttempt)
		a, err := t.race(actx, p, addrs, t.net.DialFromListenPort)
		cancel()
		if err == nil {
			return t.upgrade(a.ch, a.initiator, nil)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			if c := t.ConnTo(p); c != nil {
				return c, nil
			}
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-time.After(punchRetryDelay):
		}
	}
}

func (t *Transport) handlePunch(c *Conn, s *yamux.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(t.cfg.PunchTimeout))

	var msg proto.PunchMsg
	if err := proto.ReadFrame(s, &msg, proto.MaxFrameSize); err != nil {
		return
	}
	peer, err := identity.PeerIDFromPublicKey(msg.Peer)
	if err != nil {
		_ = proto.WriteFrame(s, proto.PunchMsg{Type: proto.PunchReply, Error: "bad peer"})
		return
	}

	switch msg.Type {
	case proto.PunchConnect:
		reply := t.rendezvous(c.RemotePeer(), peer, msg.Addrs)
		_ = proto.WriteFrame(s, reply)

	case proto.PunchForward:
		addrs := t.AdvertisedAddrs()
		if err := proto.WriteFrame(s, proto.PunchMsg{Type: proto.PunchReply, Addrs: addrs}); err != nil {
			return
		}
		if len(msg.Addrs) == 0 {
			return
		}
		t.log.Debug().Str("peer", peer.Short()).Str("via", c.RemotePeer().Short()).Msg("punching")
		go func() {
			ctx, cancel := context.WithTimeout(t.ctx, t.cfg.PunchTimeout)
			defer cancel()
			if _, err := t.punch(ctx, peer, msg.Addrs); err != nil {
				t.log.Debug().Err(err).Str("peer", peer.Short()).Msg("punch failed")
			}
		}()
	}
}

// rendezvous forwards a punch request from requester to a connected target
// and returns the target's reply.
func (t *Transport) rendezvous(requester, target identity.PeerID, addrs []string) proto.PunchMsg {
	if !t.relay.limiter(requester).Allow() {
		return proto.PunchMsg{Type: proto.PunchReply, Error: RelayRateLimited.String()}
	}
	tc := t.ConnTo(target)
	if tc == nil || target == requester {
		return proto.PunchMsg{Type: proto.PunchReply, Error: RelayNoRoute.String()}
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.PunchTimeout)
	defer cancel()
	fs, err := tc.OpenStream(ctx, proto.StreamPunch)
	if err != nil {
		return proto.PunchMsg{Type: proto.PunchReply, Error: RelayNoRoute.String()}
	}
	defer fs.Close()
	_ = fs.SetDeadline(time.Now().Add(t.cfg.PunchTimeout))

	var reply proto.PunchMsg
	err = proto.WriteFrame(fs, proto.PunchMsg{Type: proto.PunchForward, Peer: requester[:], Addrs: addrs})
	if err == nil {
		err = proto.ReadFrame(fs, &reply, proto.MaxFrameSize)
	}
	if err != nil {
		return proto.PunchMsg{Type: proto.PunchReply, Error: err.Error()}
	}
	reply.Type = proto.PunchReply
	return reply
}
