package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/netx"
	"six7-fabric/internal/secure"
)

// DialStage is the current strategy of a dial cascade.
type DialStage int

const (
	StageDirect DialStage = iota
	StagePunch
	StageRelay
	StageDone
)

func (s DialStage) String() string {
	switch s {
	case StageDirect:
		return "direct"
	case StagePunch:
		return "punch"
	case StageRelay:
		return "relay"
	default:
		return "done"
	}
}

type dialOptions struct {
	directOnly bool
}

type DialOption func(*dialOptions)

// DirectOnly skips the punch and relay stages.
func DirectOnly() DialOption { return func(o *dialOptions) { o.directOnly = true } }

// Dial returns a connection to p, reusing an existing one when present.
// Concurrent dials to the same peer share one attempt.
func (t *Transport) Dial(ctx context.Context, p identity.PeerID, addrs []string, opts ...DialOption) (*Conn, error) {
	if p == t.LocalPeer() {
		return nil, ErrSelfDial
	}
	if c := t.ConnTo(p); c != nil {
		return c, nil
	}
	var o dialOptions
	for _, fn := range opts {
		fn(&o)
	}

	key := p.String()
	if o.directOnly {
		key += "/direct"
	}
	// the shared attempt outlives any single caller
	res := t.dials.DoChan(key, func() (any, error) {
		dctx, cancel := context.WithTimeout(t.ctx, t.cascadeTimeout(o))
		defer cancel()
		return t.dialCascade(dctx, p, addrs, o)
	})
	select {
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Conn), nil
	case <-ctx.Done():
		return nil, &DialError{Kind: Timeout, Peer: p, Err: ctx.Err()}
	}
}

// cascadeTimeout bounds one shared dial: the direct race, the punch and a
// relay handshake.
func (t *Transport) cascadeTimeout(o dialOptions) time.Duration {
	if o.directOnly {
		return t.cfg.DirectTimeout + t.cfg.HandshakeTimeout
	}
	return t.cfg.DirectTimeout + t.cfg.PunchTimeout + 2*t.cfg.HandshakeTimeout
}

func (t *Transport) dialCascade(ctx context.Context, p identity.PeerID, addrs []string, o dialOptions) (*Conn, error) {
	var errs []error
	stage := StageDirect
	for stage != StageDone {
		var (
			c   *Conn
			err error
		)
		switch stage {
		case StageDirect:
			c, err = t.dialDirect(ctx, p, addrs)
			stage = StagePunch
			if o.directOnly {
				stage = StageDone
			}
		case StagePunch:
			c, err = t.dialPunch(ctx, p)
			stage = StageRelay
		case StageRelay:
			c, err = t.dialRelay(ctx, p)
			stage = StageDone
		}
		if err == nil && c != nil {
			return c, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
		if c := t.ConnTo(p); c != nil {
			return c, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	derr := &DialError{Kind: NoRouteFound, Peer: p, Err: errors.Join(errs...)}
	var herr *secure.HandshakeError
	switch {
	case errors.As(derr.Err, &herr) && herr.Reason == secure.ReasonIdentityMismatch:
		derr.Kind = HandshakeRejected
	case ctx.Err() != nil || isTimeout(derr.Err):
		derr.Kind = Timeout
	}
	t.log.Debug().Err(derr).Str("peer", p.Short()).Msg("dial failed")
	return nil, derr
}

// dialDirect races a dial to every address and keeps the first
// authenticated channel.
func (t *Transport) dialDirect(ctx context.Context, p identity.PeerID, addrs []string) (*Conn, error) {
	addrs = dedupeAddrs(addrs)
	if len(addrs) == 0 {
		return nil, errors.New("no addresses")
	}
	dctx, cancel := context.WithTimeout(ctx, t.cfg.DirectTimeout)
	defer cancel()

	a, err := t.race(dctx, p, addrs, t.net.Dial)
	t.metrics.DialAttempt(StageDirect.String(), err == nil)
	if err != nil {
		return nil, err
	}
	return t.upgrade(a.ch, a.initiator, nil)
}

// authed is a channel together with the Noise role this side played.
type authed struct {
	ch        *secure.Channel
	initiator bool
}

type dialFunc func(ctx context.Context, addr netx.Addr) (net.Conn, error)

func (t *Transport) race(ctx context.Context, p identity.PeerID, addrs []string, dial dialFunc) (authed, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		a   authed
		err error
	}
	results := make(chan result, len(addrs))
	var wg sync.WaitGroup
	for _, a := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			a, err := t.handshakeOut(ctx, p, netx.Addr(addr), dial)
			results <- result{a, err}
		}(a)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		winner *authed
		errs   []error
	)
	for r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		if winner == nil {
			a := r.a
			winner = &a
			cancel()
			continue
		}
		_ = r.a.ch.Close()
	}
	if winner != nil {
		return *winner, nil
	}
	return authed{}, errors.Join(errs...)
}

func (t *Transport) handshakeOut(ctx context.Context, p identity.PeerID, addr netx.Addr, dial dialFunc) (authed, error) {
	raw, err := dial(ctx, addr)
	if err != nil {
		return authed{}, err
	}
	role, err := negotiateRole(ctx, raw, true, t.LocalPeer(), &p)
	if err != nil {
		_ = raw.Close()
		return authed{}, err
	}
	ch, err := secure.Open(ctx, raw, t.localInfo(), role, &p)
	if err != nil {
		_ = raw.Close()
		return authed{}, fmt.Errorf("%s: %w", addr, err)
	}
	return authed{ch: ch, initiator: role == secure.Initiator}, nil
}

const (
	roleDialer   byte = 'D'
	roleAcceptor byte = 'A'
)

var preambleMagic = [2]byte{'s', '7'}

// negotiateRole exchanges a three byte preamble before the handshake so
// that both ends agree on the Noise roles. A hole punch can produce a
// simultaneous open where both sides dialed; the lower PeerID then
// initiates.
func negotiateRole(ctx context.Context, raw net.Conn, dialer bool, self identity.PeerID, remote *identity.PeerID) (secure.Role, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(secure.DefaultHandshakeTimeout)
	}
	_ = raw.SetDeadline(deadline)
	defer raw.SetDeadline(time.Time{})

	mine := roleAcceptor
	if dialer {
		mine = roleDialer
	}
	if _, err := raw.Write([]byte{preambleMagic[0], preambleMagic[1], mine}); err != nil {
		return 0, err
	}
	var buf [3]byte
	if _, err := io.ReadFull(raw, buf[:]); err != nil {
		return 0, err
	}
	if buf[0] != preambleMagic[0] || buf[1] != preambleMagic[1] {
		return 0, errors.New("transport: bad preamble")
	}

	switch {
	case mine == roleDialer && buf[2] == roleAcceptor:
		return secure.Initiator, nil
	case mine == roleAcceptor && buf[2] == roleDialer:
		return secure.Responder, nil
	case mine == roleDialer && buf[2] == roleDialer && remote != nil:
		if self.Less(*remote) {
			return secure.Initiator, nil
		}
		return secure.Responder, nil
	default:
		return 0, fmt.Errorf("transport: role conflict %q/%q", mine, buf[2])
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
