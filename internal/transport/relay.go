package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/hashicorp/yamux"
	"golang.org/x/time/rate"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
	"six7-fabric/internal/secure"
)

const relayCtlFrameMax = 1024

// RelayPolicy governs which circuits this node carries for others.
type RelayPolicy struct {
	// Enabled makes this node a relay and advertises it in the handshake.
	Enabled bool
	// Allow restricts requesters when non-empty.
	Allow              []identity.PeerID
	MaxCircuits        int
	MaxCircuitsPerPeer int
	MaxCircuitDuration time.Duration
	// RequestsPerSecond and Burst bound circuit requests per requester.
	RequestsPerSecond float64
	Burst             int
	// AcceptRelayed lets remote peers reach this node through a relay.
	AcceptRelayed bool
}

func DefaultRelayPolicy() RelayPolicy {
	return RelayPolicy{
		MaxCircuits:        64,
		MaxCircuitsPerPeer: 4,
		MaxCircuitDuration: 30 * time.Minute,
		RequestsPerSecond:  1,
		Burst:              5,
		AcceptRelayed:      true,
	}
}

type relayService struct {
	t        *Transport
	policy   RelayPolicy
	allow    map[identity.PeerID]struct{}
	limiters *expirable.LRU[identity.PeerID, *rate.Limiter]

	mu      sync.Mutex
	active  int
	perPeer map[identity.PeerID]int
}

func newRelayService(t *Transport, p RelayPolicy) *relayService {
	def := DefaultRelayPolicy()
	if p.MaxCircuits <= 0 {
		p.MaxCircuits = def.MaxCircuits
	}
	if p.MaxCircuitsPerPeer <= 0 {
		p.MaxCircuitsPerPeer = def.MaxCircuitsPerPeer
	}
	if p.MaxCircuitDuration <= 0 {
		p.MaxCircuitDuration = def.MaxCircuitDuration
	}
	if p.RequestsPerSecond <= 0 {
		p.RequestsPerSecond = def.RequestsPerSecond
	}
	if p.Burst <= 0 {
		p.Burst = def.Burst
	}
	r := &relayService{
		t:        t,
		policy:   p,
		limiters: expirable.NewLRU[identity.PeerID, *rate.Limiter](1024, nil, 10*time.Minute),
		perPeer:  make(map[identity.PeerID]int),
	}
	if len(p.Allow) > 0 {
		r.allow = make(map[identity.PeerID]struct{}, len(p.Allow))
		for _, id := range p.Allow {
			r.allow[id] = struct{}{}
		}
	}
	return r
}

func (r *relayService) limiter(p identity.PeerID) *rate.Limiter {
	if l, ok := r.limiters.Get(p); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(r.policy.RequestsPerSecond), r.policy.Burst)
	r.limiters.Add(p, l)
	return l
}

// allowRequest applies the allow-list and the rate limit.
func (r *relayService) allowRequest(src identity.PeerID) RelayErrorCode {
	if r.allow != nil {
		if _, ok := r.allow[src]; !ok {
			return RelayPolicyDenied
		}
	}
	if !r.limiter(src).Allow() {
		return RelayRateLimited
	}
	return RelayOK
}

// reserve admits a circuit for src, holding a slot until release.
func (r *relayService) reserve(src identity.PeerID) RelayErrorCode {
	if !r.policy.Enabled {
		return RelayPolicyDenied
	}
	if code := r.allowRequest(src); code != RelayOK {
		return code
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active >= r.policy.MaxCircuits || r.perPeer[src] >= r.policy.MaxCircuitsPerPeer {
		return RelayResourceLimit
	}
	r.active++
	r.perPeer[src]++
	return RelayOK
}

func (r *relayService) release(src identity.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
	if r.perPeer[src]--; r.perPeer[src] <= 0 {
		delete(r.perPeer, src)
	}
}

// ActiveCircuits is the number of circuits this node is carrying.
func (t *Transport) ActiveCircuits() int {
	t.relay.mu.Lock()
	defer t.relay.mu.Unlock()
	return t.relay.active
}

func writeRelayStatus(s *yamux.Stream, code RelayErrorCode, reason string) error {
	return proto.WriteFrame(s, proto.RelayMsg{Type: proto.RelayStatus, Code: int(code), Reason: reason})
}

// handleHop serves a circuit request from c's peer.
func (r *relayService) handleHop(c *Conn, s *yamux.Stream) {
	log := r.t.log.With().Str("requester", c.RemotePeer().Short()).Logger()
	_ = s.SetDeadline(time.Now().Add(r.t.cfg.HandshakeTimeout))

	var req proto.RelayMsg
	if err := proto.ReadFrame(s, &req, relayCtlFrameMax); err != nil || req.Type != proto.RelayConnect {
		_ = writeRelayStatus(s, RelayMalformed, "")
		_ = s.Close()
		return
	}
	target, err := identity.PeerIDFromPublicKey(req.Peer)
	if err != nil {
		_ = writeRelayStatus(s, RelayMalformed, "bad target")
		_ = s.Close()
		return
	}
	src := c.RemotePeer()
	if code := r.reserve(src); code != RelayOK {
		log.Debug().Stringer("code", code).Msg("circuit refused")
		_ = writeRelayStatus(s, code, "")
		_ = s.Close()
		return
	}
	defer r.release(src)

	tc := r.t.ConnTo(target)
	if tc == nil || target == src || tc.Relayed() {
		_ = writeRelayStatus(s, RelayNoRoute, "")
		_ = s.Close()
		return
	}

	ctx, cancel := context.WithTimeout(r.t.ctx, r.t.cfg.HandshakeTimeout)
	stop, err := tc.OpenStream(ctx, proto.StreamRelayStop)
	cancel()
	if err != nil {
		_ = writeRelayStatus(s, RelayNoRoute, "")
		_ = s.Close()
		return
	}
	_ = stop.SetDeadline(time.Now().Add(r.t.cfg.HandshakeTimeout))
	var resp proto.RelayMsg
	err = proto.WriteFrame(stop, proto.RelayMsg{Type: proto.RelayStop, Peer: src[:]})
	if err == nil {
		err = proto.ReadFrame(stop, &resp, relayCtlFrameMax)
	}
	if err != nil || resp.Code != int(RelayOK) {
		_ = writeRelayStatus(s, RelayTargetRefused, resp.Reason)
		_ = s.Close()
		_ = stop.Close()
		return
	}
	if err := writeRelayStatus(s, RelayOK, ""); err != nil {
		_ = s.Close()
		_ = stop.Close()
		return
	}
	_ = s.SetDeadline(time.Time{})
	_ = stop.SetDeadline(time.Time{})

	log.Debug().Str("target", target.Short()).Msg("circuit open")
	r.t.metrics.CircuitOpened()
	splice(s, stop, r.policy.MaxCircuitDuration)
	r.t.metrics.CircuitClosed()
	log.Debug().Str("target", target.Short()).Msg("circuit closed")
}

// splice copies bytes both ways until either side ends or max elapses.
func splice(a, b io.ReadWriteCloser, max time.Duration) {
	closeBoth := func() {
		_ = a.Close()
		_ = b.Close()
	}
	timer := time.AfterFunc(max, closeBoth)
	defer timer.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		closeBoth()
	}()
	wg.Wait()
}

// handleStop accepts a circuit a relay opened towards us.
func (t *Transport) handleStop(c *Conn, s *yamux.Stream) {
	_ = s.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	var msg proto.RelayMsg
	if err := proto.ReadFrame(s, &msg, relayCtlFrameMax); err != nil || msg.Type != proto.RelayStop {
		_ = s.Close()
		return
	}
	initiator, err := identity.PeerIDFromPublicKey(msg.Peer)
	if err != nil {
		_ = writeRelayStatus(s, RelayMalformed, "bad initiator")
		_ = s.Close()
		return
	}
	if !t.cfg.Relay.AcceptRelayed {
		_ = writeRelayStatus(s, RelayTargetRefused, "relayed connections disabled")
		_ = s.Close()
		return
	}
	if err := writeRelayStatus(s, RelayOK, ""); err != nil {
		_ = s.Close()
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	role, err := negotiateRole(ctx, s, false, t.LocalPeer(), &initiator)
	if err != nil {
		_ = s.Close()
		return
	}
	ch, err := secure.Open(ctx, s, t.localInfo(), role, &initiator)
	if err != nil {
		t.log.Debug().Err(err).Str("peer", initiator.Short()).Msg("relayed handshake failed")
		_ = s.Close()
		return
	}
	via := c.RemotePeer()
	if _, err := t.upgrade(ch, role == secure.Initiator, &via); err != nil {
		t.log.Debug().Err(err).Msg("relayed upgrade failed")
	}
}

// DialViaRelay reaches target through an already connected relay. The
// relay only splices ciphertext; the handshake runs end to end.
func (t *Transport) DialViaRelay(ctx context.Context, relay, target identity.PeerID) (*Conn, error) {
	rc := t.ConnTo(relay)
	if rc == nil || rc.Relayed() {
		return nil, &RelayError{Code: RelayNoRoute, Relay: relay, Err: errors.New("relay not connected")}
	}
	s, err := rc.OpenStream(ctx, proto.StreamRelayHop)
	if err != nil {
		return nil, &RelayError{Code: RelayNoRoute, Relay: relay, Err: err}
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.cfg.HandshakeTimeout)
	}
	_ = s.SetDeadline(deadline)

	var status proto.RelayMsg
	err = proto.WriteFrame(s, proto.RelayMsg{Type: proto.RelayConnect, Peer: target[:]})
	if err == nil {
		err = proto.ReadFrame(s, &status, relayCtlFrameMax)
	}
	if err != nil {
		_ = s.Close()
		return nil, &RelayError{Code: RelayNoRoute, Relay: relay, Err: err}
	}
	if status.Type != proto.RelayStatus {
		_ = s.Close()
		return nil, &RelayError{Code: RelayMalformed, Relay: relay}
	}
	if code := RelayErrorCode(status.Code); code != RelayOK {
		_ = s.Close()
		var rerr error
		if status.Reason != "" {
			rerr = errors.New(status.Reason)
		}
		return nil, &RelayError{Code: code, Relay: relay, Err: rerr}
	}

	role, err := negotiateRole(ctx, s, true, t.LocalPeer(), &target)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	ch, err := secure.Open(ctx, s, t.localInfo(), role, &target)
	t.metrics.DialAttempt(StageRelay.String(), err == nil)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return t.upgrade(ch, role == secure.Initiator, &relay)
}

// dialRelay tries every connected peer that advertises relay service.
func (t *Transport) dialRelay(ctx context.Context, p identity.PeerID) (*Conn, error) {
	var errs []error
	for _, rc := range t.Conns() {
		if rc.RemotePeer() == p || rc.Relayed() || !rc.RemoteInfo().Relay {
			continue
		}
		c, err := t.DialViaRelay(ctx, rc.RemotePeer(), p)
		if err == nil {
			return c, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, errors.New("no relay candidates")
	}
	return nil, errors.Join(errs...)
}
