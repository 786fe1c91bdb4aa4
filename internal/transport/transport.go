package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"six7-fabric/internal/crypto/noiseconn"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/netx"
	"six7-fabric/internal/proto"
	"six7-fabric/internal/secure"
)

type Config struct {
	ListenAddr       string
	Version          string
	HandshakeTimeout time.Duration
	DirectTimeout    time.Duration
	PunchTimeout     time.Duration
	IdleTimeout      time.Duration
	// ExternalHost is advertised with the listen port when set, usually
	// learned from STUN.
	ExternalHost string
	Relay        RelayPolicy
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       "0.0.0.0:0",
		Version:          proto.ProtocolVersion,
		HandshakeTimeout: secure.DefaultHandshakeTimeout,
		DirectTimeout:    3 * time.Second,
		PunchTimeout:     5 * time.Second,
		IdleTimeout:      5 * time.Minute,
		Relay:            DefaultRelayPolicy(),
	}
}

// StreamHandler serves one inbound stream. The protocol tag has already
// been consumed. The handler owns s and must close it.
type StreamHandler func(c *Conn, s *yamux.Stream)

// Notifiee is told when a peer gains or loses its active connection.
// Connected is called again when a connection replaces an older one.
type Notifiee interface {
	Connected(c *Conn)
	Disconnected(c *Conn)
}

type Option func(*Transport)

func WithNetwork(n netx.Network) Option { return func(t *Transport) { t.net = n } }

func WithMetrics(m Metrics) Option { return func(t *Transport) { t.metrics = m } }

// Transport owns every connection of a node and picks a dial strategy per
// peer: direct, then hole punch, then relay.
type Transport struct {
	id      *identity.Identity
	static  noise.DHKey
	cfg     Config
	log     zerolog.Logger
	net     netx.Network
	metrics Metrics

	mu        sync.RWMutex
	conns     map[identity.PeerID]*Conn
	handlers  map[byte]StreamHandler
	notifiees []Notifiee
	listen    netx.Addr
	observed  map[string]struct{}
	extHost   string

	dials   singleflight.Group
	relay   *relayService
	inbound chan *Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(id *identity.Identity, cfg Config, log zerolog.Logger, opts ...Option) (*Transport, error) {
	if id == nil {
		return nil, errors.New("transport: missing identity")
	}
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = def.DirectTimeout
	}
	if cfg.PunchTimeout <= 0 {
		cfg.PunchTimeout = def.PunchTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	static, err := noiseconn.GenerateStatic()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:       id,
		static:   static,
		cfg:      cfg,
		log:      log.With().Str("component", "transport").Str("self", id.PeerID().Short()).Logger(),
		net:      netx.NewTCPNetwork(),
		metrics:  NoopMetrics{},
		conns:    make(map[identity.PeerID]*Conn),
		handlers: make(map[byte]StreamHandler),
		observed: make(map[string]struct{}),
		extHost:  cfg.ExternalHost,
		inbound:  make(chan *Conn, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(t)
	}
	t.relay = newRelayService(t, cfg.Relay)

	t.handlers[proto.StreamRelayHop] = t.relay.handleHop
	t.handlers[proto.StreamRelayStop] = t.handleStop
	t.handlers[proto.StreamPunch] = t.handlePunch
	return t, nil
}

// Listen binds the listen address and starts accepting.
func (t *Transport) Listen() error {
	addr, err := t.net.Listen(t.cfg.ListenAddr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listen = addr
	t.mu.Unlock()
	t.log.Info().Str("addr", string(addr)).Msg("listening")

	t.wg.Add(2)
	go t.acceptLoop()
	go t.reapLoop()
	return nil
}

func (t *Transport) LocalPeer() identity.PeerID { return t.id.PeerID() }

func (t *Transport) ListenAddr() netx.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listen
}

// SetExternalHost records a public host learned out of band.
func (t *Transport) SetExternalHost(host string) {
	t.mu.Lock()
	t.extHost = host
	t.mu.Unlock()
}

// AdvertisedAddrs lists the addresses peers should dial to reach us.
func (t *Transport) AdvertisedAddrs() []string {
	t.mu.RLock()
	listen, ext := t.listen, t.extHost
	observed := make([]string, 0, len(t.observed))
	for a := range t.observed {
		observed = append(observed, a)
	}
	t.mu.RUnlock()

	if listen == "" {
		return nil
	}
	port := netx.Port(string(listen))
	out := netx.AdvertiseAddrs(listen)
	if ext != "" {
		out = append(out, net.JoinHostPort(ext, port))
	}
	out = append(out, observed...)
	return dedupeAddrs(out)
}

// Handle registers the handler for a stream protocol tag.
func (t *Transport) Handle(tag byte, h StreamHandler) {
	t.mu.Lock()
	t.handlers[tag] = h
	t.mu.Unlock()
}

func (t *Transport) Notify(n Notifiee) {
	t.mu.Lock()
	t.notifiees = append(t.notifiees, n)
	t.mu.Unlock()
}

// Inbound yields connections accepted from remote dialers. Events are
// dropped when nobody reads.
func (t *Transport) Inbound() <-chan *Conn { return t.inbound }

// ConnTo returns the active connection to p, if any.
func (t *Transport) ConnTo(p identity.PeerID) *Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := t.conns[p]
	if c == nil || c.State() == StateClosed {
		return nil
	}
	return c
}

func (t *Transport) Conns() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		if c.State() != StateClosed {
			out = append(out, c)
		}
	}
	return out
}

// ClosePeer drops the connection to p.
func (t *Transport) ClosePeer(p identity.PeerID) error {
	if c := t.ConnTo(p); c != nil {
		return c.Close()
	}
	return nil
}

// Close stops accepting and closes every connection.
func (t *Transport) Close() error {
	select {
	case <-t.ctx.Done():
		return nil
	default:
	}
	t.cancel()
	err := t.net.Close()
	for _, c := range t.Conns() {
		err = multierr.Append(err, c.Close())
	}
	t.wg.Wait()
	return err
}

func (t *Transport) localInfo() secure.LocalInfo {
	return secure.LocalInfo{
		Identity:    t.id,
		Static:      t.static,
		Version:     t.cfg.Version,
		ListenAddrs: t.AdvertisedAddrs(),
		Relay:       t.cfg.Relay.Enabled,
	}
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		raw, err := t.net.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
			default:
				t.log.Warn().Err(err).Msg("accept failed")
			}
			return
		}
		go t.handleInbound(raw)
	}
}

func (t *Transport) handleInbound(raw net.Conn) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	role, err := negotiateRole(ctx, raw, false, t.LocalPeer(), nil)
	if err != nil {
		t.log.Debug().Err(err).Str("remote", raw.RemoteAddr().String()).Msg("preamble failed")
		_ = raw.Close()
		return
	}
	ch, err := secure.Open(ctx, raw, t.localInfo(), role, nil)
	if err != nil {
		t.log.Debug().Err(err).Str("remote", raw.RemoteAddr().String()).Msg("inbound handshake failed")
		_ = raw.Close()
		return
	}
	if _, err := t.upgrade(ch, role == secure.Initiator, nil); err != nil {
		t.log.Debug().Err(err).Msg("inbound upgrade failed")
	}
}

// upgrade wraps an authenticated channel in a stream session and makes it
// the active connection for the peer, unless an existing one wins.
func (t *Transport) upgrade(ch *secure.Channel, initiator bool, via *identity.PeerID) (*Conn, error) {
	ycfg := yamux.DefaultConfig()
	ycfg.LogOutput = discard{}
	ycfg.EnableKeepAlive = true

	var (
		sess *yamux.Session
		err  error
	)
	if initiator {
		sess, err = yamux.Client(ch, ycfg)
	} else {
		sess, err = yamux.Server(ch, ycfg)
	}
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	c := newConn(t, ch, sess, initiator, via)
	if via == nil {
		t.recordObserved(ch.RemoteInfo().ObservedAddr)
	}

	t.mu.Lock()
	select {
	case <-t.ctx.Done():
		t.mu.Unlock()
		_ = c.close()
		return nil, ErrClosed
	default:
	}
	var replaced *Conn
	if old := t.conns[c.remote]; old != nil && old.State() != StateClosed {
		if !preferNew(t.LocalPeer(), old, c) {
			t.mu.Unlock()
			t.log.Debug().Str("peer", c.remote.Short()).Msg("duplicate connection, keeping existing")
			_ = c.close()
			return old, nil
		}
		replaced = old
	}
	t.conns[c.remote] = c
	notifiees := append([]Notifiee(nil), t.notifiees...)
	t.mu.Unlock()

	c.setState(StateEstablished)
	t.metrics.ConnOpened(c.Relayed())
	t.log.Info().
		Str("peer", c.remote.Short()).
		Str("addr", c.RemoteAddr()).
		Bool("outbound", c.initiator).
		Bool("relayed", c.Relayed()).
		Msg("connection established")

	if replaced != nil {
		_ = replaced.close()
	}

	go c.acceptStreams()
	go t.watch(c)

	for _, n := range notifiees {
		n.Connected(c)
	}
	if !initiator && via == nil {
		select {
		case t.inbound <- c:
		default:
		}
	}
	return c, nil
}

// preferNew decides which of two connections to the same peer survives.
// Direct beats relayed. Otherwise the connection initiated by the lower
// PeerID wins, so both ends converge on the same one.
func preferNew(self identity.PeerID, old, cand *Conn) bool {
	if old.Relayed() != cand.Relayed() {
		return old.Relayed()
	}
	oldInit, candInit := old.initiatorID(self), cand.initiatorID(self)
	if oldInit == candInit {
		return true
	}
	return candInit.Less(oldInit)
}

func (t *Transport) watch(c *Conn) {
	select {
	case <-c.sess.CloseChan():
	case <-c.done:
	}
	_ = c.close()

	t.mu.Lock()
	active := t.conns[c.remote] == c
	if active {
		delete(t.conns, c.remote)
	}
	notifiees := append([]Notifiee(nil), t.notifiees...)
	t.mu.Unlock()

	t.metrics.ConnClosed(c.Relayed())
	if !active {
		return
	}
	t.log.Info().Str("peer", c.remote.Short()).Msg("connection closed")
	for _, n := range notifiees {
		n.Disconnected(c)
	}
}

func (t *Transport) dispatch(c *Conn, s *yamux.Stream) {
	var tag [1]byte
	_ = s.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	if _, err := s.Read(tag[:]); err != nil {
		_ = s.Close()
		return
	}
	_ = s.SetReadDeadline(time.Time{})

	t.mu.RLock()
	h := t.handlers[tag[0]]
	t.mu.RUnlock()
	if h == nil {
		t.log.Debug().Str("peer", c.remote.Short()).Uint8("tag", tag[0]).Msg("no handler for stream")
		_ = s.Close()
		return
	}
	h(c, s)
}

func (t *Transport) recordObserved(addr string) {
	if addr == "" || netx.IsLoopback(addr) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listen == "" || len(t.observed) >= 8 {
		return
	}
	if a := netx.WithPort(addr, netx.Port(string(t.listen))); a != "" {
		t.observed[a] = struct{}{}
	}
}

// reapLoop closes connections that carried no stream for IdleTimeout.
func (t *Transport) reapLoop() {
	defer t.wg.Done()
	tick := time.NewTicker(t.cfg.IdleTimeout / 2)
	defer tick.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-tick.C:
			for _, c := range t.Conns() {
				if c.NumStreams() == 0 && time.Since(c.LastActive()) > t.cfg.IdleTimeout {
					t.log.Debug().Str("peer", c.remote.Short()).Msg("closing idle connection")
					_ = c.Close()
				}
			}
		}
	}
}

func dedupeAddrs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
