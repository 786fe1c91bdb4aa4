// Package fabric composes identity, transport, DHT, gossip, presence and
// direct messaging into one node.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"six7-fabric/internal/bootstrap"
	"six7-fabric/internal/dht"
	"six7-fabric/internal/gossip"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/message"
	"six7-fabric/internal/nat"
	"six7-fabric/internal/netx"
	"six7-fabric/internal/presence"
	"six7-fabric/internal/proto"
	"six7-fabric/internal/transport"
)

var (
	ErrNotStarted = errors.New("fabric: not started")
	ErrClosed     = errors.New("fabric: closed")
)

type Config struct {
	// Prefix namespaces the presence and application topics.
	Prefix string

	Transport transport.Config
	DHT       dht.Config
	Gossip    gossip.Config
	Presence  presence.Config
	Bootstrap bootstrap.Config

	// BootstrapPeers are "<host>:<port>/<64hex>" strings dialed on Start.
	BootstrapPeers []string

	// LAN enables broadcast discovery and the LAN responder.
	LAN     bool
	LANPort int

	// STUNServers are queried for the public host when set.
	STUNServers []string

	AckTimeout     time.Duration
	InboxSize      int
	PeerQueueSize  int
	MaxKnownPeers  int
	MinPeers       int
	ExpandInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Prefix:         message.DefaultPrefix,
		Transport:      transport.DefaultConfig(),
		DHT:            dht.DefaultConfig(),
		Gossip:         gossip.DefaultConfig(),
		Presence:       presence.DefaultConfig(),
		Bootstrap:      bootstrap.DefaultConfig(),
		LANPort:        bootstrap.DefaultLANPort,
		AckTimeout:     10 * time.Second,
		InboxSize:      256,
		PeerQueueSize:  256,
		MaxKnownPeers:  1000,
		MinPeers:       6,
		ExpandInterval: 3 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = def.Prefix
	}
	if c.LANPort <= 0 {
		c.LANPort = def.LANPort
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	if c.PeerQueueSize <= 0 {
		c.PeerQueueSize = def.PeerQueueSize
	}
	if c.MaxKnownPeers <= 0 {
		c.MaxKnownPeers = def.MaxKnownPeers
	}
	if c.MinPeers <= 0 {
		c.MinPeers = def.MinPeers
	}
	if c.ExpandInterval <= 0 {
		c.ExpandInterval = def.ExpandInterval
	}
}

type options struct {
	id        *identity.Identity
	clock     clock.Clock
	network   netx.Network
	records   dht.RecordStore
	peerCache dht.PeerCacheBackend
	dhtM      dht.Metrics
	trM       transport.Metrics
	metrics   Metrics
}

type Option func(*options)

// WithIdentity uses a persisted identity instead of a fresh one.
func WithIdentity(id *identity.Identity) Option { return func(o *options) { o.id = id } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithNetwork(n netx.Network) Option { return func(o *options) { o.network = n } }

func WithRecordStore(rs dht.RecordStore) Option { return func(o *options) { o.records = rs } }

func WithPeerCache(b dht.PeerCacheBackend) Option { return func(o *options) { o.peerCache = b } }

func WithDHTMetrics(m dht.Metrics) Option { return func(o *options) { o.dhtM = m } }

func WithTransportMetrics(m transport.Metrics) Option { return func(o *options) { o.trM = m } }

func WithMetrics(m Metrics) Option { return func(o *options) { o.metrics = m } }

// KnownPeer is an entry of the bounded registry of peers this node has
// connected to.
type KnownPeer struct {
	ID        identity.PeerID
	Addrs     []string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Fabric is one node.
type Fabric struct {
	cfg     Config
	log     zerolog.Logger
	id      *identity.Identity
	clock   clock.Clock
	metrics Metrics

	tr       *transport.Transport
	dht      *dht.DHT
	sender   *dhtSender
	router   *gossip.Router
	presence *presence.Tracker
	stun     *nat.STUNClient
	stats    *dht.AtomicMetrics
	cache    *dht.Store

	mu       sync.Mutex
	peers    map[identity.PeerID]*gossipPeer
	watched  map[identity.PeerID]*gossip.Subscription
	manual   map[identity.PeerID]struct{}
	known    *lru.Cache[identity.PeerID, KnownPeer]
	presSelf string

	inbox chan DirectMessage

	started atomic.Bool
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	loopMu  sync.RWMutex
	wg      sync.WaitGroup
}

// New assembles a node. Nothing touches the network until Start.
func New(cfg Config, log zerolog.Logger, opts ...Option) (*Fabric, error) {
	cfg.applyDefaults()

	o := options{clock: clock.New(), metrics: NoopMetrics{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == nil {
		id, err := identity.Generate()
		if err != nil {
			return nil, err
		}
		o.id = id
	}
	presSelf, err := message.PresenceTopic(cfg.Prefix, o.id.PeerID().String())
	if err != nil {
		return nil, fmt.Errorf("fabric: prefix: %w", err)
	}

	f := &Fabric{
		cfg:     cfg,
		id:      o.id,
		clock:   o.clock,
		metrics: o.metrics,
		stats:   &dht.AtomicMetrics{},
		peers:   make(map[identity.PeerID]*gossipPeer),
		watched: make(map[identity.PeerID]*gossip.Subscription),
		manual:  make(map[identity.PeerID]struct{}),
		inbox:   make(chan DirectMessage, cfg.InboxSize),
	}
	f.log = log.With().Str("self", o.id.PeerID().Short()).Logger()
	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.presSelf = presSelf

	known, err := lru.New[identity.PeerID, KnownPeer](cfg.MaxKnownPeers)
	if err != nil {
		return nil, err
	}
	f.known = known

	trOpts := []transport.Option{}
	if o.network != nil {
		trOpts = append(trOpts, transport.WithNetwork(o.network))
	}
	if o.trM != nil {
		trOpts = append(trOpts, transport.WithMetrics(o.trM))
	}
	f.tr, err = transport.New(o.id, cfg.Transport, log, trOpts...)
	if err != nil {
		return nil, err
	}

	var dm dht.Metrics = f.stats
	if o.dhtM != nil {
		dm = dht.MultiMetrics{f.stats, o.dhtM}
	}
	dhtOpts := []dht.Option{
		dht.WithMetrics(dm),
		dht.WithClock(o.clock),
		dht.WithLocalAddrs(f.tr.AdvertisedAddrs),
	}
	if o.records != nil {
		dhtOpts = append(dhtOpts, dht.WithRecordStore(o.records))
	}
	if o.peerCache != nil {
		f.cache, err = dht.NewStore(o.peerCache)
		if err != nil {
			return nil, fmt.Errorf("fabric: load peer cache: %w", err)
		}
		dhtOpts = append(dhtOpts, dht.WithStore(f.cache))
	}
	f.dht, err = dht.New(o.id, cfg.DHT, log, dhtOpts...)
	if err != nil {
		return nil, err
	}
	f.sender = &dhtSender{f: f}

	f.router = gossip.New(o.id, cfg.Gossip, f, log, gossip.WithClock(o.clock))
	f.presence = presence.NewTracker(cfg.Presence, log, f.onPresence, presence.WithClock(o.clock))
	if len(cfg.STUNServers) > 0 {
		f.stun = nat.NewSTUNClient(cfg.STUNServers, 0, log)
	}

	f.tr.Handle(proto.StreamDHT, f.handleDHT)
	f.tr.Handle(proto.StreamGossip, f.handleGossip)
	f.tr.Handle(proto.StreamDirect, f.handleDirect)
	f.tr.Notify(f)
	return f, nil
}

// Start listens, dials the configured bootstrap peers and starts the
// background loops. Bootstrap failures are logged, not returned: a seed
// node starts alone.
func (f *Fabric) Start(ctx context.Context) error {
	if f.closed.Load() {
		return ErrClosed
	}
	if !f.started.CompareAndSwap(false, true) {
		return nil
	}
	entries, err := bootstrap.ParseList(f.cfg.BootstrapPeers)
	if err != nil {
		return err
	}

	if f.stun != nil {
		if host := f.stun.PublicHost(ctx); host != "" {
			f.tr.SetExternalHost(host)
		}
	}
	if err := f.tr.Listen(); err != nil {
		return err
	}
	f.log.Info().Str("addr", string(f.tr.ListenAddr())).Str("bootstrap", f.BootstrapString()).Msg("fabric listening")

	if f.cfg.LAN {
		lan := bootstrap.LANConfig{Port: f.cfg.LANPort, Timeout: bootstrap.DefaultLANTimeout}
		listen := func() string { return string(f.tr.ListenAddr()) }
		if err := bootstrap.StartLANResponder(f.ctx, lan, f.id.PeerID(), listen, f.log); err != nil {
			f.log.Warn().Err(err).Msg("lan responder disabled")
		}
	}

	f.startLoops()

	sources := []bootstrap.PeerSource{bootstrap.StaticSource{Entries: entries, Label: "config"}}
	if f.cache != nil {
		sources = append(sources, bootstrap.CacheSource{Store: f.cache, MaxFailures: 5, Limit: 16})
	}
	if f.cfg.LAN {
		sources = append(sources, bootstrap.LANSource{
			Cfg:  bootstrap.LANConfig{Port: f.cfg.LANPort, Timeout: bootstrap.DefaultLANTimeout},
			Self: f.id.PeerID(),
		})
	}
	n := bootstrap.RunOnce(ctx, f.dialEntry, f.cfg.Bootstrap, f.log, sources...)
	if n > 0 {
		f.goLoop(func(ctx context.Context) {
			if err := f.dht.Bootstrap(ctx, f.sender); err != nil {
				f.log.Debug().Err(err).Msg("dht bootstrap lookup")
			}
		})
	}
	return nil
}

// Bootstrap dials the given bootstrap strings and seeds the routing table
// with a self lookup. It fails only when no peer could be reached.
func (f *Fabric) Bootstrap(ctx context.Context, peers ...string) error {
	if !f.started.Load() {
		return ErrNotStarted
	}
	entries, err := bootstrap.ParseList(peers)
	if err != nil {
		return err
	}
	var errs error
	ok := 0
	for _, e := range entries {
		if err := f.dialEntry(ctx, e); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ok++
	}
	if ok == 0 && errs != nil {
		return errs
	}
	if err := f.dht.Bootstrap(ctx, f.sender); err != nil {
		var lerr *dht.LookupError
		if !errors.As(err, &lerr) {
			return err
		}
	}
	return nil
}

func (f *Fabric) dialEntry(ctx context.Context, e bootstrap.Entry) error {
	if e.Peer == f.id.PeerID() {
		return nil
	}
	_, err := f.tr.Dial(ctx, e.Peer, e.Addrs)
	return err
}

// LocalIdentity is the node's 64-hex identity.
func (f *Fabric) LocalIdentity() string { return f.id.Fingerprint() }

func (f *Fabric) Identity() *identity.Identity { return f.id }

// BootstrapString renders "<host>:<port>/<64hex>" for the best advertised
// address, or "" before Start.
func (f *Fabric) BootstrapString() string {
	addrs := f.tr.AdvertisedAddrs()
	if len(addrs) == 0 {
		return ""
	}
	best := addrs[0]
	for _, a := range addrs {
		if !netx.IsLoopback(a) {
			best = a
			break
		}
	}
	return bootstrap.Format(best, f.id.PeerID())
}

// Addrs lists the dialable addresses this node advertises.
func (f *Fabric) Addrs() []string { return f.tr.AdvertisedAddrs() }

// Close stops every loop and closes connections. It is safe to call twice.
func (f *Fabric) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.cancel()
	f.loopMu.Lock()
	f.loopMu.Unlock()

	var err error
	err = multierr.Append(err, f.router.Close())
	err = multierr.Append(err, f.tr.Close())
	f.wg.Wait()

	f.mu.Lock()
	for _, p := range f.peers {
		p.stop()
	}
	f.peers = map[identity.PeerID]*gossipPeer{}
	f.mu.Unlock()
	return err
}

// goLoop runs fn until Close. After Close it does nothing.
func (f *Fabric) goLoop(fn func(ctx context.Context)) {
	f.loopMu.RLock()
	defer f.loopMu.RUnlock()
	if f.ctx.Err() != nil {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn(f.ctx)
	}()
}

func (f *Fabric) rememberPeer(c *transport.Conn) {
	now := f.clock.Now()
	kp, ok := f.known.Get(c.RemotePeer())
	if !ok {
		kp = KnownPeer{ID: c.RemotePeer(), FirstSeen: now}
	}
	if addrs := c.RemoteAddrs(); len(addrs) > 0 {
		kp.Addrs = addrs
	}
	kp.LastSeen = now
	f.known.Add(c.RemotePeer(), kp)
}

// KnownPeers lists the registry, most recently used first.
func (f *Fabric) KnownPeers() []KnownPeer {
	keys := f.known.Keys()
	out := make([]KnownPeer, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if kp, ok := f.known.Peek(keys[i]); ok {
			out = append(out, kp)
		}
	}
	return out
}
