package dht

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

var ErrNotFound = errors.New("dht: not found")

// Sender carries one request to a remote node and returns its reply. The
// transport decides how to reach the node.
type Sender interface {
	Request(ctx context.Context, to proto.DHTNode, req proto.DHTWire) (proto.DHTWire, error)
}

type Config struct {
	K           int
	Alpha       int
	RPCTimeout  time.Duration
	PingTimeout time.Duration
	MaxRounds   int

	// Per-peer inbound request limit.
	RateLimit float64
	RateBurst int

	// EvictAfter removes Dead entries silent for this long.
	EvictAfter time.Duration

	RefreshInterval    time.Duration
	SweepInterval      time.Duration
	RepublishInterval  time.Duration
	PeerRecordInterval time.Duration
	PeerRecordTTL      time.Duration
	// MaxRecordTTL caps how far ahead a stored record may expire.
	MaxRecordTTL time.Duration

	Diversity DiversityPolicy
}

func DefaultConfig() Config {
	return Config{
		K:                  20,
		Alpha:              3,
		RPCTimeout:         1200 * time.Millisecond,
		PingTimeout:        800 * time.Millisecond,
		MaxRounds:          32,
		RateLimit:          20,
		RateBurst:          40,
		EvictAfter:         10 * time.Minute,
		RefreshInterval:    15 * time.Minute,
		SweepInterval:      2 * time.Minute,
		RepublishInterval:  30 * time.Minute,
		PeerRecordInterval: 10 * time.Minute,
		PeerRecordTTL:      time.Hour,
		MaxRecordTTL:       24 * time.Hour,
		Diversity:          DefaultDiversityPolicy(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.K <= 0 {
		c.K = def.K
	}
	if c.Alpha <= 0 {
		c.Alpha = def.Alpha
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = def.RPCTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = def.MaxRounds
	}
	if c.RateLimit <= 0 {
		c.RateLimit = def.RateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = def.EvictAfter
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.RepublishInterval <= 0 {
		c.RepublishInterval = def.RepublishInterval
	}
	if c.PeerRecordInterval <= 0 {
		c.PeerRecordInterval = def.PeerRecordInterval
	}
	if c.PeerRecordTTL <= 0 {
		c.PeerRecordTTL = def.PeerRecordTTL
	}
	if c.MaxRecordTTL <= 0 {
		c.MaxRecordTTL = def.MaxRecordTTL
	}
}

// DHT is the package's primary engine.
// It owns routing, the record store, and lookup behavior.
type DHT struct {
	id   *identity.Identity
	self NodeID
	cfg  Config
	log  zerolog.Logger

	clock     clock.Clock
	rt        *RoutingTable
	rs        RecordStore
	metrics   Metrics
	store     *Store
	diversity *DiversityPolicy
	addrs     func() []string

	limiter *peerLimiter

	ownedMu sync.Mutex
	owned   map[[32]byte]ownedRec

	peerSeqMu sync.Mutex
	peerSeq   uint64
}

type ownedRec struct {
	nextRepublish time.Time
}

type Option func(*DHT)

// WithStore persists successfully contacted peers for the next start.
func WithStore(s *Store) Option { return func(d *DHT) { d.store = s } }

func WithRecordStore(rs RecordStore) Option { return func(d *DHT) { d.rs = rs } }

func WithMetrics(m Metrics) Option { return func(d *DHT) { d.metrics = m } }

func WithClock(c clock.Clock) Option { return func(d *DHT) { d.clock = c } }

func WithDiversityPolicy(p DiversityPolicy) Option {
	return func(d *DHT) { d.diversity = &p }
}

// WithLocalAddrs supplies the addresses sent with requests and published
// in the peer record.
func WithLocalAddrs(fn func() []string) Option { return func(d *DHT) { d.addrs = fn } }

func New(id *identity.Identity, cfg Config, log zerolog.Logger, opts ...Option) (*DHT, error) {
	if id == nil {
		return nil, errors.New("dht: missing identity")
	}
	cfg.applyDefaults()

	d := &DHT{
		id:      id,
		self:    NodeIDFromPeerID(id.PeerID()),
		cfg:     cfg,
		log:     log.With().Str("component", "dht").Logger(),
		clock:   clock.New(),
		rs:      NewMemRecordStore(),
		metrics: NoopMetrics{},
		addrs:   func() []string { return nil },
		owned:   make(map[[32]byte]ownedRec),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.rt = NewRoutingTable(d.self, cfg.K, d.clock)
	pol := cfg.Diversity
	if d.diversity != nil {
		pol = *d.diversity
	}
	d.rt.SetDiversity(pol)
	d.limiter = newPeerLimiter(cfg.RateLimit, cfg.RateBurst)
	return d, nil
}

func (d *DHT) Routing() *RoutingTable { return d.rt }

func (d *DHT) Self() NodeID { return d.self }

func (d *DHT) Config() Config { return d.cfg }

func (d *DHT) Records() RecordStore { return d.rs }

// Node describes this node on the wire.
func (d *DHT) Node() proto.DHTNode {
	return proto.DHTNode{NodeID: d.self.Hex(), PeerID: d.id.PeerID().String(), Addrs: d.addrs()}
}

// ObservePeer records an authenticated peer, pinging the bucket tail when
// the bucket is full.
func (d *DHT) ObservePeer(ctx context.Context, n Sender, id identity.PeerID, addrs []string) {
	if id == d.id.PeerID() {
		return
	}
	d.rt.UpsertWithEviction(ctx, id, addrs, d.pinger(n))
	d.metrics.SetRoutingTableSize(d.rt.Size())

	if d.store != nil && len(addrs) > 0 {
		d.store.NoteSuccess(id, addrs)
	}
}

func (d *DHT) pinger(n Sender) PingFunc {
	return func(ctx context.Context, rec PeerRecord) bool {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.PingTimeout)
		defer cancel()
		resp, err := d.QueryPing(ctx, n, nodeFromRecord(rec))
		return err == nil && resp.Kind == proto.DHTPong
	}
}

// BootstrapCandidates lists cached peers to try on startup.
func (d *DHT) BootstrapCandidates(limit int) []CachedPeer {
	if d.store == nil {
		return nil
	}
	return d.store.Candidates(5, limit)
}

func nodeFromRecord(rec PeerRecord) proto.DHTNode {
	return proto.DHTNode{
		NodeID: rec.NodeID.Hex(),
		PeerID: rec.ID.String(),
		Addrs:  append([]string(nil), rec.Addrs...),
	}
}

// parseNode validates a node received from the network.
func parseNode(nd proto.DHTNode) (identity.PeerID, NodeID, bool) {
	pid, err := identity.ParsePeerID(nd.PeerID)
	if err != nil {
		return identity.PeerID{}, NodeID{}, false
	}
	nid := NodeIDFromPeerID(pid)
	if nd.NodeID != "" && nd.NodeID != nid.Hex() {
		return identity.PeerID{}, NodeID{}, false
	}
	return pid, nid, true
}
