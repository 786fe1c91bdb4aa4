package dht

import (
	"context"
	"fmt"
	"sort"
	"time"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

// LookupState is the progress of one iterative lookup.
type LookupState int

const (
	LookupIdle LookupState = iota
	LookupQuerying
	LookupConverged
	LookupExhausted
)

func (s LookupState) String() string {
	switch s {
	case LookupIdle:
		return "idle"
	case LookupQuerying:
		return "querying"
	case LookupConverged:
		return "converged"
	default:
		return "exhausted"
	}
}

// LookupError reports a lookup that ran out of rounds before converging.
type LookupError struct {
	State   LookupState
	Target  NodeID
	Rounds  int
	Queried int
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("dht: lookup %s %s after %d rounds (%d queries)", e.Target.Hex()[:16], e.State, e.Rounds, e.Queried)
}

type LookupConfig struct {
	Alpha     int
	K         int
	MaxRounds int
}

func (d *DHT) lookupConfig() LookupConfig {
	return LookupConfig{Alpha: d.cfg.Alpha, K: d.cfg.K, MaxRounds: d.cfg.MaxRounds}
}

// DefaultLookup is the lookup configuration derived from Config.
func (d *DHT) DefaultLookup() LookupConfig { return d.lookupConfig() }

const (
	stUnqueried = iota
	stQuerying
	stDone
	stFailed
)

type cand struct {
	node  proto.DHTNode
	pid   identity.PeerID
	id    NodeID
	dist  NodeID
	state int
}

// lookup is the shared iterative engine behind FIND_NODE and FIND_VALUE.
type lookup struct {
	d      *DHT
	n      Sender
	target NodeID
	cfg    LookupConfig
	state  LookupState
	seen   map[NodeID]*cand

	rounds  int
	queries int
}

func (d *DHT) newLookup(n Sender, target NodeID, cfg LookupConfig) *lookup {
	if cfg.Alpha <= 0 {
		cfg.Alpha = d.cfg.Alpha
	}
	if cfg.K <= 0 {
		cfg.K = d.cfg.K
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = d.cfg.MaxRounds
	}
	l := &lookup{d: d, n: n, target: target, cfg: cfg, state: LookupIdle, seen: make(map[NodeID]*cand)}
	for _, rec := range d.rt.Closest(target, cfg.K) {
		l.add(nodeFromRecord(rec))
	}
	return l
}

func (l *lookup) add(nd proto.DHTNode) (*cand, bool) {
	pid, id, ok := parseNode(nd)
	if !ok || pid == l.d.id.PeerID() || len(nd.Addrs) == 0 {
		return nil, false
	}
	if _, dup := l.seen[id]; dup {
		return nil, false
	}
	if rec, ok := l.d.rt.Get(pid); ok && rec.State == Dead {
		return nil, false
	}
	nd.NodeID = id.Hex()
	c := &cand{node: nd, pid: pid, id: id, dist: Distance(id, l.target), state: stUnqueried}
	l.seen[id] = c
	return c, true
}

// closest returns the K best candidates that have not failed.
func (l *lookup) closest() []*cand {
	out := make([]*cand, 0, len(l.seen))
	for _, c := range l.seen {
		if c.state != stFailed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return DistanceLess(out[i].dist, out[j].dist) })
	if len(out) > l.cfg.K {
		out = out[:l.cfg.K]
	}
	return out
}

type lookupReply struct {
	c   *cand
	w   proto.DHTWire
	err error
}

// run drives rounds until onReply reports done, or the round budget is
// spent. A round that brings nothing closer triggers one final round over
// every unqueried candidate among the K closest, after which the lookup
// has converged.
func (l *lookup) run(ctx context.Context, query func(ctx context.Context, to proto.DHTNode) (proto.DHTWire, error), onReply func(r lookupReply) bool) error {
	l.state = LookupQuerying
	final := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.rounds >= l.cfg.MaxRounds {
			l.state = LookupExhausted
			return &LookupError{State: l.state, Target: l.target, Rounds: l.rounds, Queried: l.queries}
		}

		best := l.closest()
		var bestDist *NodeID
		if len(best) > 0 {
			d := best[0].dist
			bestDist = &d
		}
		width := l.cfg.Alpha
		if final {
			width = l.cfg.K
		}
		toQuery := make([]*cand, 0, width)
		for _, c := range best {
			if len(toQuery) == width {
				break
			}
			if c.state == stUnqueried {
				c.state = stQuerying
				toQuery = append(toQuery, c)
			}
		}
		if len(toQuery) == 0 {
			l.state = LookupConverged
			return nil
		}

		l.rounds++
		l.queries += len(toQuery)
		resCh := make(chan lookupReply, len(toQuery))
		for _, c := range toQuery {
			go func(c *cand) {
				w, err := query(ctx, c.node)
				resCh <- lookupReply{c: c, w: w, err: err}
			}(c)
		}

		closer := false
		done := false
		for i := 0; i < len(toQuery); i++ {
			r := <-resCh
			if r.err != nil {
				r.c.state = stFailed
				continue
			}
			r.c.state = stDone
			if onReply(r) {
				done = true
			}
			nodes := r.w.Nodes
			if len(nodes) > l.cfg.K*2 {
				nodes = nodes[:l.cfg.K*2]
			}
			for _, nd := range nodes {
				c, ok := l.add(nd)
				if !ok {
					continue
				}
				if bestDist == nil || DistanceLess(c.dist, *bestDist) {
					closer = true
				}
			}
		}
		if done || (final && !closer) {
			l.state = LookupConverged
			return nil
		}
		final = !closer
		l.prune()
	}
}

// prune bounds the candidate set.
func (l *lookup) prune() {
	if len(l.seen) <= l.cfg.K*8 {
		return
	}
	all := make([]*cand, 0, len(l.seen))
	for _, c := range l.seen {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return DistanceLess(all[i].dist, all[j].dist) })
	keep := make(map[NodeID]*cand, l.cfg.K*8)
	for _, c := range all[:l.cfg.K*8] {
		keep[c.id] = c
	}
	l.seen = keep
}

func (l *lookup) result() []proto.DHTNode {
	out := make([]proto.DHTNode, 0, l.cfg.K)
	for _, c := range l.closest() {
		if c.state == stDone {
			out = append(out, c.node)
		}
	}
	return out
}

// IterativeFindNode returns the K closest responsive nodes to target. A
// lookup that runs out of rounds returns what it found with a
// *LookupError.
func (d *DHT) IterativeFindNode(ctx context.Context, n Sender, target NodeID, cfg LookupConfig) ([]proto.DHTNode, error) {
	start := d.clock.Now()
	l := d.newLookup(n, target, cfg)
	err := l.run(ctx, func(ctx context.Context, to proto.DHTNode) (proto.DHTWire, error) {
		w, err := d.QueryFindNode(ctx, n, to, target)
		if err == nil && w.Kind != proto.DHTNodes {
			err = fmt.Errorf("dht: unexpected %s reply", w.Kind)
		}
		return w, err
	}, func(lookupReply) bool { return false })

	d.metrics.ObserveLookup(proto.DHTFindNode, l.queries, d.clock.Since(start), err == nil)
	d.logLookup(proto.DHTFindNode, l, start, err)
	return l.result(), err
}

// IterativeFindValue returns the first valid record for key, or
// ErrNotFound once the lookup converges without one.
func (d *DHT) IterativeFindValue(ctx context.Context, n Sender, key [32]byte, cfg LookupConfig) (*proto.DHTRecord, error) {
	if rec, ok := d.rs.Get(key, d.clock.Now()); ok {
		return rec, nil
	}
	start := d.clock.Now()
	var found *proto.DHTRecord
	l := d.newLookup(n, NodeID(key), cfg)
	err := l.run(ctx, func(ctx context.Context, to proto.DHTNode) (proto.DHTWire, error) {
		w, err := d.QueryFindValue(ctx, n, to, key)
		if err == nil && w.Kind != proto.DHTValue {
			err = fmt.Errorf("dht: unexpected %s reply", w.Kind)
		}
		return w, err
	}, func(r lookupReply) bool {
		if r.w.Record == nil || found != nil {
			return found != nil
		}
		if err := d.ValidateRecordAgainstKey(key, r.w.Record); err != nil {
			d.log.Debug().Err(err).Str("peer", r.c.pid.Short()).Msg("invalid record in reply")
			return false
		}
		found = r.w.Record
		return true
	})

	d.metrics.ObserveLookup(proto.DHTFindValue, l.queries, d.clock.Since(start), found != nil)
	d.logLookup(proto.DHTFindValue, l, start, err)
	if found != nil {
		_ = d.rs.Put(key, found, d.clock.Now())
		return found, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

func (d *DHT) logLookup(kind string, l *lookup, start time.Time, err error) {
	d.log.Debug().
		Str("kind", kind).
		Str("target", l.target.Hex()[:16]).
		Stringer("state", l.state).
		Int("rounds", l.rounds).
		Int("queries", l.queries).
		Dur("took", d.clock.Since(start)).
		Err(err).
		Msg("lookup finished")
}

// FindPeer resolves a peer's addresses: routing table first, then a node
// lookup, then the peer's self-published address record.
func (d *DHT) FindPeer(ctx context.Context, n Sender, id identity.PeerID) ([]string, error) {
	if rec, ok := d.rt.Get(id); ok && rec.State != Dead && len(rec.Addrs) > 0 {
		return rec.Addrs, nil
	}

	nodes, err := d.IterativeFindNode(ctx, n, NodeIDFromPeerID(id), d.lookupConfig())
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	for _, nd := range nodes {
		if nd.PeerID == id.String() && len(nd.Addrs) > 0 {
			return nd.Addrs, nil
		}
	}
	if err != nil {
		d.log.Debug().Err(err).Str("peer", id.Short()).Msg("node lookup incomplete, trying peer record")
	}

	rec, err := d.IterativeFindValue(ctx, n, PeerRecordKey(id), d.lookupConfig())
	if err != nil {
		return nil, err
	}
	addrs, err := decodePeerAddrs(rec)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, ErrNotFound
	}
	return addrs, nil
}
