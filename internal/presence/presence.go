// Package presence tracks peer liveness from periodic heartbeats published
// on each peer's presence inbox topic.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"six7-fabric/internal/dht"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

type Config struct {
	HeartbeatInterval time.Duration
	// SuspectAfter defaults to 1.5 heartbeat intervals of silence.
	SuspectAfter  time.Duration
	OfflineAfter  time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		SuspectAfter:      45 * time.Second,
		OfflineAfter:      75 * time.Second,
		SweepInterval:     5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.SuspectAfter <= 0 {
		c.SuspectAfter = c.HeartbeatInterval * 3 / 2
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = def.OfflineAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
}

// Transition is called when a watched peer changes standing.
type Transition func(id identity.PeerID, state dht.LivenessState)

type entry struct {
	lastSeen time.Time
	seq      uint64
	addrs    []string
	state    dht.LivenessState
}

// Status is one watched peer's view.
type Status struct {
	Peer     identity.PeerID
	State    dht.LivenessState
	LastSeen time.Time
	Seq      uint64
	Addrs    []string
}

// Tracker turns heartbeats and silence into liveness transitions.
type Tracker struct {
	cfg      Config
	clock    clock.Clock
	log      zerolog.Logger
	onChange Transition

	mu    sync.Mutex
	peers map[identity.PeerID]*entry

	seq uint64
}

type Option func(*Tracker)

func WithClock(c clock.Clock) Option { return func(t *Tracker) { t.clock = c } }

func NewTracker(cfg Config, log zerolog.Logger, onChange Transition, opts ...Option) *Tracker {
	cfg.applyDefaults()
	t := &Tracker{
		cfg:      cfg,
		clock:    clock.New(),
		log:      log.With().Str("component", "presence").Logger(),
		onChange: onChange,
		peers:    make(map[identity.PeerID]*entry),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) Config() Config { return t.cfg }

// Watch starts tracking id. The silence clock starts now. Watching an
// already watched peer is a no-op.
func (t *Tracker) Watch(id identity.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; ok {
		return false
	}
	t.peers[id] = &entry{lastSeen: t.clock.Now(), state: dht.Alive}
	return true
}

func (t *Tracker) Unwatch(id identity.PeerID) {
	t.mu.Lock()
	delete(t.peers, id)
	t.mu.Unlock()
}

func (t *Tracker) Watching(id identity.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[id]
	return ok
}

// Observe records a heartbeat from id. Stale or replayed sequence numbers
// are ignored.
func (t *Tracker) Observe(id identity.PeerID, hb proto.Heartbeat) {
	t.mu.Lock()
	e, ok := t.peers[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	if hb.Seq != 0 && hb.Seq <= e.seq {
		t.mu.Unlock()
		return
	}
	e.seq = hb.Seq
	e.lastSeen = t.clock.Now()
	if len(hb.Addrs) > 0 {
		e.addrs = append([]string(nil), hb.Addrs...)
	}
	changed := e.state != dht.Alive
	e.state = dht.Alive
	t.mu.Unlock()

	if changed {
		t.notify(id, dht.Alive)
	}
}

// Sweep applies the silence thresholds once. Dead peers are unwatched.
func (t *Tracker) Sweep() {
	now := t.clock.Now()
	type change struct {
		id    identity.PeerID
		state dht.LivenessState
	}
	var changes []change

	t.mu.Lock()
	for id, e := range t.peers {
		silent := now.Sub(e.lastSeen)
		next := dht.Alive
		switch {
		case silent > t.cfg.OfflineAfter:
			next = dht.Dead
		case silent > t.cfg.SuspectAfter:
			next = dht.Suspect
		}
		if next == dht.Dead {
			delete(t.peers, id)
		}
		if next != e.state {
			e.state = next
			changes = append(changes, change{id, next})
		}
	}
	t.mu.Unlock()

	for _, c := range changes {
		t.notify(c.id, c.state)
	}
}

func (t *Tracker) notify(id identity.PeerID, s dht.LivenessState) {
	t.log.Debug().Str("peer", id.Short()).Stringer("state", s).Msg("presence changed")
	if t.onChange != nil {
		t.onChange(id, s)
	}
}

func (t *Tracker) State(id identity.PeerID) (dht.LivenessState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[id]
	if !ok {
		return dht.Dead, false
	}
	return e.state, true
}

func (t *Tracker) Snapshot() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Status, 0, len(t.peers))
	for id, e := range t.peers {
		out = append(out, Status{
			Peer:     id,
			State:    e.state,
			LastSeen: e.lastSeen,
			Seq:      e.seq,
			Addrs:    append([]string(nil), e.addrs...),
		})
	}
	return out
}

// RunSweep applies the thresholds every SweepInterval until ctx is done.
func (t *Tracker) RunSweep(ctx context.Context) {
	tk := t.clock.Ticker(t.cfg.SweepInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			t.Sweep()
		}
	}
}

// NextHeartbeat builds this node's next heartbeat.
func (t *Tracker) NextHeartbeat(addrs []string) proto.Heartbeat {
	t.mu.Lock()
	t.seq++
	seq := t.seq
	t.mu.Unlock()
	return proto.Heartbeat{Seq: seq, SentAt: t.clock.Now().UnixMilli(), Addrs: addrs}
}

// RunHeartbeat publishes a heartbeat immediately and then every
// HeartbeatInterval until ctx is done. Publish failures are logged and the
// loop carries on.
func (t *Tracker) RunHeartbeat(ctx context.Context, addrs func() []string, publish func(ctx context.Context, hb proto.Heartbeat) error) {
	beat := func() {
		if err := publish(ctx, t.NextHeartbeat(addrs())); err != nil {
			t.log.Debug().Err(err).Msg("heartbeat not published")
		}
	}
	beat()

	tk := t.clock.Ticker(t.cfg.HeartbeatInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			beat()
		}
	}
}
