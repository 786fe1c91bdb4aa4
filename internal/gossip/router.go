package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

var (
	ErrNoPeers         = errors.New("gossip: no peers to publish to")
	ErrInvalidTopic    = errors.New("gossip: invalid topic")
	ErrMessageTooLarge = errors.New("gossip: message too large")
	ErrClosed          = errors.New("gossip: router closed")
)

// Sender queues an RPC for one connected peer. It must not block; false
// means the RPC was not queued.
type Sender interface {
	SendRPC(to identity.PeerID, rpc *proto.GossipRPC) bool
}

type stats struct {
	published  atomic.Uint64
	delivered  atomic.Uint64
	forwarded  atomic.Uint64
	duplicates atomic.Uint64
	invalid    atomic.Uint64
}

// Stats are cumulative router counters.
type Stats struct {
	Published  uint64
	Delivered  uint64
	Forwarded  uint64
	Duplicates uint64
	Invalid    uint64
}

// Router is a GossipSub-style pub/sub router. Every topic is owned by its
// own goroutine; the router only routes commands to them.
type Router struct {
	id   *identity.Identity
	self identity.PeerID
	cfg  Config
	send Sender
	log  zerolog.Logger

	clock clock.Clock

	seq     atomic.Uint64
	nextSub atomic.Uint64
	stats   stats

	mu     sync.Mutex
	topics map[string]*topic
	local  map[string]int // topic -> live local subscriptions
	peers  map[identity.PeerID]struct{}
	closed bool

	ticks uint64
}

type Option func(*Router)

func WithClock(c clock.Clock) Option { return func(r *Router) { r.clock = c } }

func New(id *identity.Identity, cfg Config, send Sender, log zerolog.Logger, opts ...Option) *Router {
	cfg.applyDefaults()
	r := &Router{
		id:     id,
		self:   id.PeerID(),
		cfg:    cfg,
		send:   send,
		log:    log.With().Str("component", "gossip").Logger(),
		clock:  clock.New(),
		topics: make(map[string]*topic),
		local:  make(map[string]int),
		peers:  make(map[identity.PeerID]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) Config() Config { return r.cfg }

func validTopic(name string) error {
	if name == "" || len(name) > proto.MaxTopicLength {
		return fmt.Errorf("%w: %d characters", ErrInvalidTopic, len(name))
	}
	return nil
}

// withTopic runs fn on the topic's owner goroutine. With create unset, an
// unknown topic is skipped and false is returned.
func (r *Router) withTopic(name string, create bool, fn func(*topicState)) bool {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return false
		}
		t := r.topics[name]
		if t == nil {
			if !create {
				r.mu.Unlock()
				return false
			}
			t = newTopic(name, r.cfg)
			r.topics[name] = t
		}
		r.mu.Unlock()
		if t.call(fn) {
			return true
		}
		// torn down between lookup and call; retry against a fresh one
	}
}

func (r *Router) sendControl(to identity.PeerID, graft, prune []string) {
	r.send.SendRPC(to, &proto.GossipRPC{Graft: graft, Prune: prune})
}

func (r *Router) connectedPeers() []identity.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]identity.PeerID, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Router) localTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.local))
	for t := range r.local {
		out = append(out, t)
	}
	return out
}

func (r *Router) announce(opts []proto.SubOpt, peers []identity.PeerID) {
	if len(opts) == 0 {
		return
	}
	rpc := &proto.GossipRPC{Subscriptions: opts}
	for _, p := range peers {
		r.send.SendRPC(p, rpc)
	}
}

// AddPeer registers a connected peer and tells it what we subscribe to.
func (r *Router) AddPeer(p identity.PeerID) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.peers[p] = struct{}{}
	r.mu.Unlock()

	topics := r.localTopics()
	opts := make([]proto.SubOpt, 0, len(topics))
	for _, t := range topics {
		opts = append(opts, proto.SubOpt{Topic: t, Subscribe: true})
	}
	r.announce(opts, []identity.PeerID{p})
}

// RemovePeer forgets a disconnected peer in every topic.
func (r *Router) RemovePeer(p identity.PeerID) {
	r.mu.Lock()
	delete(r.peers, p)
	topics := make([]*topic, 0, len(r.topics))
	for _, t := range r.topics {
		topics = append(topics, t)
	}
	r.mu.Unlock()

	for _, t := range topics {
		t.do(func(ts *topicState) {
			delete(ts.known, p)
			delete(ts.mesh, p)
		})
	}
}

// Subscribe starts delivering a topic's messages. The first local
// subscription announces the topic to every connected peer.
func (r *Router) Subscribe(name string) (*Subscription, error) {
	if err := validTopic(name); err != nil {
		return nil, err
	}
	s := &Subscription{
		id:    r.nextSub.Add(1),
		topic: name,
		ch:    make(chan Message, r.cfg.SubscriptionBuffer),
	}
	s.cancel = func() { r.unsubscribe(s) }

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.local[name]++
	first := r.local[name] == 1
	r.mu.Unlock()

	if !r.withTopic(name, true, func(ts *topicState) {
		ts.subs[s.id] = s
		r.maintain(ts)
	}) {
		return nil, ErrClosed
	}
	if first {
		r.announce([]proto.SubOpt{{Topic: name, Subscribe: true}}, r.connectedPeers())
		r.log.Debug().Str("topic", name).Msg("subscribed")
	}
	return s, nil
}

func (r *Router) unsubscribe(s *Subscription) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.local[s.topic]--
	last := r.local[s.topic] <= 0
	if last {
		delete(r.local, s.topic)
	}
	r.mu.Unlock()

	r.withTopic(s.topic, false, func(ts *topicState) {
		if _, ok := ts.subs[s.id]; ok {
			delete(ts.subs, s.id)
			close(s.ch)
		}
		if !ts.subscribed() {
			r.maintain(ts)
		}
	})
	if last {
		r.announce([]proto.SubOpt{{Topic: s.topic, Subscribe: false}}, r.connectedPeers())
		r.log.Debug().Str("topic", s.topic).Msg("unsubscribed")
	}
}

// Publish signs data and sends it to the topic mesh, or to up to D known
// subscribers when there is no mesh. Local subscribers never see their own
// publications.
func (r *Router) Publish(ctx context.Context, name string, data []byte) error {
	if err := validTopic(name); err != nil {
		return err
	}
	if len(data) > proto.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := proto.GossipMessage{
		ID:        uuid.NewString(),
		Topic:     name,
		Origin:    r.self[:],
		Seq:       r.seq.Add(1),
		Timestamp: r.clock.Now().UnixMilli(),
		Data:      data,
	}
	msg.Sig = r.id.Sign(msg.SigningBytes())

	sent := 0
	if !r.withTopic(name, true, func(ts *topicState) {
		ts.seen.Add(msg.ID, struct{}{})
		var targets []identity.PeerID
		if ts.subscribed() && len(ts.mesh) > 0 {
			for p := range ts.mesh {
				targets = append(targets, p)
			}
		} else {
			targets = pick(ts.known, nil, r.cfg.D)
		}
		rpc := &proto.GossipRPC{Messages: []proto.GossipMessage{msg}}
		for _, p := range targets {
			if r.send.SendRPC(p, rpc) {
				sent++
			}
		}
	}) {
		return ErrClosed
	}
	if sent == 0 {
		return ErrNoPeers
	}
	r.stats.published.Add(1)
	return nil
}

// HandleRPC processes one RPC received from an authenticated neighbour.
func (r *Router) HandleRPC(from identity.PeerID, rpc *proto.GossipRPC) {
	for _, so := range rpc.Subscriptions {
		if validTopic(so.Topic) != nil {
			continue
		}
		if so.Subscribe {
			r.withTopic(so.Topic, true, func(ts *topicState) {
				ts.known[from] = struct{}{}
				if ts.subscribed() && len(ts.mesh) < r.cfg.Dlo {
					r.maintain(ts)
				}
			})
			continue
		}
		r.withTopic(so.Topic, false, func(ts *topicState) {
			delete(ts.known, from)
			delete(ts.mesh, from)
		})
	}

	for i := range rpc.Messages {
		r.handleMessage(from, &rpc.Messages[i])
	}

	for _, name := range rpc.Graft {
		accepted := r.withTopic(name, false, func(ts *topicState) {
			if !ts.subscribed() || len(ts.mesh) >= r.cfg.Dhi {
				r.sendControl(from, nil, []string{name})
				return
			}
			ts.known[from] = struct{}{}
			if _, ok := ts.mesh[from]; !ok {
				ts.mesh[from] = &meshPeer{}
			}
		})
		if !accepted {
			r.sendControl(from, nil, []string{name})
		}
	}

	for _, name := range rpc.Prune {
		r.withTopic(name, false, func(ts *topicState) {
			delete(ts.mesh, from)
		})
	}
}

func (r *Router) handleMessage(from identity.PeerID, msg *proto.GossipMessage) {
	origin, err := r.verify(msg)
	if err != nil {
		r.stats.invalid.Add(1)
		r.log.Warn().Err(err).Str("peer", from.Short()).Str("topic", msg.Topic).Msg("dropping gossip message")
		return
	}
	r.withTopic(msg.Topic, false, func(ts *topicState) {
		r.receive(ts, from, origin, msg)
	})
}

func (r *Router) verify(msg *proto.GossipMessage) (identity.PeerID, error) {
	if err := validTopic(msg.Topic); err != nil {
		return identity.PeerID{}, err
	}
	if len(msg.Data) > proto.MaxMessageSize {
		return identity.PeerID{}, ErrMessageTooLarge
	}
	if msg.ID == "" {
		return identity.PeerID{}, errors.New("gossip: missing message id")
	}
	origin, err := identity.PeerIDFromPublicKey(msg.Origin)
	if err != nil {
		return identity.PeerID{}, err
	}
	if !identity.Verify(origin, msg.SigningBytes(), msg.Sig) {
		return identity.PeerID{}, errors.New("gossip: bad signature")
	}
	return origin, nil
}

// Run drives the heartbeat until ctx is done.
func (r *Router) Run(ctx context.Context) {
	t := r.clock.Ticker(r.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.heartbeat()
		}
	}
}

func (r *Router) heartbeat() {
	r.mu.Lock()
	r.ticks++
	reannounce := r.ticks%uint64(r.cfg.AnnounceEvery) == 0
	topics := make(map[string]*topic, len(r.topics))
	for name, t := range r.topics {
		topics[name] = t
	}
	r.mu.Unlock()

	for name, t := range topics {
		idle := false
		t.call(func(ts *topicState) {
			r.maintain(ts)
			idle = !ts.subscribed() && len(ts.known) == 0 && len(ts.mesh) == 0
		})
		if idle {
			r.reap(name, t)
		}
	}

	if reannounce {
		topics := r.localTopics()
		opts := make([]proto.SubOpt, 0, len(topics))
		for _, t := range topics {
			opts = append(opts, proto.SubOpt{Topic: t, Subscribe: true})
		}
		r.announce(opts, r.connectedPeers())
	}
}

// reap tears down a topic nobody cares about. The check is repeated under
// the router lock so a concurrent subscribe is never lost.
func (r *Router) reap(name string, t *topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics[name] != t || r.local[name] > 0 {
		return
	}
	idle := false
	t.call(func(ts *topicState) {
		idle = !ts.subscribed() && len(ts.known) == 0 && len(ts.mesh) == 0
	})
	if !idle {
		return
	}
	delete(r.topics, name)
	t.stop()
}

// TopicSnapshot is one topic's mesh view. Mesh peers receive every message
// eagerly; Known peers are subscribers outside the mesh.
type TopicSnapshot struct {
	Topic      string
	Subscribed bool
	Mesh       []identity.PeerID
	Known      []identity.PeerID
	SeenSize   int
}

func (r *Router) Snapshot() []TopicSnapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make([]TopicSnapshot, 0, len(names))
	for _, name := range names {
		r.withTopic(name, false, func(ts *topicState) {
			snap := TopicSnapshot{Topic: name, Subscribed: ts.subscribed(), SeenSize: ts.seen.Len()}
			for p := range ts.mesh {
				snap.Mesh = append(snap.Mesh, p)
			}
			for p := range ts.known {
				if _, in := ts.mesh[p]; !in {
					snap.Known = append(snap.Known, p)
				}
			}
			out = append(out, snap)
		})
	}
	return out
}

func (r *Router) Stats() Stats {
	return Stats{
		Published:  r.stats.published.Load(),
		Delivered:  r.stats.delivered.Load(),
		Forwarded:  r.stats.forwarded.Load(),
		Duplicates: r.stats.duplicates.Load(),
		Invalid:    r.stats.invalid.Load(),
	}
}

// Close stops every topic and closes all subscription channels.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for name, t := range r.topics {
		t.stop()
		delete(r.topics, name)
	}
	return nil
}
