package gossip

import (
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

type meshPeer struct {
	firstDeliveries uint64
}

// topicState is owned by exactly one goroutine; nothing outside run()
// touches it.
type topicState struct {
	name  string
	mesh  map[identity.PeerID]*meshPeer
	known map[identity.PeerID]struct{}
	seen  *expirable.LRU[string, struct{}]
	subs  map[uint64]*Subscription
}

func (ts *topicState) subscribed() bool { return len(ts.subs) > 0 }

// topic is the handle the router uses to reach a topic's owner goroutine.
type topic struct {
	cmds   chan func(*topicState)
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newTopic(name string, cfg Config) *topic {
	t := &topic{
		cmds:   make(chan func(*topicState), 256),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	ts := &topicState{
		name:  name,
		mesh:  make(map[identity.PeerID]*meshPeer),
		known: make(map[identity.PeerID]struct{}),
		seen:  expirable.NewLRU[string, struct{}](cfg.SeenCapacity, nil, cfg.seenTTL(name)),
		subs:  make(map[uint64]*Subscription),
	}
	go t.run(ts)
	return t
}

func (t *topic) run(ts *topicState) {
	defer close(t.exited)
	for {
		select {
		case fn := <-t.cmds:
			fn(ts)
		case <-t.done:
			for id, s := range ts.subs {
				close(s.ch)
				delete(ts.subs, id)
			}
			return
		}
	}
}

// do queues fn on the owner goroutine. It reports false if the topic has
// been torn down.
func (t *topic) do(fn func(*topicState)) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.cmds <- fn:
		return true
	case <-t.done:
		return false
	}
}

// call runs fn on the owner goroutine and waits for it.
func (t *topic) call(fn func(*topicState)) bool {
	fin := make(chan struct{})
	if !t.do(func(ts *topicState) {
		defer close(fin)
		fn(ts)
	}) {
		return false
	}
	select {
	case <-fin:
		return true
	case <-t.exited:
		// fn either ran before the owner exited or never will
		select {
		case <-fin:
			return true
		default:
			return false
		}
	}
}

func (t *topic) stop() {
	t.once.Do(func() { close(t.done) })
}

// pick returns up to n random peers from set that are not in exclude.
func pick(set map[identity.PeerID]struct{}, exclude map[identity.PeerID]*meshPeer, n int) []identity.PeerID {
	out := make([]identity.PeerID, 0, len(set))
	for p := range set {
		if _, in := exclude[p]; in {
			continue
		}
		out = append(out, p)
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// maintain grafts up to D when the mesh is below Dlo and prunes the least
// useful peers down to D when it is above Dhi.
func (r *Router) maintain(ts *topicState) {
	if !ts.subscribed() {
		for p := range ts.mesh {
			r.sendControl(p, nil, []string{ts.name})
		}
		clear(ts.mesh)
		return
	}

	if len(ts.mesh) < r.cfg.Dlo {
		for _, p := range pick(ts.known, ts.mesh, r.cfg.D-len(ts.mesh)) {
			ts.mesh[p] = &meshPeer{}
			r.sendControl(p, []string{ts.name}, nil)
		}
	}

	if len(ts.mesh) > r.cfg.Dhi {
		ranked := make([]identity.PeerID, 0, len(ts.mesh))
		for p := range ts.mesh {
			ranked = append(ranked, p)
		}
		sort.Slice(ranked, func(i, j int) bool {
			return ts.mesh[ranked[i]].firstDeliveries < ts.mesh[ranked[j]].firstDeliveries
		})
		for _, p := range ranked[:len(ranked)-r.cfg.D] {
			delete(ts.mesh, p)
			r.sendControl(p, nil, []string{ts.name})
		}
	}
}

// receive handles one verified message. It reports whether the message was
// new.
func (r *Router) receive(ts *topicState, from identity.PeerID, origin identity.PeerID, msg *proto.GossipMessage) bool {
	if ts.seen.Contains(msg.ID) {
		r.stats.duplicates.Add(1)
		return false
	}
	ts.seen.Add(msg.ID, struct{}{})
	if mp, ok := ts.mesh[from]; ok {
		mp.firstDeliveries++
	}

	if origin != r.self {
		r.deliver(ts, origin, msg)
	}

	fwd := &proto.GossipRPC{Messages: []proto.GossipMessage{*msg}}
	for p := range ts.mesh {
		if p == from || p == origin {
			continue
		}
		if r.send.SendRPC(p, fwd) {
			r.stats.forwarded.Add(1)
		}
	}
	return true
}

func (r *Router) deliver(ts *topicState, origin identity.PeerID, msg *proto.GossipMessage) {
	m := Message{
		ID:        msg.ID,
		Topic:     msg.Topic,
		From:      origin,
		Seq:       msg.Seq,
		Timestamp: msg.Timestamp,
		Data:      msg.Data,
	}
	for _, s := range ts.subs {
		select {
		case s.ch <- m:
			r.stats.delivered.Add(1)
		default:
			r.log.Warn().Str("topic", ts.name).Msg("subscriber too slow, dropping message")
		}
	}
}
