package fabric

import (
	"context"

	"six7-fabric/internal/dht"
	"six7-fabric/internal/gossip"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/message"
	"six7-fabric/internal/proto"
)

// Watch follows a peer's presence inbox even while it is not connected.
func (f *Fabric) Watch(id identity.PeerID) error {
	if id == f.id.PeerID() {
		return nil
	}
	f.mu.Lock()
	f.manual[id] = struct{}{}
	f.mu.Unlock()
	return f.subscribePresence(id)
}

// Unwatch stops following a peer that Watch added. A connected peer stays
// tracked until its connection drops and it goes silent.
func (f *Fabric) Unwatch(id identity.PeerID) {
	f.mu.Lock()
	_, manual := f.manual[id]
	delete(f.manual, id)
	f.mu.Unlock()
	if manual && f.tr.ConnTo(id) == nil {
		f.unwatchPresence(id)
	}
}

func (f *Fabric) watchPresence(id identity.PeerID) {
	if err := f.subscribePresence(id); err != nil {
		f.log.Debug().Err(err).Str("peer", id.Short()).Msg("presence watch failed")
	}
}

func (f *Fabric) subscribePresence(id identity.PeerID) error {
	f.mu.Lock()
	if _, ok := f.watched[id]; ok {
		f.mu.Unlock()
		f.presence.Watch(id)
		return nil
	}
	f.mu.Unlock()

	topic, err := message.PresenceTopic(f.cfg.Prefix, id.String())
	if err != nil {
		return err
	}
	sub, err := f.router.Subscribe(topic)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if _, dup := f.watched[id]; dup {
		f.mu.Unlock()
		sub.Cancel()
		return nil
	}
	f.watched[id] = sub
	f.mu.Unlock()

	f.presence.Watch(id)
	f.goLoop(func(ctx context.Context) { f.readPresence(ctx, id, sub) })
	return nil
}

// unwatchPresence drops the inbox subscription and the tracker entry.
// Disconnects leave both in place so silence can still take the peer to
// Dead.
func (f *Fabric) unwatchPresence(id identity.PeerID) {
	f.mu.Lock()
	sub := f.watched[id]
	delete(f.watched, id)
	f.mu.Unlock()

	f.presence.Unwatch(id)
	if sub != nil {
		sub.Cancel()
	}
}

func (f *Fabric) readPresence(ctx context.Context, id identity.PeerID, sub *gossip.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Messages():
			if !ok {
				return
			}
			// only the owner may publish to its inbox
			if m.From != id {
				continue
			}
			var hb proto.Heartbeat
			if err := proto.Unmarshal(m.Data, &hb); err != nil {
				f.log.Warn().Err(err).Str("peer", id.Short()).Msg("bad heartbeat")
				continue
			}
			f.presence.Observe(id, hb)
			if len(hb.Addrs) > 0 {
				f.dht.Routing().Seen(id, hb.Addrs)
			}
		}
	}
}

func (f *Fabric) onPresence(id identity.PeerID, state dht.LivenessState) {
	f.dht.Routing().SetState(id, state)
	f.metrics.PresenceTransition(state.String())
	f.log.Debug().Str("peer", id.Short()).Stringer("state", state).Msg("presence changed")
	if state == dht.Dead {
		f.unwatchPresence(id)
		f.mu.Lock()
		delete(f.manual, id)
		f.mu.Unlock()
	}
}

func (f *Fabric) publishHeartbeat(ctx context.Context, hb proto.Heartbeat) error {
	data, err := proto.Marshal(hb)
	if err != nil {
		return err
	}
	return f.router.Publish(ctx, f.presSelf, data)
}

// Presence reports a watched peer's standing.
func (f *Fabric) Presence(id identity.PeerID) (dht.LivenessState, bool) {
	return f.presence.State(id)
}
