package messenger

import (
	"context"

	"six7-fabric/internal/message"
)

// JoinGroup subscribes to a group's topic. Joining twice is a no-op.
func (m *Messenger) JoinGroup(groupID string) error {
	topic, err := message.GroupTopic(m.cfg.Prefix, groupID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.groups[groupID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	sub, err := m.fab.Subscribe(topic)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.groups[groupID]; ok {
		m.mu.Unlock()
		sub.Cancel()
		return nil
	}
	m.groups[groupID] = sub
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readGroup(groupID, sub)
	return nil
}

func (m *Messenger) LeaveGroup(groupID string) error {
	m.mu.Lock()
	sub, ok := m.groups[groupID]
	delete(m.groups, groupID)
	m.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	sub.Cancel()
	return nil
}

// Groups lists the joined group ids.
func (m *Messenger) Groups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.groups))
	for id := range m.groups {
		out = append(out, id)
	}
	return out
}

func (m *Messenger) leaveAll() {
	m.mu.Lock()
	groups, rooms := m.groups, m.rooms
	m.groups = make(map[string]Subscription)
	m.rooms = make(map[string]Subscription)
	m.mu.Unlock()
	for _, s := range groups {
		s.Cancel()
	}
	for _, s := range rooms {
		s.Cancel()
	}
}

func (m *Messenger) readGroup(groupID string, sub Subscription) {
	defer m.wg.Done()
	for gm := range sub.Messages() {
		// own messages never come back through gossip, but a second
		// node sharing the identity would
		if gm.From == m.self {
			continue
		}
		env, err := message.DecodeGroup(gm.Data)
		if err != nil {
			m.log.Warn().Err(err).Str("peer", gm.From.Short()).Str("group", groupID).Msg("undecodable group message")
			continue
		}
		if env.GroupID != groupID {
			m.log.Warn().Str("peer", gm.From.Short()).Str("group", groupID).Msg("group id mismatch")
			continue
		}
		rcv, err := message.NewReceivedGroup(gm.From, env)
		if err != nil {
			continue
		}
		m.emit(Event{Kind: EventGroup, Message: rcv})
	}
}

// SendGroup publishes b to a joined group.
func (m *Messenger) SendGroup(ctx context.Context, groupID string, b message.Body) (message.GroupEnvelope, error) {
	m.mu.Lock()
	_, joined := m.groups[groupID]
	m.mu.Unlock()
	if !joined {
		return message.GroupEnvelope{}, ErrNotJoined
	}
	topic, err := message.GroupTopic(m.cfg.Prefix, groupID)
	if err != nil {
		return message.GroupEnvelope{}, err
	}
	env, err := message.NewGroupEnvelope(groupID, b)
	if err != nil {
		return message.GroupEnvelope{}, err
	}
	data, err := message.EncodeGroup(env)
	if err != nil {
		return message.GroupEnvelope{}, err
	}
	return env, m.fab.Publish(ctx, topic, data)
}
