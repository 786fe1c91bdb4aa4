package messenger

import (
	"context"
	"strings"

	"six7-fabric/internal/message"
)

// JoinRoom subscribes to an open chat room. Joining twice is a no-op.
func (m *Messenger) JoinRoom(room string) error {
	topic, err := message.RoomTopic(m.cfg.Prefix, room)
	if err != nil {
		return err
	}
	room = strings.ToLower(room)
	m.mu.Lock()
	_, ok := m.rooms[room]
	m.mu.Unlock()
	if ok {
		return nil
	}

	sub, err := m.fab.Subscribe(topic)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.rooms[room]; ok {
		m.mu.Unlock()
		sub.Cancel()
		return nil
	}
	m.rooms[room] = sub
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readRoom(room, sub)
	return nil
}

func (m *Messenger) LeaveRoom(room string) error {
	room = strings.ToLower(room)
	m.mu.Lock()
	sub, ok := m.rooms[room]
	delete(m.rooms, room)
	m.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	sub.Cancel()
	return nil
}

func (m *Messenger) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// Room is the room joined at Run, if any.
func (m *Messenger) Room() string { return strings.ToLower(m.cfg.Room) }

func (m *Messenger) readRoom(room string, sub Subscription) {
	defer m.wg.Done()
	for gm := range sub.Messages() {
		if gm.From == m.self {
			continue
		}
		env, err := message.Decode(gm.Data)
		if err != nil {
			m.log.Warn().Err(err).Str("peer", gm.From.Short()).Str("room", room).Msg("undecodable room message")
			continue
		}
		rcv, err := message.NewReceived(gm.From, env)
		if err != nil {
			continue
		}
		m.emit(Event{Kind: EventRoom, Message: rcv, Room: room})
	}
}

// SendRoom publishes text to a joined room.
func (m *Messenger) SendRoom(ctx context.Context, room, text string) (message.Envelope, error) {
	room = strings.ToLower(room)
	m.mu.Lock()
	_, joined := m.rooms[room]
	m.mu.Unlock()
	if !joined {
		return message.Envelope{}, ErrNotJoined
	}
	topic, err := message.RoomTopic(m.cfg.Prefix, room)
	if err != nil {
		return message.Envelope{}, err
	}
	env, err := message.NewEnvelope(message.Text{Text: text})
	if err != nil {
		return message.Envelope{}, err
	}
	data, err := message.Encode(env)
	if err != nil {
		return message.Envelope{}, err
	}
	return env, m.fab.Publish(ctx, topic, data)
}
