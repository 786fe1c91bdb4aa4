package gossip

import (
	"sync"

	"six7-fabric/internal/identity"
)

// Message is one delivered publication. From is the verified origin, not
// the neighbour that forwarded it.
type Message struct {
	ID        string
	Topic     string
	From      identity.PeerID
	Seq       uint64
	Timestamp int64 // unix ms
	Data      []byte
}

// Subscription delivers a topic's messages until Cancel is called.
// Subscribing to the same topic again starts a fresh stream.
type Subscription struct {
	id    uint64
	topic string
	ch    chan Message

	once   sync.Once
	cancel func()
}

func (s *Subscription) Topic() string { return s.topic }

// Messages is closed after Cancel or when the router shuts down.
func (s *Subscription) Messages() <-chan Message { return s.ch }

func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}
