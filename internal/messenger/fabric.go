package messenger

import (
	"context"

	"six7-fabric/internal/fabric"
	"six7-fabric/internal/gossip"
	"six7-fabric/internal/identity"
)

// Subscription is a live topic subscription.
type Subscription interface {
	Messages() <-chan gossip.Message
	Cancel()
}

// Fabric is what the messenger needs from a node.
type Fabric interface {
	LocalIdentity() string
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string) (Subscription, error)
	SendDirect(ctx context.Context, to identity.PeerID, data []byte) (fabric.Ack, error)
	DirectMessages() <-chan fabric.DirectMessage
}

type node struct{ *fabric.Fabric }

func (n node) Subscribe(topic string) (Subscription, error) {
	s, err := n.Fabric.Subscribe(topic)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FromFabric adapts a running node.
func FromFabric(f *fabric.Fabric) Fabric { return node{f} }
