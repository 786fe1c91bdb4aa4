package fabric

import (
	"context"

	"six7-fabric/internal/gossip"
)

// Publish broadcasts data on topic.
func (f *Fabric) Publish(ctx context.Context, topic string, data []byte) error {
	if !f.started.Load() {
		return ErrNotStarted
	}
	return f.router.Publish(ctx, topic, data)
}

// Subscribe yields every message published on topic by other peers until
// the subscription is cancelled. Subscribing again restarts delivery.
func (f *Fabric) Subscribe(topic string) (*gossip.Subscription, error) {
	return f.router.Subscribe(topic)
}
