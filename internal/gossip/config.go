package gossip

import (
	"strings"
	"time"
)

// Config holds mesh and dedup parameters.
type Config struct {
	// Mesh degree: target D, graft below Dlo, prune above Dhi.
	D   int
	Dlo int
	Dhi int

	HeartbeatInterval time.Duration

	// SeenTTL bounds the dedup window. Presence topics use the shorter
	// PresenceSeenTTL so a silent peer's next heartbeat is never mistaken
	// for a duplicate.
	SeenTTL         time.Duration
	PresenceSeenTTL time.Duration
	SeenCapacity    int

	// AnnounceEvery re-sends local subscriptions every N heartbeats.
	AnnounceEvery int

	SubscriptionBuffer int
}

func DefaultConfig() Config {
	return Config{
		D:                  6,
		Dlo:                4,
		Dhi:                12,
		HeartbeatInterval:  time.Second,
		SeenTTL:            2 * time.Minute,
		PresenceSeenTTL:    75 * time.Second,
		SeenCapacity:       10000,
		AnnounceEvery:      30,
		SubscriptionBuffer: 256,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.D <= 0 {
		c.D = def.D
	}
	if c.Dlo <= 0 || c.Dlo > c.D {
		c.Dlo = min(def.Dlo, c.D)
	}
	if c.Dhi < c.D {
		c.Dhi = max(def.Dhi, c.D)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.SeenTTL <= 0 {
		c.SeenTTL = def.SeenTTL
	}
	if c.PresenceSeenTTL <= 0 {
		c.PresenceSeenTTL = def.PresenceSeenTTL
	}
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = def.SeenCapacity
	}
	if c.AnnounceEvery <= 0 {
		c.AnnounceEvery = def.AnnounceEvery
	}
	if c.SubscriptionBuffer <= 0 {
		c.SubscriptionBuffer = def.SubscriptionBuffer
	}
}

func (c *Config) seenTTL(topic string) time.Duration {
	if strings.Contains(topic, "-presence-inbox:") {
		return c.PresenceSeenTTL
	}
	return c.SeenTTL
}
