package fabric

// Metrics receives fabric-level events. Implementations must be
// thread-safe.
type Metrics interface {
	PeerConnected()
	PeerDisconnected()
	DirectSent(outcome string)
	DirectReceived(accepted bool)
	GossipQueueDrop()
	PresenceTransition(state string)
}

// NoopMetrics is the default.
type NoopMetrics struct{}

func (NoopMetrics) PeerConnected()            {}
func (NoopMetrics) PeerDisconnected()         {}
func (NoopMetrics) DirectSent(string)         {}
func (NoopMetrics) DirectReceived(bool)       {}
func (NoopMetrics) GossipQueueDrop()          {}
func (NoopMetrics) PresenceTransition(string) {}
