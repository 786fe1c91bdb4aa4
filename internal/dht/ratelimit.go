package dht

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"six7-fabric/internal/identity"
)

// peerLimiter holds one token bucket per remote peer. Idle buckets expire.
type peerLimiter struct {
	limit rate.Limit
	burst int
	cache *expirable.LRU[identity.PeerID, *rate.Limiter]
}

func newPeerLimiter(perSecond float64, burst int) *peerLimiter {
	return &peerLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		cache: expirable.NewLRU[identity.PeerID, *rate.Limiter](4096, nil, 10*time.Minute),
	}
}

func (p *peerLimiter) allow(id identity.PeerID) bool {
	l, ok := p.cache.Get(id)
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.cache.Add(id, l)
	}
	return l.Allow()
}
