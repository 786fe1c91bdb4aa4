package dht

import (
	"sort"
	"sync"
	"time"

	"six7-fabric/internal/identity"
)

// CachedPeer is a peer worth redialing after a restart.
type CachedPeer struct {
	PeerID       string    `json:"peer_id"`
	Addrs        []string  `json:"addrs"`
	LastSeen     time.Time `json:"last_seen"`
	LastSuccess  time.Time `json:"last_success"`
	FailureCount int       `json:"failures"`
}

// PeerCacheBackend persists cached peers.
type PeerCacheBackend interface {
	LoadPeers() ([]CachedPeer, error)
	SavePeer(p CachedPeer) error
	DeletePeer(peerID string) error
}

const maxCacheFailures = 10

// Store tracks contact outcomes per peer and writes them through to an
// optional backend.
type Store struct {
	backend PeerCacheBackend
	mu      sync.RWMutex
	nodes   map[string]*CachedPeer
}

// NewStore loads the backend's peers. A nil backend keeps the cache in
// memory only.
func NewStore(backend PeerCacheBackend) (*Store, error) {
	s := &Store{
		backend: backend,
		nodes:   make(map[string]*CachedPeer),
	}
	if backend == nil {
		return s, nil
	}
	recs, err := backend.LoadPeers()
	if err != nil {
		return nil, err
	}
	for i := range recs {
		r := recs[i]
		if _, err := identity.ParsePeerID(r.PeerID); err != nil || len(r.Addrs) == 0 {
			continue
		}
		s.nodes[r.PeerID] = &r
	}
	return s, nil
}

func (s *Store) NoteSuccess(id identity.PeerID, addrs []string) {
	now := time.Now()
	key := id.String()

	s.mu.Lock()
	r := s.nodes[key]
	if r == nil {
		r = &CachedPeer{PeerID: key}
		s.nodes[key] = r
	}
	r.Addrs = append([]string(nil), addrs...)
	r.LastSeen = now
	r.LastSuccess = now
	r.FailureCount = 0
	snap := *r
	s.mu.Unlock()

	if s.backend != nil {
		_ = s.backend.SavePeer(snap)
	}
}

func (s *Store) NoteFailure(id identity.PeerID) {
	now := time.Now()
	key := id.String()

	s.mu.Lock()
	r := s.nodes[key]
	if r == nil {
		s.mu.Unlock()
		return
	}
	r.LastSeen = now
	r.FailureCount++
	drop := r.FailureCount > maxCacheFailures
	if drop {
		delete(s.nodes, key)
	}
	snap := *r
	s.mu.Unlock()

	if s.backend == nil {
		return
	}
	if drop {
		_ = s.backend.DeletePeer(key)
		return
	}
	_ = s.backend.SavePeer(snap)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Candidates returns best peers to try first.
func (s *Store) Candidates(maxFailures int, limit int) []CachedPeer {
	s.mu.RLock()
	cs := make([]CachedPeer, 0, len(s.nodes))
	for _, r := range s.nodes {
		if r == nil || len(r.Addrs) == 0 {
			continue
		}
		if r.FailureCount > maxFailures {
			continue
		}
		c := *r
		c.Addrs = append([]string(nil), r.Addrs...)
		cs = append(cs, c)
	}
	s.mu.RUnlock()

	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].LastSuccess.Equal(cs[j].LastSuccess) {
			return cs[i].LastSuccess.After(cs[j].LastSuccess)
		}
		return cs[i].FailureCount < cs[j].FailureCount
	})

	if limit > 0 && len(cs) > limit {
		cs = cs[:limit]
	}
	return cs
}
