package bootstrap

import (
	"context"

	"six7-fabric/internal/dht"
)

type StaticSource struct {
	Entries []Entry
	Label   string
}

func (s StaticSource) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "static"
}

func (s StaticSource) Discover(ctx context.Context) ([]Entry, error) {
	out := make([]Entry, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = Entry{Peer: e.Peer, Addrs: append([]string(nil), e.Addrs...)}
	}
	return out, nil
}

// CacheSource yields peers remembered from earlier runs.
type CacheSource struct {
	Store       *dht.Store
	MaxFailures int
	Limit       int
}

func (s CacheSource) Name() string { return "peercache" }

func (s CacheSource) Discover(ctx context.Context) ([]Entry, error) {
	if s.Store == nil {
		return nil, nil
	}
	cs := s.Store.Candidates(s.MaxFailures, s.Limit)
	out := make([]Entry, 0, len(cs))
	for _, c := range cs {
		e, err := entryFromCache(c)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
