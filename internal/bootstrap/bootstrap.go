// Package bootstrap parses bootstrap strings and gathers the first peers a
// node dials on startup.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"six7-fabric/internal/identity"
)

var ErrMalformed = errors.New("bootstrap: malformed bootstrap string")

// Entry is a peer worth dialing together with the identity the dial must
// authenticate.
type Entry struct {
	Peer  identity.PeerID
	Addrs []string
}

// String renders the entry's first address in bootstrap form.
func (e Entry) String() string {
	if len(e.Addrs) == 0 {
		return e.Peer.String()
	}
	return Format(e.Addrs[0], e.Peer)
}

// Format renders "<host>:<port>/<64hex>".
func Format(addr string, p identity.PeerID) string {
	return addr + "/" + p.String()
}

// Parse accepts "<host>:<port>/<64hex>".
func Parse(s string) (Entry, error) {
	s = strings.TrimSpace(s)
	i := strings.LastIndexByte(s, '/')
	if i <= 0 {
		return Entry{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	addr, hexID := s[:i], s[i+1:]

	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return Entry{}, fmt.Errorf("%w: bad address %q", ErrMalformed, addr)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return Entry{}, fmt.Errorf("%w: bad port %q", ErrMalformed, port)
	}
	p, err := identity.ParsePeerID(hexID)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Entry{Peer: p, Addrs: []string{addr}}, nil
}

// ParseList parses every string and reports all failures at once.
func ParseList(ss []string) ([]Entry, error) {
	var (
		out  []Entry
		errs error
	)
	for _, s := range ss {
		if strings.TrimSpace(s) == "" {
			continue
		}
		e, err := Parse(s)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out = append(out, e)
	}
	return out, errs
}

type Config struct {
	MaxConnectPerRound int
	PerAddrTimeout     time.Duration
	Parallel           int
}

func DefaultConfig() Config {
	return Config{
		MaxConnectPerRound: 12,
		PerAddrTimeout:     5 * time.Second,
		Parallel:           4,
	}
}

// DialFunc connects to one entry.
type DialFunc func(ctx context.Context, e Entry) error

// RunOnce gathers candidates from sources and dials them. It returns how
// many dials succeeded.
func RunOnce(ctx context.Context, dial DialFunc, cfg Config, log zerolog.Logger, sources ...PeerSource) int {
	def := DefaultConfig()
	if cfg.MaxConnectPerRound <= 0 {
		cfg.MaxConnectPerRound = def.MaxConnectPerRound
	}
	if cfg.PerAddrTimeout <= 0 {
		cfg.PerAddrTimeout = def.PerAddrTimeout
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = def.Parallel
	}

	cands := Merge(gather(ctx, log, sources))

	// Shuffle so that nodes sharing a seed list spread their first dials.
	rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
	if len(cands) > cfg.MaxConnectPerRound {
		cands = cands[:cfg.MaxConnectPerRound]
	}

	var (
		g  errgroup.Group
		ok atomic.Int32
	)
	g.SetLimit(cfg.Parallel)
	for _, e := range cands {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, cfg.PerAddrTimeout)
			defer cancel()
			if err := dial(dctx, e); err != nil {
				log.Debug().Err(err).Str("peer", e.Peer.Short()).Msg("bootstrap dial failed")
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load())
}

func gather(ctx context.Context, log zerolog.Logger, sources []PeerSource) []Entry {
	var out []Entry
	for _, s := range sources {
		es, err := s.Discover(ctx)
		if err != nil {
			log.Warn().Err(err).Str("source", s.Name()).Msg("bootstrap source failed")
			continue
		}
		out = append(out, es...)
	}
	return out
}

// Merge folds entries for the same peer together, keeping address order
// and dropping duplicates.
func Merge(in []Entry) []Entry {
	idx := make(map[identity.PeerID]int, len(in))
	out := make([]Entry, 0, len(in))
	for _, e := range in {
		i, ok := idx[e.Peer]
		if !ok {
			idx[e.Peer] = len(out)
			out = append(out, Entry{Peer: e.Peer})
			i = len(out) - 1
		}
		for _, a := range e.Addrs {
			if !contains(out[i].Addrs, a) {
				out[i].Addrs = append(out[i].Addrs, a)
			}
		}
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
