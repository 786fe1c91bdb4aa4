package fabric

import (
	"context"
	"errors"
	"time"

	"six7-fabric/internal/dht"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/transport"
)

func (f *Fabric) startLoops() {
	f.goLoop(f.router.Run)
	f.goLoop(func(ctx context.Context) { f.dht.RunBucketRefresh(ctx, f.sender) })
	f.goLoop(func(ctx context.Context) { f.dht.RunRecordMaintenance(ctx, f.sender) })
	f.goLoop(f.presence.RunSweep)
	f.goLoop(func(ctx context.Context) {
		f.presence.RunHeartbeat(ctx, f.tr.AdvertisedAddrs, f.publishHeartbeat)
	})
	f.goLoop(f.expandLoop)
}

// expandLoop grows the peer set with random-target lookups while this
// node has fewer than MinPeers connections.
func (f *Fabric) expandLoop(ctx context.Context) {
	t := f.clock.Ticker(f.cfg.ExpandInterval)
	defer t.Stop()

	published := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		n := len(f.tr.Conns())
		if n == 0 {
			continue
		}
		if !published {
			// the first connection makes the peer record reachable
			if err := f.dht.PublishPeerRecord(ctx, f.sender); err == nil {
				published = true
			}
		}
		if n >= f.cfg.MinPeers {
			continue
		}
		f.expandOnce(ctx)
	}
}

func (f *Fabric) expandOnce(ctx context.Context) int {
	nodes, err := f.dht.IterativeFindNode(ctx, f.sender, dht.RandomNodeID(), f.dht.DefaultLookup())
	var lerr *dht.LookupError
	if err != nil && !errors.As(err, &lerr) {
		return 0
	}
	dialed := 0
	for _, nd := range nodes {
		if len(f.tr.Conns())+dialed >= f.cfg.MinPeers {
			break
		}
		pid, err := identity.ParsePeerID(nd.PeerID)
		if err != nil || pid == f.id.PeerID() || f.tr.ConnTo(pid) != nil {
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err = f.tr.Dial(dctx, pid, nd.Addrs, transport.DirectOnly())
		cancel()
		if err == nil {
			dialed++
		}
	}
	return dialed
}
