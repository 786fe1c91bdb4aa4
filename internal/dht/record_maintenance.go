package dht

import (
	"context"

	"six7-fabric/internal/proto"
)

// RunRecordMaintenance sweeps expired records and dead routing entries,
// republishes owned records, and keeps this node's peer record fresh.
// It returns when ctx is done.
func (d *DHT) RunRecordMaintenance(ctx context.Context, n Sender) {
	sweepT := d.clock.Ticker(d.cfg.SweepInterval)
	defer sweepT.Stop()

	repT := d.clock.Ticker(d.cfg.RepublishInterval)
	defer repT.Stop()

	peerT := d.clock.Ticker(d.cfg.PeerRecordInterval)
	defer peerT.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sweepT.C:
			now := d.clock.Now()
			recs := d.rs.SweepExpired(now)
			peers := d.rt.Sweep(d.cfg.EvictAfter)
			d.metrics.SetRoutingTableSize(d.rt.Size())
			if recs > 0 || peers > 0 {
				d.log.Debug().Int("records", recs).Int("peers", peers).Msg("swept")
			}

		case <-repT.C:
			d.republishOwned(ctx, n)

		case <-peerT.C:
			if err := d.PublishPeerRecord(ctx, n); err != nil {
				d.log.Debug().Err(err).Msg("peer record publish failed")
			}
		}
	}
}

func (d *DHT) republishOwned(ctx context.Context, n Sender) {
	now := d.clock.Now()

	// Snapshot keys to avoid holding lock while doing network IO
	d.ownedMu.Lock()
	keys := make([][32]byte, 0, len(d.owned))
	for k, st := range d.owned {
		if st.nextRepublish.IsZero() || !now.Before(st.nextRepublish) {
			keys = append(keys, k)
		}
	}
	d.ownedMu.Unlock()

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return
		}
		rec, ok := d.rs.Get(k, d.clock.Now())
		if !ok || rec == nil {
			d.ownedMu.Lock()
			delete(d.owned, k)
			d.ownedMu.Unlock()
			continue
		}

		if err := d.PublishRecord(ctx, n, k, rec); err != nil {
			d.log.Debug().Err(err).Str("key", KeyHex(k)[:16]).Msg("republish failed")
		}
	}
}

// PublishPeerRecord publishes this node's current addresses as a signed
// mutable record that FindPeer can fall back to.
func (d *DHT) PublishPeerRecord(ctx context.Context, n Sender) error {
	addrs := d.addrs()
	if len(addrs) == 0 {
		return nil
	}
	if len(addrs) > maxPeerRecordAddrs {
		addrs = addrs[:maxPeerRecordAddrs]
	}
	value, err := proto.Marshal(proto.PeerAddrs{Addrs: addrs})
	if err != nil {
		return err
	}

	d.peerSeqMu.Lock()
	seq := uint64(d.clock.Now().UnixNano())
	if seq <= d.peerSeq {
		seq = d.peerSeq + 1
	}
	d.peerSeq = seq
	d.peerSeqMu.Unlock()

	_, err = d.PutMutable(ctx, n, PeerRecordName, value, seq, d.cfg.PeerRecordTTL)
	return err
}
