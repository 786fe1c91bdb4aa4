package dht

import (
	"context"
)

// RunBucketRefresh looks up a random id inside every bucket that has not
// been refreshed for RefreshInterval. It returns when ctx is done.
func (d *DHT) RunBucketRefresh(ctx context.Context, n Sender) {
	t := d.clock.Ticker(d.cfg.RefreshInterval / 4)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.RefreshBuckets(ctx, n)
		}
	}
}

// RefreshBuckets runs one refresh pass and returns the buckets it touched.
func (d *DHT) RefreshBuckets(ctx context.Context, n Sender) []int {
	stale := d.rt.StaleBuckets(d.cfg.RefreshInterval)
	for _, bi := range stale {
		if ctx.Err() != nil {
			return stale
		}
		target := RandomNodeIDInBucket(d.self, bi)
		_, _ = d.IterativeFindNode(ctx, n, target, d.lookupConfig())
		d.metrics.SetBucketOccupancy(bi, d.rt.BucketSize(bi))
	}
	d.metrics.SetRoutingTableSize(d.rt.Size())
	return stale
}

// Bootstrap seeds the table with a self lookup, which fills the buckets
// near this node.
func (d *DHT) Bootstrap(ctx context.Context, n Sender) error {
	_, err := d.IterativeFindNode(ctx, n, d.self, d.lookupConfig())
	return err
}
