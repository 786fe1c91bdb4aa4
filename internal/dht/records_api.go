package dht

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"six7-fabric/internal/proto"
)

func (d *DHT) PutImmutable(ctx context.Context, n Sender, value []byte, ttl time.Duration) ([32]byte, error) {
	key := KeyFromImmutable(value)
	now := d.clock.Now()

	rec := &proto.DHTRecord{
		Type:        RecordImmutable,
		Value:       value,
		CreatedUnix: now.Unix(),
	}
	if ttl > 0 {
		rec.ExpiresUnix = now.Add(ttl).Unix()
	}

	return key, d.PublishRecord(ctx, n, key, rec)
}

// PutMutable publishes value under sha256(pub || name), signed by this
// node's identity.
func (d *DHT) PutMutable(ctx context.Context, n Sender, name string, value []byte, seq uint64, ttl time.Duration) ([32]byte, error) {
	pub := d.id.PublicKey()
	key := KeyFromMutable(pub, name)
	now := d.clock.Now()

	rec := &proto.DHTRecord{
		Type:        RecordMutable,
		Name:        name,
		Value:       value,
		PubKey:      pub,
		Seq:         seq,
		CreatedUnix: now.Unix(),
	}
	if ttl > 0 {
		rec.ExpiresUnix = now.Add(ttl).Unix()
	}
	rec.Sig = SignMutable(d.id.PrivateKey(), key, rec.Seq, rec.ExpiresUnix, rec.Value)

	return key, d.PublishRecord(ctx, n, key, rec)
}

func (d *DHT) GetValue(ctx context.Context, n Sender, key [32]byte) (*proto.DHTRecord, error) {
	return d.IterativeFindValue(ctx, n, key, d.lookupConfig())
}

// PublishRecord stores rec locally and on the K closest nodes to key.
// Individual STORE failures are tolerated; the record is retried on the
// next republish.
func (d *DHT) PublishRecord(ctx context.Context, n Sender, key [32]byte, rec *proto.DHTRecord) error {
	// Validate before polluting local store
	if err := d.ValidateRecordAgainstKey(key, rec); err != nil {
		return err
	}

	now := d.clock.Now()
	if err := d.rs.Put(key, rec, now); err != nil {
		return err
	}

	// Mark as “owned” so maintenance can republish
	d.ownedMu.Lock()
	d.owned[key] = ownedRec{nextRepublish: now.Add(d.cfg.RepublishInterval)}
	d.ownedMu.Unlock()

	nodes, err := d.IterativeFindNode(ctx, n, NodeID(key), d.lookupConfig())
	var lerr *LookupError
	if err != nil && !errors.As(err, &lerr) {
		return err
	}
	if len(nodes) > d.cfg.K {
		nodes = nodes[:d.cfg.K]
	}

	var (
		g      errgroup.Group
		stored = make([]bool, len(nodes))
	)
	g.SetLimit(d.cfg.Alpha)
	for i, nd := range nodes {
		g.Go(func() error {
			w, err := d.QueryStore(ctx, n, nd, key, rec)
			if err != nil || w.Kind != proto.DHTStoreResult || !w.OK {
				d.log.Debug().Err(err).Str("peer", nd.PeerID[:8]).Str("reason", w.Error).Msg("store rejected")
				return nil
			}
			stored[i] = true
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, s := range stored {
		if s {
			ok++
		}
	}
	d.log.Debug().Str("key", KeyHex(key)[:16]).Int("stored", ok).Int("targets", len(nodes)).Msg("record published")
	return nil
}
