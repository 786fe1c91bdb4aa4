package fabric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/yamux"

	"six7-fabric/internal/dht"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
	"six7-fabric/internal/transport"
)

var (
	// ErrDeliveryUncertain means the request may or may not have reached
	// the peer's inbox. It is never retried automatically.
	ErrDeliveryUncertain = errors.New("fabric: delivery uncertain")
	ErrRejected          = errors.New("fabric: direct message rejected")
	ErrTooLarge          = errors.New("fabric: message too large")
	ErrSelf              = errors.New("fabric: send to self")
)

// Ack confirms that a direct message entered the peer's inbox.
type Ack struct {
	Peer identity.PeerID
	RTT  time.Duration
}

// DirectMessage is an inbound direct payload. From is the authenticated
// identity of the connection it arrived on.
type DirectMessage struct {
	From       identity.PeerID
	Data       []byte
	ReceivedAt time.Time
	Relayed    bool
}

func (f *Fabric) DirectMessages() <-chan DirectMessage { return f.inbox }

// SendDirect delivers data to one peer and waits up to AckTimeout for its
// acknowledgment.
func (f *Fabric) SendDirect(ctx context.Context, to identity.PeerID, data []byte) (Ack, error) {
	if !f.started.Load() {
		return Ack{}, ErrNotStarted
	}
	if len(data) > proto.MaxMessageSize {
		return Ack{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if to == f.id.PeerID() {
		return Ack{}, ErrSelf
	}

	c, err := f.connect(ctx, to)
	if err != nil {
		f.metrics.DirectSent("unreachable")
		return Ack{}, err
	}
	s, err := c.OpenStream(ctx, proto.StreamDirect)
	if err != nil {
		f.metrics.DirectSent("unreachable")
		return Ack{}, err
	}
	defer s.Close()

	start := time.Now()
	deadline := start.Add(f.cfg.AckTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = s.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	if err := proto.WriteFrame(s, proto.DirectRequest{Data: data}); err != nil {
		f.metrics.DirectSent("uncertain")
		return Ack{}, fmt.Errorf("%w: %v", ErrDeliveryUncertain, err)
	}
	var ack proto.DirectAck
	if err := proto.ReadFrame(s, &ack, 64); err != nil {
		f.metrics.DirectSent("uncertain")
		return Ack{}, fmt.Errorf("%w: %v", ErrDeliveryUncertain, err)
	}
	if !ack.OK {
		f.metrics.DirectSent("rejected")
		return Ack{}, ErrRejected
	}
	f.metrics.DirectSent("ok")
	return Ack{Peer: to, RTT: time.Since(start)}, nil
}

// connect returns the live connection to p, dialing through the full
// cascade with whatever addresses are known.
func (f *Fabric) connect(ctx context.Context, p identity.PeerID) (*transport.Conn, error) {
	if c := f.tr.ConnTo(p); c != nil {
		return c, nil
	}
	addrs := f.addrsFor(p)
	if len(addrs) == 0 {
		found, err := f.dht.FindPeer(ctx, f.sender, p)
		if err != nil && !errors.Is(err, dht.ErrNotFound) {
			var lerr *dht.LookupError
			if !errors.As(err, &lerr) {
				return nil, err
			}
		}
		addrs = found
	}
	// with no address the cascade can still punch or relay
	return f.tr.Dial(ctx, p, addrs)
}

func (f *Fabric) addrsFor(p identity.PeerID) []string {
	if kp, ok := f.known.Peek(p); ok && len(kp.Addrs) > 0 {
		return append([]string(nil), kp.Addrs...)
	}
	if rec, ok := f.dht.Routing().Get(p); ok && rec.State != dht.Dead {
		return rec.Addrs
	}
	return nil
}

// handleDirect acks a request only once it sits in the inbox. A full inbox
// gets no ack at all.
func (f *Fabric) handleDirect(c *transport.Conn, s *yamux.Stream) {
	defer s.Close()
	from := c.RemotePeer()
	_ = s.SetDeadline(time.Now().Add(f.cfg.AckTimeout))

	var req proto.DirectRequest
	if err := proto.ReadFrame(s, &req, proto.MaxFrameSize); err != nil {
		if !errors.Is(err, io.EOF) {
			f.log.Warn().Err(err).Str("peer", from.Short()).Msg("direct request decode failed")
		}
		return
	}
	if len(req.Data) == 0 || len(req.Data) > proto.MaxMessageSize {
		f.metrics.DirectReceived(false)
		_ = proto.WriteFrame(s, proto.DirectAck{OK: false})
		return
	}

	msg := DirectMessage{From: from, Data: req.Data, ReceivedAt: f.clock.Now(), Relayed: c.Relayed()}
	select {
	case f.inbox <- msg:
	default:
		f.metrics.DirectReceived(false)
		f.log.Warn().Str("peer", from.Short()).Msg("direct inbox full, not acking")
		return
	}
	f.metrics.DirectReceived(true)
	if err := proto.WriteFrame(s, proto.DirectAck{OK: true}); err != nil {
		f.log.Debug().Err(err).Str("peer", from.Short()).Msg("direct ack failed")
	}
}
