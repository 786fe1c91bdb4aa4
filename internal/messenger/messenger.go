// Package messenger is the typed messaging API: direct and group messages,
// contact flow, read receipts and vibe matching over a Fabric.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"six7-fabric/internal/fabric"
	"six7-fabric/internal/gossip"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/message"
	"six7-fabric/internal/vibe"
)

var (
	ErrNotJoined = errors.New("messenger: group or room not joined")
	ErrRunning   = errors.New("messenger: already running")
)

type Config struct {
	Prefix      string
	DisplayName string
	// Room is joined when Run starts; empty joins none.
	Room string
	// Vibe has no default timing; StartVibe fails until it is set.
	Vibe        vibe.Policy
	EventBuffer int
	// VibeRetention drops vibes idle for longer than this.
	VibeRetention time.Duration
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = message.DefaultPrefix
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.VibeRetention <= 0 {
		c.VibeRetention = time.Hour
	}
}

type EventKind int

const (
	EventDirect EventKind = iota
	EventGroup
	EventVibeMatch
	EventRoom
)

func (k EventKind) String() string {
	switch k {
	case EventDirect:
		return "direct"
	case EventGroup:
		return "group"
	case EventVibeMatch:
		return "vibe_match"
	case EventRoom:
		return "room"
	default:
		return "unknown"
	}
}

// Event is one decoded inbound event. Message carries the verified sender
// for direct, group and room events; Match and Peer are set for vibe
// matches.
type Event struct {
	Kind    EventKind
	Message message.Received
	Room    string
	Match   vibe.Match
	Peer    identity.PeerID
}

type Option func(*Messenger)

func WithClock(c clock.Clock) Option { return func(m *Messenger) { m.clock = c } }

type Messenger struct {
	fab   Fabric
	self  identity.PeerID
	cfg   Config
	log   zerolog.Logger
	clock clock.Clock
	book  *vibe.Book

	events chan Event

	mu       sync.Mutex
	groups   map[string]Subscription
	rooms    map[string]Subscription
	vibes    Subscription
	reported map[string]struct{}
	running  bool

	wg sync.WaitGroup
}

func New(f Fabric, cfg Config, log zerolog.Logger, opts ...Option) (*Messenger, error) {
	cfg.applyDefaults()
	self, err := identity.ParsePeerID(f.LocalIdentity())
	if err != nil {
		return nil, fmt.Errorf("messenger: local identity: %w", err)
	}
	m := &Messenger{
		fab:      f,
		self:     self,
		cfg:      cfg,
		log:      log.With().Str("component", "messenger").Logger(),
		clock:    clock.New(),
		events:   make(chan Event, cfg.EventBuffer),
		groups:   make(map[string]Subscription),
		rooms:    make(map[string]Subscription),
		reported: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.book = vibe.NewBook(cfg.Vibe, m.clock)
	return m, nil
}

func (m *Messenger) Events() <-chan Event { return m.events }

func (m *Messenger) Self() identity.PeerID { return m.self }

func (m *Messenger) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.log.Warn().Stringer("kind", e.Kind).Msg("event buffer full, dropping")
	}
}

// Run joins the configured room, then consumes direct messages and the
// vibes topic until ctx is done. Group and room subscriptions run on their
// own.
func (m *Messenger) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrRunning
	}
	m.running = true
	m.mu.Unlock()

	vibes, err := m.fab.Subscribe(message.VibesTopic(m.cfg.Prefix))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.vibes = vibes
	m.mu.Unlock()
	defer vibes.Cancel()

	if m.cfg.Room != "" {
		if err := m.JoinRoom(m.cfg.Room); err != nil {
			return err
		}
	}

	sweep := m.clock.Ticker(m.cfg.VibeRetention / 4)
	defer sweep.Stop()

	direct := m.fab.DirectMessages()
	for {
		select {
		case <-ctx.Done():
			m.leaveAll()
			m.wg.Wait()
			return ctx.Err()
		case dm, ok := <-direct:
			if !ok {
				direct = nil
				continue
			}
			m.handleDirect(dm)
		case gm, ok := <-vibes.Messages():
			if !ok {
				return gossip.ErrClosed
			}
			m.handleVibe(gm)
		case <-sweep.C:
			m.book.Sweep(m.cfg.VibeRetention)
		}
	}
}

func (m *Messenger) handleDirect(dm fabric.DirectMessage) {
	env, err := message.Decode(dm.Data)
	if err != nil {
		m.log.Warn().Err(err).Str("peer", dm.From.Short()).Msg("undecodable direct message")
		return
	}
	rcv, err := message.NewReceived(dm.From, env)
	if err != nil {
		return
	}
	m.emit(Event{Kind: EventDirect, Message: rcv})
}

// send encodes b and waits for the peer's ack.
func (m *Messenger) send(ctx context.Context, to identity.PeerID, b message.Body) (message.Envelope, error) {
	env, err := message.NewEnvelope(b)
	if err != nil {
		return message.Envelope{}, err
	}
	data, err := message.Encode(env)
	if err != nil {
		return message.Envelope{}, err
	}
	if _, err := m.fab.SendDirect(ctx, to, data); err != nil {
		return env, err
	}
	return env, nil
}

func (m *Messenger) SendText(ctx context.Context, to identity.PeerID, text string) (message.Envelope, error) {
	return m.send(ctx, to, message.Text{Text: text})
}

func (m *Messenger) SendMedia(ctx context.Context, to identity.PeerID, media message.Media) (message.Envelope, error) {
	return m.send(ctx, to, media)
}

func (m *Messenger) SendLocation(ctx context.Context, to identity.PeerID, loc message.Location) (message.Envelope, error) {
	return m.send(ctx, to, loc)
}

func (m *Messenger) SendContact(ctx context.Context, to identity.PeerID, c message.Contact) (message.Envelope, error) {
	if err := message.ValidateIdentity(c.PeerID); err != nil {
		return message.Envelope{}, err
	}
	return m.send(ctx, to, c)
}

// SendContactRequest asks to to add this node as a contact. An empty
// name falls back to the configured display name.
func (m *Messenger) SendContactRequest(ctx context.Context, to identity.PeerID, name string) (message.Envelope, error) {
	if name == "" {
		name = m.cfg.DisplayName
	}
	return m.send(ctx, to, message.ContactRequest{DisplayName: name})
}

func (m *Messenger) SendContactAccepted(ctx context.Context, to identity.PeerID, name string) (message.Envelope, error) {
	if name == "" {
		name = m.cfg.DisplayName
	}
	return m.send(ctx, to, message.ContactAccepted{DisplayName: name})
}

func (m *Messenger) SendReadReceipt(ctx context.Context, to identity.PeerID, ids []string) (message.Envelope, error) {
	if len(ids) == 0 {
		return message.Envelope{}, fmt.Errorf("%w: empty read receipt", message.ErrMalformed)
	}
	return m.send(ctx, to, message.ReadReceipt{MessageIDs: ids})
}

func (m *Messenger) SendGroupInvite(ctx context.Context, to identity.PeerID, inv message.GroupInvite) (message.Envelope, error) {
	if err := message.ValidateGroupID(inv.GroupID); err != nil {
		return message.Envelope{}, err
	}
	if inv.CreatorID == "" {
		inv.CreatorID = m.self.String()
	}
	if inv.CreatedAtMs == 0 {
		inv.CreatedAtMs = m.clock.Now().UnixMilli()
	}
	return m.send(ctx, to, inv)
}

func (m *Messenger) SendProfileUpdate(ctx context.Context, to identity.PeerID, p message.ProfileUpdate) (message.Envelope, error) {
	return m.send(ctx, to, p)
}
