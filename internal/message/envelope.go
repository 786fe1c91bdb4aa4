package message

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"six7-fabric/internal/identity"
)

var (
	ErrTooLarge    = errors.New("message: payload too large")
	ErrVersion     = errors.New("message: unsupported version")
	ErrMalformed   = errors.New("message: malformed payload")
	ErrUnknownKind = errors.New("message: unknown message type")
	ErrNoSender    = errors.New("message: missing verified sender")
)

// Envelope is a direct message. The sender is never part of it; see
// Received.
type Envelope struct {
	ID          string `cbor:"id"`
	Content     string `cbor:"content"`
	Timestamp   int64  `cbor:"timestamp"`
	MessageType Kind   `cbor:"messageType"`
}

// GroupEnvelope is an envelope published on a group topic.
type GroupEnvelope struct {
	ID          string `cbor:"id"`
	Content     string `cbor:"content"`
	Timestamp   int64  `cbor:"timestamp"`
	MessageType Kind   `cbor:"messageType"`
	GroupID     string `cbor:"groupId"`
}

// AckResponse is the receiver's answer to a direct message.
type AckResponse struct {
	Ack bool `cbor:"ack"`
}

// NewEnvelope wraps b with a fresh UUID v4 and the current time.
func NewEnvelope(b Body) (Envelope, error) {
	return newEnvelopeAt(b, time.Now())
}

func newEnvelopeAt(b Body, now time.Time) (Envelope, error) {
	if b == nil || !b.Kind().Valid() {
		return Envelope{}, ErrUnknownKind
	}
	c, err := b.content()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:          uuid.NewString(),
		Content:     c,
		Timestamp:   now.UnixMilli(),
		MessageType: b.Kind(),
	}, nil
}

// NewGroupEnvelope wraps b for the group topic of groupID.
func NewGroupEnvelope(groupID string, b Body) (GroupEnvelope, error) {
	if err := ValidateGroupID(groupID); err != nil {
		return GroupEnvelope{}, err
	}
	e, err := NewEnvelope(b)
	if err != nil {
		return GroupEnvelope{}, err
	}
	return e.InGroup(groupID), nil
}

func (e Envelope) InGroup(groupID string) GroupEnvelope {
	return GroupEnvelope{
		ID:          e.ID,
		Content:     e.Content,
		Timestamp:   e.Timestamp,
		MessageType: e.MessageType,
		GroupID:     groupID,
	}
}

func (g GroupEnvelope) Envelope() Envelope {
	return Envelope{ID: g.ID, Content: g.Content, Timestamp: g.Timestamp, MessageType: g.MessageType}
}

func (e Envelope) Time() time.Time { return time.UnixMilli(e.Timestamp) }

func (e Envelope) validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty id", ErrMalformed)
	}
	if !e.MessageType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.MessageType)
	}
	return nil
}

// Body parses Content according to MessageType.
func (e Envelope) Body() (Body, error) {
	switch e.MessageType {
	case KindText:
		return Text{Text: e.Content}, nil

	case KindImage, KindVideo, KindAudio, KindDocument:
		var m Media
		if err := parseJSON(e.Content, &m); err != nil {
			return nil, err
		}
		m.MediaKind = e.MessageType
		return m, nil

	case KindLocation:
		var l Location
		if err := parseJSON(e.Content, &l); err != nil {
			return nil, err
		}
		return l, nil

	case KindContact:
		var c Contact
		if err := parseJSON(e.Content, &c); err != nil {
			return nil, err
		}
		if err := ValidateIdentity(c.PeerID); err != nil {
			return nil, err
		}
		return c, nil

	case KindGroupInvite:
		var g GroupInvite
		if err := parseJSON(e.Content, &g); err != nil {
			return nil, err
		}
		if err := ValidateGroupID(g.GroupID); err != nil {
			return nil, err
		}
		return g, nil

	case KindContactRequest:
		return ContactRequest{DisplayName: e.Content}, nil

	case KindContactAccepted:
		return ContactAccepted{DisplayName: e.Content}, nil

	case KindVibe:
		var v Vibe
		if err := parseJSON(e.Content, &v); err != nil {
			return nil, err
		}
		if err := v.validate(); err != nil {
			return nil, err
		}
		return v, nil

	case KindReadReceipt:
		var ids []string
		for _, id := range strings.Split(e.Content, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		return ReadReceipt{MessageIDs: ids}, nil

	case KindProfileUpdate:
		var p ProfileUpdate
		if err := parseJSON(e.Content, &p); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.MessageType)
	}
}

// Received is an envelope bound to the verified identity that delivered
// it. It can only be built with a non-zero sender.
type Received struct {
	from    identity.PeerID
	env     Envelope
	groupID string
}

func NewReceived(from identity.PeerID, env Envelope) (Received, error) {
	if from.IsZero() {
		return Received{}, ErrNoSender
	}
	return Received{from: from, env: env}, nil
}

func NewReceivedGroup(from identity.PeerID, env GroupEnvelope) (Received, error) {
	r, err := NewReceived(from, env.Envelope())
	if err != nil {
		return Received{}, err
	}
	r.groupID = env.GroupID
	return r, nil
}

func (r Received) From() identity.PeerID { return r.from }
func (r Received) Envelope() Envelope    { return r.env }
func (r Received) GroupID() string       { return r.groupID }
func (r Received) IsGroup() bool         { return r.groupID != "" }
func (r Received) Body() (Body, error)   { return r.env.Body() }
