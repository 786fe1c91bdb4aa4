package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Body is the typed payload of an envelope. The set of implementations is
// closed; Envelope.Body switches over every Kind.
type Body interface {
	Kind() Kind
	content() (string, error)
}

type Text struct {
	Text string
}

func (Text) Kind() Kind                 { return KindText }
func (b Text) content() (string, error) { return b.Text, nil }

// Media describes an image, video, audio clip or document. Content is
// referenced, not inlined.
type Media struct {
	MediaKind Kind   `json:"-"`
	Name      string `json:"name,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Size      int64  `json:"size,omitempty"`
	URL       string `json:"url,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

func (b Media) Kind() Kind { return b.MediaKind }
func (b Media) content() (string, error) {
	if !b.MediaKind.isMedia() {
		return "", fmt.Errorf("%w: %q is not a media kind", ErrUnknownKind, b.MediaKind)
	}
	return jsonContent(b)
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

func (Location) Kind() Kind                 { return KindLocation }
func (b Location) content() (string, error) { return jsonContent(b) }

// Contact shares a third party's identity.
type Contact struct {
	PeerID string `json:"peerId"`
	Name   string `json:"name,omitempty"`
}

func (Contact) Kind() Kind                 { return KindContact }
func (b Contact) content() (string, error) { return jsonContent(b) }

// GroupInvite carries everything needed to join a group.
type GroupInvite struct {
	GroupID     string            `json:"groupId"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	MemberIDs   []string          `json:"memberIds"`
	MemberNames map[string]string `json:"memberNames"`
	CreatorID   string            `json:"creatorId"`
	CreatedAtMs int64             `json:"createdAtMs"`
}

func (GroupInvite) Kind() Kind { return KindGroupInvite }
func (b GroupInvite) content() (string, error) {
	if err := ValidateGroupID(b.GroupID); err != nil {
		return "", err
	}
	return jsonContent(b)
}

// ContactRequest asks to be added; the content is the sender's display name.
type ContactRequest struct {
	DisplayName string
}

func (ContactRequest) Kind() Kind                 { return KindContactRequest }
func (b ContactRequest) content() (string, error) { return b.DisplayName, nil }

type ContactAccepted struct {
	DisplayName string
}

func (ContactAccepted) Kind() Kind                 { return KindContactAccepted }
func (b ContactAccepted) content() (string, error) { return b.DisplayName, nil }

// ReadReceipt acknowledges display of earlier messages. Ids travel comma
// separated.
type ReadReceipt struct {
	MessageIDs []string
}

func (ReadReceipt) Kind() Kind { return KindReadReceipt }
func (b ReadReceipt) content() (string, error) {
	for _, id := range b.MessageIDs {
		if id == "" || strings.Contains(id, ",") {
			return "", fmt.Errorf("%w: bad message id %q", ErrMalformed, id)
		}
	}
	return strings.Join(b.MessageIDs, ","), nil
}

type ProfileUpdate struct {
	DisplayName string `json:"displayName"`
	Status      string `json:"status,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (ProfileUpdate) Kind() Kind                 { return KindProfileUpdate }
func (b ProfileUpdate) content() (string, error) { return jsonContent(b) }

// VibePhase is the commit-reveal step a Vibe payload belongs to.
type VibePhase string

const (
	VibeCommitment VibePhase = "commitment"
	VibeReveal     VibePhase = "reveal"
)

// Vibe is one phase of an anonymous commit-reveal match. Commitment is set
// on the first phase, Secret (hex) on the second.
type Vibe struct {
	Phase      VibePhase `json:"type"`
	VibeID     string    `json:"vibeId"`
	Commitment string    `json:"commitment,omitempty"`
	Secret     string    `json:"secret,omitempty"`
}

func (Vibe) Kind() Kind { return KindVibe }
func (b Vibe) content() (string, error) {
	if err := b.validate(); err != nil {
		return "", err
	}
	return jsonContent(b)
}

func (b Vibe) validate() error {
	if b.VibeID == "" {
		return fmt.Errorf("%w: vibe without id", ErrMalformed)
	}
	switch b.Phase {
	case VibeCommitment:
		if b.Commitment == "" || b.Secret != "" {
			return fmt.Errorf("%w: commitment phase", ErrMalformed)
		}
	case VibeReveal:
		if b.Secret == "" || b.Commitment != "" {
			return fmt.Errorf("%w: reveal phase", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: vibe phase %q", ErrMalformed, b.Phase)
	}
	return nil
}

func jsonContent(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("message: encode content: %w", err)
	}
	return string(b), nil
}

func parseJSON(content string, v any) error {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
