package message

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/proto"
)

const (
	DefaultPrefix = "six7"
	DefaultRoom   = "lobby"

	GroupIDLength  = 36
	IdentityLength = 64
)

var (
	ErrInvalidTopic    = errors.New("message: invalid topic")
	ErrInvalidGroupID  = errors.New("message: invalid group id")
	ErrInvalidIdentity = errors.New("message: invalid identity")
	ErrInvalidRoom     = errors.New("message: invalid room")
)

const maxRoomLength = 64

func ValidateTopic(topic string) error {
	if topic == "" || utf8.RuneCountInString(topic) > proto.MaxTopicLength {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateGroupID accepts canonical 36-character UUIDs only.
func ValidateGroupID(id string) error {
	if len(id) != GroupIDLength {
		return fmt.Errorf("%w: length %d", ErrInvalidGroupID, len(id))
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGroupID, err)
	}
	return nil
}

func ValidateIdentity(hexID string) error {
	if len(hexID) != IdentityLength {
		return fmt.Errorf("%w: length %d", ErrInvalidIdentity, len(hexID))
	}
	if _, err := identity.ParsePeerID(hexID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return nil
}

func GroupTopic(prefix, groupID string) (string, error) {
	if err := ValidateGroupID(groupID); err != nil {
		return "", err
	}
	t := prefix + "-group:" + groupID
	return t, ValidateTopic(t)
}

// ParseGroupTopic returns the group id of a group topic.
func ParseGroupTopic(prefix, topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, prefix+"-group:")
	if !ok || ValidateGroupID(id) != nil {
		return "", false
	}
	return id, true
}

// ValidateRoom accepts short names of letters, digits, '-', '_' and '.'.
func ValidateRoom(room string) error {
	if room == "" || utf8.RuneCountInString(room) > maxRoomLength {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	for _, r := range room {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("-_.", r) {
			return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
		}
	}
	return nil
}

// RoomTopic is the open chat topic of a named room. Room messages are
// plain envelopes that anyone on the topic may read.
func RoomTopic(prefix, room string) (string, error) {
	if err := ValidateRoom(room); err != nil {
		return "", err
	}
	t := prefix + "-chat:" + strings.ToLower(room)
	return t, ValidateTopic(t)
}

func PresenceTopic(prefix, identityHex string) (string, error) {
	if err := ValidateIdentity(identityHex); err != nil {
		return "", err
	}
	t := prefix + "-presence-inbox:" + strings.ToLower(identityHex)
	return t, ValidateTopic(t)
}

func VibesTopic(prefix string) string {
	return prefix + "-vibes-v1"
}

// SanitizeText strips control characters other than newline and tab.
func SanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, s)
}
