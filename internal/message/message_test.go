package message

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"six7-fabric/internal/identity"
)

const testGroup = "6f1c2a3b-4d5e-4f60-8a7b-9c0d1e2f3a4b"

func testPeerHex(t *testing.T) string {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.PeerID().String()
}

func sampleBody(t *testing.T, k Kind) Body {
	switch k {
	case KindText:
		return Text{Text: "hi"}
	case KindImage, KindVideo, KindAudio, KindDocument:
		return Media{MediaKind: k, Name: "f", MimeType: "application/octet-stream", Size: 42, URL: "https://example.invalid/f"}
	case KindLocation:
		return Location{Latitude: 52.52, Longitude: 13.405, Label: "Berlin"}
	case KindContact:
		return Contact{PeerID: testPeerHex(t), Name: "bob"}
	case KindGroupInvite:
		creator := testPeerHex(t)
		return GroupInvite{
			GroupID:     testGroup,
			Name:        "friends",
			Description: "d",
			MemberIDs:   []string{creator},
			MemberNames: map[string]string{creator: "alice"},
			CreatorID:   creator,
			CreatedAtMs: 1_700_000_000_000,
		}
	case KindContactRequest:
		return ContactRequest{DisplayName: "alice"}
	case KindContactAccepted:
		return ContactAccepted{DisplayName: "bob"}
	case KindVibe:
		return Vibe{Phase: VibeCommitment, VibeID: "v1", Commitment: strings.Repeat("ab", 32)}
	case KindReadReceipt:
		return ReadReceipt{MessageIDs: []string{"m1", "m2"}}
	case KindProfileUpdate:
		return ProfileUpdate{DisplayName: "alice", Status: "here"}
	}
	t.Fatalf("no sample for kind %q", k)
	return nil
}

func TestRoundTripEveryKind(t *testing.T) {
	for _, k := range AllKinds {
		t.Run(string(k), func(t *testing.T) {
			body := sampleBody(t, k)
			env, err := NewEnvelope(body)
			require.NoError(t, err)
			require.Equal(t, k, env.MessageType)
			_, err = uuid.Parse(env.ID)
			require.NoError(t, err)

			data, err := Encode(env)
			require.NoError(t, err)
			require.Equal(t, Version13, data[0])

			got, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, env, got)

			again, err := Encode(got)
			require.NoError(t, err)
			require.True(t, bytes.Equal(data, again), "canonical encoding is stable")

			gotBody, err := got.Body()
			require.NoError(t, err)
			require.Equal(t, body, gotBody)
		})
	}
}

func TestGroupEnvelopeScenario(t *testing.T) {
	g := GroupEnvelope{ID: "m1", Content: "hi", Timestamp: 1_700_000_000_123, MessageType: KindText, GroupID: testGroup}
	data, err := EncodeGroup(g)
	require.NoError(t, err)

	got, err := DecodeGroup(data)
	require.NoError(t, err)
	require.Equal(t, g, got)

	from, err := identity.Generate()
	require.NoError(t, err)
	r, err := NewReceivedGroup(from.PeerID(), got)
	require.NoError(t, err)
	require.Equal(t, from.PeerID(), r.From())
	require.Equal(t, testGroup, r.GroupID())
	require.True(t, r.IsGroup())
}

func TestDecodeRejectsOversizedBeforeParsing(t *testing.T) {
	data := make([]byte, MaxSize+1)
	data[0] = 0xff // neither the version nor valid cbor
	_, err := Decode(data)
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = DecodeGroup(data)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestEncodeRejectsOversized(t *testing.T) {
	env, err := NewEnvelope(Text{Text: strings.Repeat("x", MaxSize)})
	require.NoError(t, err)
	_, err = Encode(env)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	env, err := NewEnvelope(Text{Text: "hi"})
	require.NoError(t, err)
	data, err := Encode(env)
	require.NoError(t, err)
	data[0] = 0x12
	_, err = Decode(data)
	require.ErrorIs(t, err, ErrVersion)

	_, err = Decode(nil)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeIsStrict(t *testing.T) {
	extra := map[string]any{
		"id":          "m1",
		"content":     "hi",
		"timestamp":   int64(1),
		"messageType": "text",
		"sender":      "forged",
	}
	b, err := cbor.Marshal(extra)
	require.NoError(t, err)
	_, err = Decode(append([]byte{Version13}, b...))
	require.ErrorIs(t, err, ErrMalformed)

	unknown := map[string]any{"id": "m1", "content": "hi", "timestamp": int64(1), "messageType": "sticker"}
	b, err = cbor.Marshal(unknown)
	require.NoError(t, err)
	_, err = Decode(append([]byte{Version13}, b...))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestBodyRejectsBadContent(t *testing.T) {
	_, err := Envelope{ID: "x", MessageType: KindLocation, Content: `{"latitude":1,"extra":2}`}.Body()
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Envelope{ID: "x", MessageType: KindGroupInvite, Content: `{"groupId":"nope"}`}.Body()
	require.ErrorIs(t, err, ErrInvalidGroupID)

	_, err = Envelope{ID: "x", MessageType: KindVibe, Content: `{"type":"reveal","vibeId":"v"}`}.Body()
	require.ErrorIs(t, err, ErrMalformed)

	_, err = NewEnvelope(Media{MediaKind: KindText})
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestReadReceiptContent(t *testing.T) {
	env, err := NewEnvelope(ReadReceipt{MessageIDs: []string{"a", "b", "c"}})
	require.NoError(t, err)
	require.Equal(t, "a,b,c", env.Content)

	_, err = NewEnvelope(ReadReceipt{MessageIDs: []string{"a,b"}})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestAckRoundTrip(t *testing.T) {
	data, err := EncodeAck(AckResponse{Ack: true})
	require.NoError(t, err)
	a, err := DecodeAck(data)
	require.NoError(t, err)
	require.True(t, a.Ack)
}

func TestReceivedRequiresSender(t *testing.T) {
	env, err := NewEnvelope(Text{Text: "hi"})
	require.NoError(t, err)
	_, err = NewReceived(identity.PeerID{}, env)
	require.ErrorIs(t, err, ErrNoSender)
}

func TestTopics(t *testing.T) {
	gt, err := GroupTopic(DefaultPrefix, testGroup)
	require.NoError(t, err)
	require.Equal(t, "six7-group:"+testGroup, gt)
	id, ok := ParseGroupTopic(DefaultPrefix, gt)
	require.True(t, ok)
	require.Equal(t, testGroup, id)

	_, err = GroupTopic(DefaultPrefix, "g1")
	require.ErrorIs(t, err, ErrInvalidGroupID)

	peer := testPeerHex(t)
	pt, err := PresenceTopic(DefaultPrefix, peer)
	require.NoError(t, err)
	require.Equal(t, "six7-presence-inbox:"+peer, pt)
	_, err = PresenceTopic(DefaultPrefix, peer[:63])
	require.ErrorIs(t, err, ErrInvalidIdentity)

	require.Equal(t, "six7-vibes-v1", VibesTopic(DefaultPrefix))
	_, err = GroupTopic(strings.Repeat("p", 250), testGroup)
	require.ErrorIs(t, err, ErrInvalidTopic)
}

func TestRoomTopic(t *testing.T) {
	rt, err := RoomTopic(DefaultPrefix, "Lobby")
	require.NoError(t, err)
	require.Equal(t, "six7-chat:lobby", rt)

	for _, bad := range []string{"", "a b", "x/y", strings.Repeat("r", 65)} {
		_, err := RoomTopic(DefaultPrefix, bad)
		require.ErrorIs(t, err, ErrInvalidRoom, bad)
	}
	require.NoError(t, ValidateRoom("dev_team-2.0"))
}

func TestSanitizeText(t *testing.T) {
	require.Equal(t, "a\nb\tc", SanitizeText("a\nb\tc\x1b\x00"))
	require.Equal(t, "[31mred", SanitizeText("\x1b[31mred"))
}

func TestEnvelopeTime(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	env, err := newEnvelopeAt(Text{Text: "x"}, now)
	require.NoError(t, err)
	require.Equal(t, now, env.Time())
}
