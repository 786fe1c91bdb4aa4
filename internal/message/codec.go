package message

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"six7-fabric/internal/proto"
)

// Version13 prefixes every encoded payload of protocol version 1.3.
const Version13 byte = 0x13

// MaxSize is the ceiling for any encoded payload, version byte included.
const MaxSize = proto.MaxMessageSize

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("message: cbor enc mode: %v", err))
	}
	encMode = em

	// 1.3 is strict: unknown and duplicate fields are rejected.
	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   4,
		MaxArrayElements:  16,
		MaxMapPairs:       16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("message: cbor dec mode: %v", err))
	}
	decMode = dm
}

func encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("message: encode: %w", err)
	}
	out := make([]byte, 0, len(b)+1)
	out = append(out, Version13)
	out = append(out, b...)
	if len(out) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(out))
	}
	return out, nil
}

// decode checks the size ceiling before anything else is looked at.
func decode(data []byte, v any) error {
	if len(data) > MaxSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformed)
	}
	if data[0] != Version13 {
		return fmt.Errorf("%w: 0x%02x", ErrVersion, data[0])
	}
	if err := decMode.Unmarshal(data[1:], v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func Encode(e Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return encode(e)
}

func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := decode(data, &e); err != nil {
		return Envelope{}, err
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func EncodeGroup(g GroupEnvelope) ([]byte, error) {
	if err := g.Envelope().validate(); err != nil {
		return nil, err
	}
	if err := ValidateGroupID(g.GroupID); err != nil {
		return nil, err
	}
	return encode(g)
}

func DecodeGroup(data []byte) (GroupEnvelope, error) {
	var g GroupEnvelope
	if err := decode(data, &g); err != nil {
		return GroupEnvelope{}, err
	}
	if err := g.Envelope().validate(); err != nil {
		return GroupEnvelope{}, err
	}
	if err := ValidateGroupID(g.GroupID); err != nil {
		return GroupEnvelope{}, err
	}
	return g, nil
}

func EncodeAck(a AckResponse) ([]byte, error) { return encode(a) }

func DecodeAck(data []byte) (AckResponse, error) {
	var a AckResponse
	err := decode(data, &a)
	return a, err
}
