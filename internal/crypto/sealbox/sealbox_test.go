package sealbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	k, err := NewRandomKey()
	require.NoError(t, err)

	sealed, err := Seal(k, []byte("secret"), []byte("ad"))
	require.NoError(t, err)

	pt, err := Open(k, sealed, []byte("ad"))
	require.NoError(t, err)
	require.Equal(t, "secret", string(pt))
}

func TestOpenRejectsTamperingAndWrongAD(t *testing.T) {
	k, err := NewRandomKey()
	require.NoError(t, err)

	sealed, err := Seal(k, []byte("secret"), nil)
	require.NoError(t, err)

	_, err = Open(k, sealed, []byte("other"))
	require.ErrorIs(t, err, ErrOpen)

	sealed[len(sealed)-1] ^= 0x01
	_, err = Open(k, sealed, nil)
	require.ErrorIs(t, err, ErrOpen)

	_, err = Open(k, sealed[:4], nil)
	require.ErrorIs(t, err, ErrOpen)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	a := DeriveKey([]byte("pw"), salt)
	b := DeriveKey([]byte("pw"), salt)
	c := DeriveKey([]byte("pw2"), salt)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
