package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type memKeyStore struct {
	blob []byte
}

func (m *memKeyStore) GetSealedIdentity() ([]byte, error) { return m.blob, nil }

func (m *memKeyStore) PutSealedIdentity(b []byte) error {
	m.blob = append([]byte(nil), b...)
	return nil
}

func TestLoadOrCreatePersists(t *testing.T) {
	ks := &memKeyStore{}

	first, created, err := LoadOrCreate(ks, []byte("pw"))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, ks.blob)

	second, created, err := LoadOrCreate(ks, []byte("pw"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.PeerID(), second.PeerID())
}

func TestUnsealWrongPassphrase(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	blob, err := Seal(id, []byte("right"))
	require.NoError(t, err)

	_, err = Unseal(blob, []byte("wrong"))
	require.Error(t, err)

	_, err = Unseal([]byte{9, 9}, nil)
	require.ErrorIs(t, err, ErrBadKeystore)
}
