package keyseal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealIsDeterministicForSamePlatform(t *testing.T) {
	id := Identity{Process: []byte("proc-a"), Signer: []byte("signer-a")}
	s1, err := New(id)
	require.NoError(t, err)
	s2, err := New(id)
	require.NoError(t, err)

	k1, err := s1.Seal("oefs-master-key")
	require.NoError(t, err)
	k2, err := s2.Seal("oefs-master-key")
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}

func TestSealDiffersAcrossPlatformIdentities(t *testing.T) {
	a, err := New(Identity{Process: []byte("proc-a"), Signer: []byte("signer-a")})
	require.NoError(t, err)
	b, err := New(Identity{Process: []byte("proc-b"), Signer: []byte("signer-a")})
	require.NoError(t, err)

	ka, err := a.Seal("oefs-master-key")
	require.NoError(t, err)
	kb, err := b.Seal("oefs-master-key")
	require.NoError(t, err)
	require.NotEqual(t, ka, kb)
}

func TestSealRejectsEmptyIdentity(t *testing.T) {
	_, err := New(Identity{})
	require.Error(t, err)
}
