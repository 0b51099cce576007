package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKDFDeterminismAndContext(t *testing.T) {
	a1 := KDF("dex:v1:a", []byte("ikm"))
	a2 := KDF("dex:v1:a", []byte("ikm"))
	b := KDF("dex:v1:b", []byte("ikm"))
	require.Equal(t, a1, a2)
	require.NotEqual(t, a1, b)
	require.Len(t, a1, 32)
}

func TestSealOpenBothParties(t *testing.T) {
	sender, err := GenKeypair()
	require.NoError(t, err)
	dest, err := GenKeypair()
	require.NoError(t, err)

	msg := []byte("testmessage")
	sealed, err := Seal(msg, &sender.Priv, &dest.Pub)
	require.NoError(t, err)
	require.False(t, bytes.Contains(sealed, msg))
	require.Len(t, sealed, NonceSize+Overhead+len(msg))

	got, err := Open(sealed, &sender.Pub, &dest.Priv)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	got, err = Open(sealed, &dest.Pub, &sender.Priv)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	other, err := GenKeypair()
	require.NoError(t, err)
	_, err = Open(sealed, &sender.Pub, &other.Priv)
	require.ErrorIs(t, err, ErrKeyUnavailable)

	_, err = Open(sealed[:10], &sender.Pub, &dest.Priv)
	require.Error(t, err)
}

func TestPubkeyEncoding(t *testing.T) {
	kp, err := GenKeypair()
	require.NoError(t, err)
	s := kp.Publishable()
	require.Len(t, s, 66)
	require.Equal(t, PubkeyPrefix, s[:2])

	pub, err := ParsePubkey(s)
	require.NoError(t, err)
	require.Equal(t, kp.Pub, pub)

	pub, err = ParsePubkey(s[2:])
	require.NoError(t, err)
	require.Equal(t, kp.Pub, pub)

	_, err = ParsePubkey("02" + s[2:])
	require.Error(t, err)
	_, err = ParsePubkey("zz")
	require.Error(t, err)
	require.False(t, IsPubkey(""))
}

func TestSaveLoadKeypair(t *testing.T) {
	dir := t.TempDir()
	kp, err := GenKeypair()
	require.NoError(t, err)
	require.NoError(t, SaveKeypair(dir, kp))
	loaded, err := LoadKeypair(dir)
	require.NoError(t, err)
	require.Equal(t, kp.Pub, loaded.Pub)
	require.Equal(t, kp.Priv, loaded.Priv)
	require.NotContains(t, kp.GoString(), "Priv")
}

func TestPow(t *testing.T) {
	require.Equal(t, 16, LeadingZeroBits([]byte{0, 0, 0xff}))
	require.Equal(t, 11, LeadingZeroBits([]byte{0, 0x10}))
	require.Equal(t, 24, LeadingZeroBits([]byte{0, 0, 0}))

	require.True(t, PowCheck([]byte{0xff}, 0))
	require.True(t, PowCheck([]byte{0x0f}, 4))
	require.False(t, PowCheck([]byte{0x1f}, 4))
	require.False(t, PowCheck([]byte{0x00}, 9))

	nonce, digest, ok := PowSolve(func(n uint32) []byte {
		return SHA3_256([]byte{byte(n), byte(n >> 8), byte(n >> 16)})
	}, 6, 0)
	require.True(t, ok)
	require.True(t, PowCheck(digest, 6))
	require.Equal(t, digest, SHA3_256([]byte{byte(nonce), byte(nonce >> 8), byte(nonce >> 16)}))
}

func TestPowSolveResumesFromStart(t *testing.T) {
	hashFn := func(n uint32) []byte {
		return SHA3_256([]byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)})
	}
	first, _, ok := PowSolve(hashFn, 4, 0)
	require.True(t, ok)
	second, digest, ok := PowSolve(hashFn, 4, first+1)
	require.True(t, ok)
	require.Greater(t, second, first)
	require.True(t, PowCheck(digest, 4))
}
