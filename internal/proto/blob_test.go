package proto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dexp2p/internal/crypto"
)

func testBlob(t *testing.T) WireBlob {
	t.Helper()
	kp, err := crypto.GenKeypair()
	require.NoError(t, err)
	return WireBlob{
		Timestamp: 1700000000,
		TagA:      "BASE",
		TagB:      "REL",
		SenderPub: kp.Publishable(),
		Payload:   []byte("testmessage"),
		AmountA:   100 * 1e8,
		AmountB:   1e8,
		Priority:  6,
	}
}

func TestSealAndVerifyBlob(t *testing.T) {
	b := testBlob(t)
	require.NoError(t, SealBlob(&b))
	require.Len(t, b.Hash, 64)
	require.NoError(t, VerifyBlob(&b, 16))

	digest := BlobHash(&b)
	require.GreaterOrEqual(t, crypto.LeadingZeroBits(digest), 6)
}

func TestVerifyBlobRejectsTampering(t *testing.T) {
	b := testBlob(t)
	require.NoError(t, SealBlob(&b))

	mut := b
	mut.Payload = []byte("othermessage")
	require.Error(t, VerifyBlob(&mut, 16))

	mut = b
	mut.Priority = 40
	require.Error(t, VerifyBlob(&mut, 16))

	mut = b
	mut.TagA = "0123456789abcdef"
	require.Error(t, VerifyBlob(&mut, 16))

	mut = b
	mut.DestPub = "nothex"
	require.Error(t, VerifyBlob(&mut, 16))

	mut = b
	mut.Cancelled = 12345
	require.NoError(t, VerifyBlob(&mut, 16), "cancelled is not part of the hash")
}

func TestBlobHashIsDeterministic(t *testing.T) {
	b := testBlob(t)
	b.Priority = 0
	require.NoError(t, SealBlob(&b))
	c := b
	c.Payload = append([]byte(nil), b.Payload...)
	require.Equal(t, BlobHash(&b), BlobHash(&c))
	require.Equal(t, uint32(0), b.Nonce)
}

func TestGossipMessagesRoundTrip(t *testing.T) {
	b := testBlob(t)
	require.NoError(t, SealBlob(&b))
	data, err := EncodeGossipPushMsg(GossipPushMsg{
		Hops:    3,
		From:    "127.0.0.1:4242",
		Blobs:   []WireBlob{b},
		Cancels: []CancelNotice{{Hashes: []string{b.Hash}, SenderPub: b.SenderPub, Timestamp: 5}},
	})
	require.NoError(t, err)
	m, err := DecodeGossipPushMsg(data)
	require.NoError(t, err)
	require.Equal(t, 3, m.Hops)
	require.Len(t, m.Blobs, 1)
	require.NoError(t, VerifyBlob(&m.Blobs[0], 16))
	require.Equal(t, b.Hash, m.Cancels[0].Hashes[0])

	inv, err := EncodeInvMsg(InvMsg{Hashes: []string{b.Hash}})
	require.NoError(t, err)
	_, err = DecodeGossipPushMsg(inv)
	require.Error(t, err)
	im, err := DecodeInvMsg(inv)
	require.NoError(t, err)
	require.Equal(t, []string{b.Hash}, im.Hashes)

	want, err := EncodeWantMsg(WantMsg{Hashes: im.Hashes})
	require.NoError(t, err)
	wm, err := DecodeWantMsg(want)
	require.NoError(t, err)
	require.Equal(t, im.Hashes, wm.Hashes)
}
