package proto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"gossip_push","hops":1}`)
	frame, err := EncodeFrame(payload)
	require.NoError(t, err)
	got, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadFrameWithTypeCapRejectsOversizedType(t *testing.T) {
	body := `{"type":"want","hashes":["` + strings.Repeat("a", MaxInvSize) + `"]}`
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(body)))
	_, err := ReadFrameWithTypeCap(&buf, SoftMaxFrameSize, MaxSizeForType)
	require.Error(t, err)

	body = `{"type":"gossip_push","blobs":[{"payload":"` + strings.Repeat("A", SoftMaxFrameSize) + `"}]}`
	buf.Reset()
	require.NoError(t, WriteFrame(&buf, []byte(body)))
	got, err := ReadFrameWithTypeCap(&buf, SoftMaxFrameSize, MaxSizeForType)
	require.NoError(t, err)
	require.Equal(t, body, string(got))
}

func TestPeekType(t *testing.T) {
	typ, ok := PeekType([]byte(`{"type":"inv","hashes":[]}`))
	require.True(t, ok)
	require.Equal(t, MsgTypeInv, typ)
	_, ok = PeekType([]byte(`{"hashes":[]}`))
	require.False(t, ok)
}

func TestValidateWireMeta(t *testing.T) {
	require.NoError(t, ValidateWireMeta(ProtoVersion, Suite))
	require.NoError(t, ValidateWireMeta("", ""))
	require.Error(t, ValidateWireMeta("9.9.9", Suite))
	require.Error(t, ValidateWireMeta(ProtoVersion, "other"))
}

func TestFrameSizeLimits(t *testing.T) {
	_, err := EncodeFrame(nil)
	require.ErrorIs(t, err, ErrFrameSize)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.ErrorIs(t, err, ErrFrameSize)
	_, err = ReadFrame(bytes.NewReader([]byte{0xff, 0, 0, 0}))
	require.ErrorIs(t, err, ErrFrameSize)

	untyped := `{"blobs":"` + strings.Repeat("x", SoftMaxFrameSize) + `"}`
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(untyped)))
	_, err = ReadFrameWithTypeCap(&buf, SoftMaxFrameSize, MaxSizeForType)
	require.ErrorIs(t, err, ErrFrameSize)
}

func TestPeekTypeTruncated(t *testing.T) {
	msg := []byte(`{"type":"gossip_push","blobs":["` + strings.Repeat("b", 2*TypeSniffBytes) + `"]}`)
	typ, ok := PeekType(msg)
	require.True(t, ok)
	require.Equal(t, MsgTypeGossipPush, typ)

	_, ok = PeekType([]byte(`["type"]`))
	require.False(t, ok)
	_, ok = PeekType([]byte(`{"type":7}`))
	require.False(t, ok)
}
