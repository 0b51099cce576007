package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexp2p/internal/dex"
)

func decodeParams(t *testing.T, s string) params {
	t.Helper()
	var p params
	require.NoError(t, json.Unmarshal([]byte(s), &p))
	return p
}

func TestParamsStringsAndNumbers(t *testing.T) {
	p := decodeParams(t, `["7", 7, "", null, " tag ", 1.5]`)

	for _, i := range []int{0, 1} {
		v, err := p.uint(i)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), v)
	}
	for _, i := range []int{2, 3, 10} {
		s, err := p.str(i)
		require.NoError(t, err)
		assert.Empty(t, s)
		a, err := p.optAmount(i)
		require.NoError(t, err)
		assert.Nil(t, a)
	}
	s, err := p.str(4)
	require.NoError(t, err)
	assert.Equal(t, "tag", s)

	a, err := p.amount(5)
	require.NoError(t, err)
	assert.Equal(t, dex.Amount(150_000_000), a)
}

func TestParamsRejects(t *testing.T) {
	p := decodeParams(t, `["x", -1, {"a":1}, "1.123456789"]`)
	_, err := p.uint(0)
	assert.ErrorIs(t, err, dex.ErrInvalidArgument)
	_, err = p.uint(1)
	assert.ErrorIs(t, err, dex.ErrInvalidArgument)
	_, err = p.str(2)
	assert.ErrorIs(t, err, dex.ErrInvalidArgument)
	_, err = p.amount(3)
	assert.ErrorIs(t, err, dex.ErrInvalidArgument)
}

func TestParamsRawKeepsWhitespace(t *testing.T) {
	p := decodeParams(t, `["  hello world  ", 12]`)
	s, err := p.raw(0)
	require.NoError(t, err)
	assert.Equal(t, "  hello world  ", s)
	s, err = p.str(0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", s)
	s, err = p.raw(1)
	require.NoError(t, err)
	assert.Equal(t, "12", s)
}
