package debuglog

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.TraceLevel, parseLevel("TRACE"))
	require.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	require.Equal(t, zerolog.WarnLevel, parseLevel(" warn "))
	require.Equal(t, zerolog.ErrorLevel, parseLevel("error"))
	require.Equal(t, zerolog.InfoLevel, parseLevel(""))
}

func TestDebugEnvForcesDebug(t *testing.T) {
	t.Setenv("DEXP2P_DEBUG", "1")
	Configure("warn")
	t.Cleanup(func() { Configure("info") })
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestAllowRateLimits(t *testing.T) {
	now := time.Unix(1700000000, 0)
	require.True(t, allow("k", time.Second, now))
	require.False(t, allow("k", time.Second, now.Add(500*time.Millisecond)))
	require.True(t, allow("k", time.Second, now.Add(2*time.Second)))
	require.True(t, allow("other", time.Second, now))
}

func TestWithNodeTagsLines(t *testing.T) {
	var buf bytes.Buffer
	old := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = old })

	ctx := WithNode(context.Background(), "0123456789abcdef")
	log.Ctx(ctx).Warn().Msg("tagged")
	require.Contains(t, buf.String(), `"node":"01234567"`)
	require.Contains(t, buf.String(), `"message":"tagged"`)
}
