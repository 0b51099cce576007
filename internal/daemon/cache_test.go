package daemon

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestSeenCacheExpiresByClock(t *testing.T) {
	clk := clock.NewMock()
	c := newSeenCache(clk, 2, time.Minute)
	var h1, h2, h3 [32]byte
	h1[0], h2[0], h3[0] = 1, 2, 3

	require.False(t, c.CheckAndAdd(h1))
	require.True(t, c.CheckAndAdd(h1))
	require.True(t, c.Has(h1))

	clk.Add(2 * time.Minute)
	require.False(t, c.Has(h1))
	require.False(t, c.CheckAndAdd(h1))

	c.Add(h2)
	c.Add(h3)
	require.Equal(t, 2, c.Len())
	require.False(t, c.Has(h1))
	require.True(t, c.Has(h3))
}

func TestSenderLimitsFollowClock(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	l := newSenderLimits(clk, 1, 1)

	require.True(t, l.allow("10.0.0.1"))
	require.False(t, l.allow("10.0.0.1"))
	require.True(t, l.allow("10.0.0.2"))

	clk.Add(time.Second)
	require.True(t, l.allow("10.0.0.1"))

	clk.Add(2 * limiterIdle)
	require.True(t, l.allow("10.0.0.3"))
	l.mu.Lock()
	require.Len(t, l.buckets, 1)
	l.mu.Unlock()
	require.True(t, newSenderLimits(clk, 0, 0).allow("any"))
}
