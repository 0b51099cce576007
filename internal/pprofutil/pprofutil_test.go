package pprofutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsLoopbackBind(t *testing.T) {
	for addr, ok := range map[string]bool{
		"127.0.0.1:6060":    true,
		"localhost:6060":    true,
		"[::1]:6060":        true,
		"0.0.0.0:6060":      false,
		"192.168.1.10:6060": false,
		"bad-addr":          false,
	} {
		require.Equal(t, ok, isLoopbackBind(addr), addr)
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv(envEnable, "")
	_, ok := OptionsFromEnv()
	require.False(t, ok)

	t.Setenv(envEnable, "1")
	t.Setenv(envAddr, "")
	opts, ok := OptionsFromEnv()
	require.True(t, ok)
	require.Equal(t, DefaultAddr, opts.Addr)
	require.False(t, opts.AllowPublic)
}

func TestStartRejectsPublicBind(t *testing.T) {
	_, err := Start(context.Background(), Options{Addr: "0.0.0.0:0"})
	require.ErrorIs(t, err, ErrPublicBind)
}

func TestStartServesIndex(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := Start(ctx, Options{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/debug/pprof/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouterCmdline(t *testing.T) {
	rec := httptest.NewRecorder()
	Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	require.NotEmpty(t, body)
}
