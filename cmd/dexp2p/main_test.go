package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seenCall struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	User   string   `json:"user"`
}

// echoNode answers every call with the method, params and auth user it saw.
func echoNode(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params []string        `json:"params"`
			ID     json.RawMessage `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		user, _, _ := r.BasicAuth()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": seenCall{Method: req.Method, Params: req.Params, User: user},
			"error":  nil,
			"id":     req.ID,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, args ...string) (int, seenCall, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, &out, &errOut)
	var got seenCall
	if code == 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &got), out.String())
	}
	return code, got, errOut.String()
}

func TestCommandsMapToMethods(t *testing.T) {
	srv := echoNode(t)
	cases := []struct {
		args   []string
		method string
		params []string
	}{
		{[]string{"stats"}, "DEX_stats", []string{}},
		{[]string{"broadcast", "hello", "4", "inbox"}, "DEX_broadcast", []string{"hello", "4", "inbox"}},
		{[]string{"list", "", "0", "A", "B", ""}, "DEX_list", []string{"", "0", "A", "B", ""}},
		{[]string{"orderbook", "", "0", "KMD", "BTC"}, "DEX_orderbook", []string{"", "0", "KMD", "BTC"}},
		{[]string{"cancel", "", "", "A", "B"}, "DEX_cancel", []string{"", "", "A", "B"}},
		{[]string{"get", "7"}, "DEX_get", []string{"7"}},
		{[]string{"publish", "f.txt"}, "DEX_publish", []string{"f.txt"}},
		{[]string{"subscribe", "f.txt", "0", "3"}, "DEX_subscribe", []string{"f.txt", "0", "3"}},
		{[]string{"setpubkey", "02ab"}, "DEX_setpubkey", []string{"02ab"}},
	}
	for _, tc := range cases {
		args := append([]string{"--rpc", srv.URL}, tc.args...)
		code, got, errOut := runCLI(t, args...)
		require.Equal(t, 0, code, errOut)
		assert.Equal(t, tc.method, got.Method)
		assert.Equal(t, tc.params, got.Params)
	}
}

func TestBasicAuthFlags(t *testing.T) {
	srv := echoNode(t)
	code, got, errOut := runCLI(t, "--rpc", srv.URL, "--rpc-user", "alice", "--rpc-password", "pw", "stats")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "alice", got.User)
}

func TestArgCountChecked(t *testing.T) {
	srv := echoNode(t)
	code, _, _ := runCLI(t, "--rpc", srv.URL, "get")
	assert.Equal(t, 1, code)
	code, _, _ = runCLI(t, "--rpc", srv.URL, "orderbook", "", "0", "KMD")
	assert.Equal(t, 1, code)
}

func TestUnreachableNodeFails(t *testing.T) {
	code, _, errOut := runCLI(t, "--rpc", "127.0.0.1:1", "stats")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "DEX_stats")
}
