package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultRetryMax = 3
	defaultTimeout  = 60 * time.Second
)

type ClientOptions struct {
	User     string
	Password string
	RetryMax int
	Timeout  time.Duration
}

// Client calls DEX_* methods on a node.
type Client struct {
	url  string
	opts ClientOptions
	http *retryablehttp.Client
}

func NewClient(addr string, opts ClientOptions) *Client {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = defaultRetryMax
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	hc := retryablehttp.NewClient()
	hc.RetryMax = opts.RetryMax
	hc.RetryWaitMin = 100 * time.Millisecond
	hc.RetryWaitMax = time.Second
	hc.HTTPClient.Timeout = opts.Timeout
	hc.Logger = zerologAdapter{l: log.Logger}
	return &Client{url: url, opts: opts, http: hc}
}

// Call invokes method with positional params and returns the raw result.
// A JSON-RPC error member is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "1.0",
		"id":      uuid.NewString(),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.User != "" || c.opts.Password != "" {
		req.SetBasicAuth(c.opts.User, c.opts.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call %s: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrapf(err, "decode %s response", method)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	return out.Result, nil
}

// zerologAdapter satisfies retryablehttp.LeveledLogger. Failed attempts are
// warnings; the final error reaches the caller.
type zerologAdapter struct {
	l zerolog.Logger
}

func (z zerologAdapter) Error(msg string, kv ...interface{}) { z.event(z.l.Warn(), msg, kv) }
func (z zerologAdapter) Info(msg string, kv ...interface{})  { z.event(z.l.Debug(), msg, kv) }
func (z zerologAdapter) Debug(msg string, kv ...interface{}) { z.event(z.l.Trace(), msg, kv) }
func (z zerologAdapter) Warn(msg string, kv ...interface{})  { z.event(z.l.Warn(), msg, kv) }

func (z zerologAdapter) event(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.Str(fmt.Sprint(kv[i]), fmt.Sprint(kv[i+1]))
	}
	e.Msg(msg)
}
