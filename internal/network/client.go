package network

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
)

type ClientOptions struct {
	Insecure     bool
	DevTLS       bool
	DevTLSCAPath string
	IdleAfter    time.Duration
	Clock        clock.Clock
}

// Client sends frames over pooled QUIC connections, one stream per frame.
type Client struct {
	tlsConf *tls.Config
	pool    *connPool
}

func NewClient(opts ClientOptions) (*Client, error) {
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.DevTLS, opts.DevTLSCAPath)
	if err != nil {
		return nil, err
	}
	return &Client{tlsConf: tlsConf, pool: newConnPool(opts.Clock, opts.IdleAfter)}, nil
}

// Send writes one frame and does not wait for a response.
func (c *Client) Send(ctx context.Context, addr string, data []byte) error {
	_, err := c.roundTrip(ctx, addr, data, false)
	return err
}

// Exchange writes one frame and reads one response frame.
func (c *Client) Exchange(ctx context.Context, addr string, data []byte) ([]byte, error) {
	return c.roundTrip(ctx, addr, data, true)
}

func (c *Client) Close() {
	c.pool.closeAll()
}

func (c *Client) roundTrip(ctx context.Context, addr string, data []byte, wantResp bool) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
		conn, resp, err := c.attempt(ctx, addr, data, wantResp)
		failures := c.pool.release(addr, conn, err)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !backoffRetry(ctx, failures) {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("send failed")
	}
	return nil, lastErr
}

// attempt runs one exchange. The conn is returned even on failure so the
// pool can drop it.
func (c *Client) attempt(ctx context.Context, addr string, data []byte, wantResp bool) (*quic.Conn, []byte, error) {
	conn, err := c.pool.get(ctx, addr, c.tlsConf, quicConfig())
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return conn, nil, err
	}
	if err := writeFrameWithTimeout(stream, streamRWTimeout, data); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return conn, nil, err
	}
	// half close; the response still arrives on the read side
	if err := stream.Close(); err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("quic stream close")
	}
	if !wantResp {
		return conn, nil, nil
	}
	resp, err := readFrameWithTimeout(stream, streamRWTimeout)
	return conn, resp, err
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
