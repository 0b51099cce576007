package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	clientMaxRetries  = 3
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = time.Second
	clientConnIdle    = 30 * time.Second
	clientTimeout     = 8 * time.Second
)

// peerConn is the pool state for one gossip peer. conn may be nil while
// failures are still being counted.
type peerConn struct {
	conn     *quic.Conn
	lastUsed time.Time
	failures int
}

// connPool keeps one QUIC connection per peer address. Concurrent dials to
// the same address share a single handshake.
type connPool struct {
	mu        sync.Mutex
	clock     clock.Clock
	peers     map[string]*peerConn
	dials     singleflight.Group
	idleAfter time.Duration
}

func newConnPool(clk clock.Clock, idleAfter time.Duration) *connPool {
	if clk == nil {
		clk = clock.New()
	}
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &connPool{clock: clk, peers: make(map[string]*peerConn), idleAfter: idleAfter}
}

func (p *connPool) entryLocked(addr string) *peerConn {
	ent := p.peers[addr]
	if ent == nil {
		ent = &peerConn{}
		p.peers[addr] = ent
	}
	return ent
}

// live returns the pooled conn for addr when it is open and not idle.
func (p *connPool) live(addr string) *quic.Conn {
	now := p.clock.Now()
	p.mu.Lock()
	ent := p.peers[addr]
	if ent == nil || ent.conn == nil {
		p.mu.Unlock()
		return nil
	}
	if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
		ent.lastUsed = now
		conn := ent.conn
		p.mu.Unlock()
		return conn
	}
	stale := ent.conn
	ent.conn = nil
	p.mu.Unlock()
	_ = stale.CloseWithError(0, "idle")
	return nil
}

func (p *connPool) get(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	if conn := p.live(addr); conn != nil {
		return conn, nil
	}
	v, err, _ := p.dials.Do(addr, func() (any, error) {
		if conn := p.live(addr); conn != nil {
			return conn, nil
		}
		log.Debug().Str("addr", addr).Msg("quic dial")
		conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		ent := p.entryLocked(addr)
		ent.conn = conn
		ent.lastUsed = p.clock.Now()
		p.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*quic.Conn), nil
}

// release records the outcome of one exchange on conn. A failed exchange
// drops the connection and bumps the failure count, which is returned.
func (p *connPool) release(addr string, conn *quic.Conn, failure error) int {
	p.mu.Lock()
	ent := p.entryLocked(addr)
	if failure == nil {
		ent.failures = 0
		if ent.conn == conn {
			ent.lastUsed = p.clock.Now()
		}
		p.mu.Unlock()
		return 0
	}
	ent.failures++
	n := ent.failures
	if conn != nil && ent.conn == conn {
		ent.conn = nil
	}
	p.mu.Unlock()
	if conn != nil {
		_ = conn.CloseWithError(0, failure.Error())
	}
	return n
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	peers := p.peers
	p.peers = make(map[string]*peerConn)
	p.mu.Unlock()
	for _, ent := range peers {
		if ent.conn != nil {
			_ = ent.conn.CloseWithError(0, "client closed")
		}
	}
}

// size counts open pooled connections.
func (p *connPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ent := range p.peers {
		if ent.conn != nil {
			n++
		}
	}
	return n
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}
