package daemon

import (
	"context"
	"fmt"
	"sync"

	"dexp2p/internal/network"
)

// Transport delivers gossip frames to peer addresses.
type Transport interface {
	Send(ctx context.Context, addr string, data []byte) error
	Exchange(ctx context.Context, addr string, data []byte) ([]byte, error)
}

// Listener accepts gossip frames for this node.
type Listener interface {
	Addr() string
	Serve(ctx context.Context, handle network.Handler) error
}

type quicListener struct {
	srv *network.Server
}

func (l quicListener) Addr() string {
	return l.srv.Addr().String()
}

func (l quicListener) Serve(ctx context.Context, handle network.Handler) error {
	return l.srv.Serve(ctx, handle)
}

// MemNetwork connects runners inside one process. Frames are handed to the
// destination handler synchronously.
type MemNetwork struct {
	mu       sync.RWMutex
	handlers map[string]network.Handler
	down     map[string]bool
	next     int
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		handlers: make(map[string]network.Handler),
		down:     make(map[string]bool),
	}
}

// Listen reserves addr, or a fresh address when addr is empty.
func (n *MemNetwork) Listen(addr string) *MemListener {
	n.mu.Lock()
	defer n.mu.Unlock()
	if addr == "" {
		n.next++
		addr = fmt.Sprintf("mem-%d:7000", n.next)
	}
	return &MemListener{net: n, addr: addr}
}

// Transport returns a sender that identifies itself as from.
func (n *MemNetwork) Transport(from string) Transport {
	return &memTransport{net: n, from: from}
}

// SetDown makes addr unreachable until called again with false.
func (n *MemNetwork) SetDown(addr string, down bool) {
	n.mu.Lock()
	n.down[addr] = down
	n.mu.Unlock()
}

func (n *MemNetwork) lookup(addr string) (network.Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[addr]
	if !ok || n.down[addr] {
		return nil, fmt.Errorf("mem: %s unreachable", addr)
	}
	return h, nil
}

type MemListener struct {
	net  *MemNetwork
	addr string
}

func (l *MemListener) Addr() string {
	return l.addr
}

func (l *MemListener) Serve(ctx context.Context, handle network.Handler) error {
	l.net.mu.Lock()
	l.net.handlers[l.addr] = func(_ context.Context, remote string, data []byte) ([]byte, error) {
		return handle(ctx, remote, data)
	}
	l.net.mu.Unlock()
	<-ctx.Done()
	l.net.mu.Lock()
	delete(l.net.handlers, l.addr)
	l.net.mu.Unlock()
	return nil
}

type memTransport struct {
	net  *MemNetwork
	from string
}

// Send mirrors the QUIC transport: handler errors are not visible to the
// sender.
func (t *memTransport) Send(ctx context.Context, addr string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := t.net.lookup(addr)
	if err != nil {
		return err
	}
	_, _ = h(ctx, t.from, append([]byte(nil), data...))
	return nil
}

func (t *memTransport) Exchange(ctx context.Context, addr string, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := t.net.lookup(addr)
	if err != nil {
		return nil, err
	}
	resp, err := h(ctx, t.from, append([]byte(nil), data...))
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("mem: %s sent no response", addr)
	}
	return resp, nil
}
