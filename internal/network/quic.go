package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"dexp2p/internal/debuglog"
	"dexp2p/internal/proto"
)

const (
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second

	defaultMaxConnsPerIP   = 16
	defaultMaxStreamsPerIP = 256
)

// Handler processes one request frame. A non-nil response is written back
// on the same stream.
type Handler func(ctx context.Context, remote string, data []byte) ([]byte, error)

type ServerOptions struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
}

type Server struct {
	ln      *quic.Listener
	conns   *hostSlots
	streams *hostSlots
	wg      sync.WaitGroup
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// Listen binds addr. Use Addr to learn the port when addr ends in :0.
func Listen(addr string, opts ServerOptions) (*Server, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	if opts.MaxConnsPerIP == 0 {
		opts.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = defaultMaxStreamsPerIP
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("quic listen ready")
	return &Server{
		ln:      ln,
		conns:   newHostSlots(opts.MaxConnsPerIP),
		streams: newHostSlots(opts.MaxStreamsPerIP),
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) Close() error {
	return s.ln.Close()
}

// Serve accepts connections until ctx is done or the listener closes.
func (s *Server) Serve(ctx context.Context, handle Handler) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()
	defer s.wg.Wait()
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		ip := remoteIP(conn.RemoteAddr())
		if !s.conns.acquire(ip) {
			debuglog.RateLimitedf("conncap:"+ip, time.Minute, "conn cap reached ip=%s", ip)
			_ = conn.CloseWithError(0, "conn cap")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.release(ip)
			s.serveConn(ctx, conn, ip, handle)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, ip string, handle Handler) {
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			log.Debug().Err(err).Str("remote", remote).Msg("quic accept stream")
			return
		}
		if !s.streams.acquire(ip) {
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		go func(st *quic.Stream) {
			defer s.streams.release(ip)
			defer st.Close()
			serveStream(ctx, st, remote, handle)
		}(stream)
	}
}

func serveStream(ctx context.Context, stream *quic.Stream, remote string, handle Handler) {
	data, err := readFrameWithTimeout(stream, streamRWTimeout)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			debuglog.RateLimitedf("read:"+remote, time.Minute, "quic read error remote=%s err=%v", remote, err)
		}
		return
	}
	resp, err := handle(ctx, remote, data)
	if err != nil {
		msgType, _ := proto.PeekType(data)
		log.Debug().Err(err).Str("remote", remote).Str("type", msgType).Msg("handler rejected frame")
		return
	}
	if len(resp) == 0 {
		return
	}
	if err := writeFrameWithTimeout(stream, streamRWTimeout, resp); err != nil {
		log.Debug().Err(err).Str("remote", remote).Msg("quic write response")
	}
}

// ListenAndServe is Listen plus Serve. ready is closed once bound.
func ListenAndServe(ctx context.Context, addr string, ready chan<- struct{}, handle Handler) error {
	srv, err := Listen(addr, ServerOptions{})
	if err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	return srv.Serve(ctx, handle)
}

func readFrameWithTimeout(stream *quic.Stream, d time.Duration) ([]byte, error) {
	_ = stream.SetReadDeadline(time.Now().Add(d))
	return proto.ReadFrameWithTypeCap(stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
}

func writeFrameWithTimeout(stream *quic.Stream, d time.Duration, payload []byte) error {
	_ = stream.SetWriteDeadline(time.Now().Add(d))
	return proto.WriteFrame(stream, payload)
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
