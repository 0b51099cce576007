// Package rpc serves the DEX_* JSON-RPC 1.0 surface over HTTP and provides
// the matching client.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"dexp2p/internal/daemon"
	"dexp2p/internal/dex"
	"dexp2p/internal/fileshare"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 5 * time.Second

	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601

	resultSuccess = "success"
	resultError   = "error"
	cancelTag     = "cancel"
)

// Backend is the node the server drives.
type Backend interface {
	Broadcast(req dex.BroadcastRequest) (*dex.Blob, error)
	Cancel(id uint64) (dex.CancelResult, error)
	CancelByTags(tagA, tagB string) (dex.CancelResult, error)
	CancelByPubkey(destPub string) (dex.CancelResult, error)
	SetChainPubkey(hexKey string) (string, error)
	Stats() daemon.Stats
	Store() *dex.Store
}

type FileShare interface {
	Publish(filename string, priority int) (fileshare.Result, error)
	Subscribe(filename string, priority int, id uint64, publisher string) (fileshare.Result, error)
}

type Options struct {
	User     string
	Password string
}

type request struct {
	Method string          `json:"method"`
	Params params          `json:"params"`
	ID     json.RawMessage `json:"id"`
}

type response struct {
	Result any             `json:"result"`
	Error  *Error          `json:"error"`
	ID     json.RawMessage `json:"id"`
}

// Error is the JSON-RPC error member.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

type errorResult struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

type handlerFunc func(p params) (any, error)

type Server struct {
	backend Backend
	files   FileShare
	opts    Options
	methods map[string]handlerFunc
	router  *mux.Router
}

func NewServer(backend Backend, files FileShare, opts Options) *Server {
	s := &Server{backend: backend, files: files, opts: opts}
	s.methods = map[string]handlerFunc{
		"DEX_stats":     s.stats,
		"DEX_broadcast": s.broadcast,
		"DEX_list":      s.list,
		"DEX_orderbook": s.orderbook,
		"DEX_cancel":    s.cancel,
		"DEX_get":       s.get,
		"DEX_publish":   s.publish,
		"DEX_subscribe": s.subscribe,
		"DEX_setpubkey": s.setPubkey,
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/", s.serveRPC).Methods(http.MethodPost)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve answers requests on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("rpc listening")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "rpc listen")
	}
	return s.Serve(ctx, ln)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.User == "" && s.opts.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.opts.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.opts.Password)) == 1
	return userOK && passOK
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="dexp2p"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		writeResponse(w, response{Error: &Error{Code: codeParseError, Message: "parse error: " + err.Error()}})
		return
	}
	if req.Method == "" {
		writeResponse(w, response{Error: &Error{Code: codeInvalidRequest, Message: "missing method"}, ID: req.ID})
		return
	}
	fn, ok := s.methods[req.Method]
	if !ok {
		writeResponse(w, response{Error: &Error{Code: codeMethodNotFound, Message: "method not found: " + req.Method}, ID: req.ID})
		return
	}
	start := time.Now()
	res, err := fn(req.Params)
	if err != nil {
		log.Debug().Err(err).Str("method", req.Method).Msg("rpc call failed")
		res = errorResult{Result: resultError, Error: err.Error()}
	} else {
		log.Trace().Str("method", req.Method).Dur("took", time.Since(start)).Msg("rpc call")
	}
	writeResponse(w, response{Result: res, ID: req.ID})
}

func writeResponse(w http.ResponseWriter, resp response) {
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("write rpc response")
	}
}
