// Package pprofutil serves the runtime profiler on an opt-in debug port.
package pprofutil

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAddr = "127.0.0.1:6060"

	envEnable      = "DEXP2P_PPROF"
	envAddr        = "DEXP2P_PPROF_ADDR"
	envAllowPublic = "DEXP2P_PPROF_ALLOW_PUBLIC"
)

var ErrPublicBind = errors.New("pprof address must be loopback")

type Options struct {
	Addr        string
	AllowPublic bool
}

// OptionsFromEnv reports whether profiling was requested in the environment.
func OptionsFromEnv() (Options, bool) {
	if strings.TrimSpace(os.Getenv(envEnable)) != "1" {
		return Options{}, false
	}
	opts := Options{
		Addr:        strings.TrimSpace(os.Getenv(envAddr)),
		AllowPublic: strings.TrimSpace(os.Getenv(envAllowPublic)) == "1",
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	return opts, true
}

// Router mounts the pprof handlers under /debug/pprof/.
func Router() *mux.Router {
	r := mux.NewRouter()
	sub := r.PathPrefix("/debug/pprof").Subrouter()
	sub.HandleFunc("/cmdline", pprof.Cmdline)
	sub.HandleFunc("/profile", pprof.Profile)
	sub.HandleFunc("/symbol", pprof.Symbol)
	sub.HandleFunc("/trace", pprof.Trace)
	sub.PathPrefix("/").HandlerFunc(pprof.Index)
	return r
}

// Start binds opts.Addr and serves until ctx is done. It returns the bound
// address.
func Start(ctx context.Context, opts Options) (string, error) {
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	if !opts.AllowPublic && !isLoopbackBind(addr) {
		return "", errors.Wrapf(ErrPublicBind, "%s (set %s=1 to override)", addr, envAllowPublic)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.Wrap(err, "pprof listen")
	}
	bound := ln.Addr().String()
	srv := &http.Server{Handler: Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", bound).Msg("pprof server stopped")
		}
	}()
	log.Info().Str("url", "http://"+bound+"/debug/pprof/").Msg("pprof enabled")
	return bound, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
