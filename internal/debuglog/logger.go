package debuglog

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const rateLimitKeys = 4096

var (
	stderr = struct{ io.Writer }{os.Stderr}
	rlMu   sync.Mutex
	// one limiter per key; the LRU forgets keys that went quiet
	rlKeys, _ = lru.New[string, *rate.Limiter](rateLimitKeys)
)

func init() { //nolint:gochecknoinits // zerolog is configured globally
	Configure("")
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Configure sets the global logger. level overrides LOG_LEVEL when set;
// DEXP2P_DEBUG=1 forces debug. LOG_TYPE=json switches to raw JSON on stdout.
func Configure(level string, opts ...func(w *zerolog.ConsoleWriter)) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	lvl := parseLevel(level)
	if os.Getenv("DEXP2P_DEBUG") == "1" && lvl > zerolog.DebugLevel {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	isTerminal := isatty.IsTerminal(os.Stderr.Fd())
	defaults := func(w *zerolog.ConsoleWriter) {
		w.Out = stderr
		w.NoColor = !isTerminal
		w.TimeFormat = "15:04:05.999 |"
		w.PartsOrder = []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.CallerFieldName,
			zerolog.MessageFieldName,
		}
	}
	opts = append([]func(w *zerolog.ConsoleWriter){defaults}, opts...)

	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		if i := strings.LastIndex(file, "/"); i > 0 {
			if j := strings.LastIndex(file[:i], "/"); j >= 0 {
				file = file[j+1:]
			}
		}
		return file + ":" + strconv.Itoa(line)
	}

	var w io.Writer = zerolog.NewConsoleWriter(opts...)
	if strings.ToLower(os.Getenv("LOG_TYPE")) == "json" {
		w = os.Stdout
	}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
	zerolog.DefaultContextLogger = &log.Logger
}

type tTesting interface {
	Log(args ...interface{})
	Logf(format string, args ...interface{})
	Helper()
	Cleanup(f func())
}

// ConfigureTestLogging routes log output through t.
func ConfigureTestLogging(t tTesting) {
	old := log.Logger
	oldCtx := zerolog.DefaultContextLogger
	Configure("debug", zerolog.ConsoleTestWriter(t))
	t.Cleanup(func() {
		log.Logger = old
		zerolog.DefaultContextLogger = oldCtx
	})
}

// WithNode tags every log line from ctx with a short node id.
func WithNode(ctx context.Context, nodeID string) context.Context {
	if len(nodeID) > 8 {
		nodeID = nodeID[:8]
	}
	l := log.With().Str("node", nodeID).Logger()
	return l.WithContext(ctx)
}

// RateLimitedf logs at debug level at most once per interval per key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" || zerolog.GlobalLevel() > zerolog.DebugLevel {
		return
	}
	if !allow(key, interval, time.Now()) {
		return
	}
	log.Debug().CallerSkipFrame(1).Str("key", key).Msg(fmt.Sprintf(format, args...))
}

func allow(key string, interval time.Duration, now time.Time) bool {
	rlMu.Lock()
	defer rlMu.Unlock()
	lim, ok := rlKeys.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Every(interval), 1)
		rlKeys.Add(key, lim)
	}
	return lim.AllowN(now, 1)
}
