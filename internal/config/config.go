package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "DEXP2P"

type Config struct {
	DataDir      string        `mapstructure:"data_dir"`
	ListenAddr   string        `mapstructure:"listen_addr"`
	RPCAddr      string        `mapstructure:"rpc_addr"`
	RPCUser      string        `mapstructure:"rpc_user"`
	RPCPassword  string        `mapstructure:"rpc_password"`
	Peers        []string      `mapstructure:"peers"`
	GossipFanout int           `mapstructure:"gossip_fanout"`
	GossipHops   int           `mapstructure:"gossip_hops"`
	GossipBatch  int           `mapstructure:"gossip_batch"`
	GossipQueue  int           `mapstructure:"gossip_queue"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	SyncHashes   int           `mapstructure:"sync_hashes"`
	Retention    time.Duration `mapstructure:"retention"`
	MaxPriority  int           `mapstructure:"max_priority"`
	PublishDir   string        `mapstructure:"publish_dir"`
	SubscribeDir string        `mapstructure:"subscribe_dir"`
	DevTLS       bool          `mapstructure:"dev_tls"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
	LogLevel     string        `mapstructure:"log_level"`
}

var allowedLogLevels = map[string]struct{}{
	"trace": {},
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".dexp2p"
	}
	return filepath.Join(home, ".dexp2p")
}

func DefaultConfig() Config {
	return Config{
		DataDir:      DefaultDataDir(),
		ListenAddr:   "0.0.0.0:17775",
		RPCAddr:      "127.0.0.1:17776",
		GossipFanout: 4,
		GossipHops:   4,
		GossipBatch:  64,
		GossipQueue:  16384,
		SyncInterval: 5 * time.Second,
		SyncHashes:   1024,
		MaxPriority:  16,
		DevTLS:       true,
		RateLimit:    200,
		RateBurst:    400,
		LogLevel:     "info",
	}
}

// SetDefaults registers DefaultConfig values on v so env vars and files
// only need to name what they change.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("rpc_addr", d.RPCAddr)
	v.SetDefault("rpc_user", d.RPCUser)
	v.SetDefault("rpc_password", d.RPCPassword)
	v.SetDefault("peers", []string{})
	v.SetDefault("gossip_fanout", d.GossipFanout)
	v.SetDefault("gossip_hops", d.GossipHops)
	v.SetDefault("gossip_batch", d.GossipBatch)
	v.SetDefault("gossip_queue", d.GossipQueue)
	v.SetDefault("sync_interval", d.SyncInterval)
	v.SetDefault("sync_hashes", d.SyncHashes)
	v.SetDefault("retention", d.Retention)
	v.SetDefault("max_priority", d.MaxPriority)
	v.SetDefault("publish_dir", "")
	v.SetDefault("subscribe_dir", "")
	v.SetDefault("dev_tls", d.DevTLS)
	v.SetDefault("rate_limit", d.RateLimit)
	v.SetDefault("rate_burst", d.RateBurst)
	v.SetDefault("log_level", d.LogLevel)
}

// Load reads defaults, the optional config file and DEXP2P_* env vars into a
// validated Config. Flags should already be bound on v.
func Load(v *viper.Viper, file string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Peers = NormalizePeers(cfg.Peers...)
	if cfg.PublishDir == "" {
		cfg.PublishDir = filepath.Join(cfg.DataDir, "publish")
	}
	if cfg.SubscribeDir == "" {
		cfg.SubscribeDir = filepath.Join(cfg.DataDir, "subscribe")
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func NormalizePeers(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, p := range strings.Split(token, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := validateAddr(cfg.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr: %w", err)
	}
	if err := validateAddr(cfg.RPCAddr); err != nil {
		return fmt.Errorf("invalid rpc_addr: %w", err)
	}
	for _, peer := range cfg.Peers {
		if err := validatePeerAddr(peer); err != nil {
			return fmt.Errorf("invalid peer %q: %w", peer, err)
		}
	}
	if (cfg.RPCUser == "") != (cfg.RPCPassword == "") {
		return errors.New("rpc_user and rpc_password must be set together")
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	switch {
	case cfg.GossipFanout <= 0:
		return errors.New("gossip_fanout must be > 0")
	case cfg.GossipHops < 0:
		return errors.New("gossip_hops must be >= 0")
	case cfg.GossipBatch <= 0:
		return errors.New("gossip_batch must be > 0")
	case cfg.GossipQueue <= 0:
		return errors.New("gossip_queue must be > 0")
	case cfg.SyncInterval < 0:
		return errors.New("sync_interval must be >= 0")
	case cfg.SyncHashes <= 0 || cfg.SyncHashes > 4096:
		return errors.New("sync_hashes must be in 1..4096")
	case cfg.Retention < 0:
		return errors.New("retention must be >= 0")
	case cfg.MaxPriority <= 0 || cfg.MaxPriority > 32:
		return errors.New("max_priority must be in 1..32")
	case cfg.RateLimit <= 0 || cfg.RateBurst <= 0:
		return errors.New("rate_limit and rate_burst must be > 0")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

func validatePeerAddr(addr string) error {
	if err := validateAddr(addr); err != nil {
		return err
	}
	host, _, _ := net.SplitHostPort(addr)
	if strings.TrimSpace(host) == "" {
		return errors.New("missing host")
	}
	return nil
}
