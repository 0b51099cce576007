package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, ValidateConfig(DefaultConfig()))
}

func TestNormalizePeers(t *testing.T) {
	got := NormalizePeers("1.2.3.4:1, 1.2.3.5:1", "1.2.3.4:1", "", " 1.2.3.6:1 ")
	require.Equal(t, []string{"1.2.3.4:1", "1.2.3.5:1", "1.2.3.6:1"}, got)
}

func TestValidateConfigRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"data dir":   func(c *Config) { c.DataDir = " " },
		"listen":     func(c *Config) { c.ListenAddr = "nope" },
		"peer host":  func(c *Config) { c.Peers = []string{":1234"} },
		"auth pair":  func(c *Config) { c.RPCUser = "u" },
		"log level":  func(c *Config) { c.LogLevel = "loud" },
		"fanout":     func(c *Config) { c.GossipFanout = 0 },
		"priority":   func(c *Config) { c.MaxPriority = 64 },
		"rate":       func(c *Config) { c.RateBurst = 0 },
		"sync batch": func(c *Config) { c.SyncHashes = 5000 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		require.Error(t, ValidateConfig(cfg), name)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "dexp2p.yaml")
	body := "data_dir: " + dir + "\npeers:\n  - 10.0.0.1:17775\ngossip_fanout: 2\nretention: 1h\n"
	require.NoError(t, os.WriteFile(file, []byte(body), 0600))
	t.Setenv("DEXP2P_GOSSIP_HOPS", "7")
	t.Setenv("DEXP2P_RPC_ADDR", "127.0.0.1:9999")

	cfg, err := Load(viper.New(), file)
	require.NoError(t, err)
	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, []string{"10.0.0.1:17775"}, cfg.Peers)
	require.Equal(t, 2, cfg.GossipFanout)
	require.Equal(t, 7, cfg.GossipHops)
	require.Equal(t, "127.0.0.1:9999", cfg.RPCAddr)
	require.Equal(t, time.Hour, cfg.Retention)
	require.Equal(t, filepath.Join(dir, "publish"), cfg.PublishDir)
	require.Equal(t, 16, cfg.MaxPriority)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
