package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"dexp2p/internal/config"
	"dexp2p/internal/daemon"
	"dexp2p/internal/debuglog"
	"dexp2p/internal/fileshare"
	"dexp2p/internal/metrics"
	"dexp2p/internal/pprofutil"
	"dexp2p/internal/rpc"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dexp2p-node",
		Short:         "DEX p2p broadcast node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newStatusCmd())
	return root
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"data-dir":      "data_dir",
	"listen-addr":   "listen_addr",
	"rpc-addr":      "rpc_addr",
	"rpc-user":      "rpc_user",
	"rpc-password":  "rpc_password",
	"peers":         "peers",
	"gossip-fanout": "gossip_fanout",
	"gossip-hops":   "gossip_hops",
	"sync-interval": "sync_interval",
	"retention":     "retention",
	"max-priority":  "max_priority",
	"dev-tls":       "dev_tls",
	"log-level":     "log_level",
}

func newRunCmd() *cobra.Command {
	var cfgFile string
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node: gossip listener plus the JSON-RPC server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return runNode(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	d := config.DefaultConfig()
	fs := cmd.Flags()
	fs.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	fs.String("data-dir", d.DataDir, "data directory")
	fs.String("listen-addr", d.ListenAddr, "gossip listen addr (host:port)")
	fs.String("rpc-addr", d.RPCAddr, "JSON-RPC listen addr")
	fs.String("rpc-user", "", "JSON-RPC basic auth user")
	fs.String("rpc-password", "", "JSON-RPC basic auth password")
	fs.StringSlice("peers", nil, "seed peers (host:port, comma separated)")
	fs.Int("gossip-fanout", d.GossipFanout, "peers per gossip push")
	fs.Int("gossip-hops", d.GossipHops, "relay hops for originated blobs")
	fs.Duration("sync-interval", d.SyncInterval, "anti-entropy interval (0 disables)")
	fs.Duration("retention", d.Retention, "drop blobs older than this (0 keeps all)")
	fs.Int("max-priority", d.MaxPriority, "highest accepted priority")
	fs.Bool("dev-tls", d.DevTLS, "use the deterministic dev TLS certificate")
	fs.String("log-level", d.LogLevel, "trace, debug, info, warn or error")
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func runNode(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	debuglog.Configure(cfg.LogLevel)
	if opts, ok := pprofutil.OptionsFromEnv(); ok {
		if _, err := pprofutil.Start(ctx, opts); err != nil {
			return err
		}
	}
	for _, dir := range []string{cfg.PublishDir, cfg.SubscribeDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	r, err := daemon.Open(cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	srv := rpc.NewServer(r, fileshare.New(r, cfg.PublishDir, cfg.SubscribeDir), rpc.Options{
		User:     cfg.RPCUser,
		Password: cfg.RPCPassword,
	})
	fmt.Fprintf(stdout, "READY listen=%s rpc=%s pubkey=%s\n", r.ListenAddr(), cfg.RPCAddr, r.Store().Pubkey())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.RPCAddr) })
	return g.Wait()
}

func newStatusCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the metrics snapshot of a local node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := metrics.ReadSnapshot(daemon.SnapshotPath(dataDir))
			if err != nil {
				return fmt.Errorf("node metrics unavailable: %w", err)
			}
			printStatus(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", config.DefaultDataDir(), "data directory")
	return cmd
}

func printStatus(w io.Writer, s metrics.Snapshot) {
	fmt.Fprintf(w, "Local observation summary (at %s):\n", s.GeneratedAt.Format("2006-01-02 15:04:05Z"))
	fmt.Fprintf(w, "  peers: %d\n", s.Peers)
	fmt.Fprintf(w, "  queue depth: %d\n", s.QueueDepth)
	fmt.Fprintf(w, "  blobs: created=%d received=%d duplicate=%d invalid=%d purged=%d\n",
		s.Blobs.Created, s.Blobs.Received, s.Blobs.Duplicate, s.Blobs.Invalid, s.Blobs.Purged)
	fmt.Fprintf(w, "  cancels: local=%d applied=%d buffered=%d\n",
		s.Blobs.CancelsLocal, s.Blobs.CancelsApplied, s.Blobs.CancelsBuffered)
	fmt.Fprintf(w, "  gossip: sent=%d relayed=%d send_errors=%d sync_rounds=%d sync_fetched=%d\n",
		s.Gossip.Sent, s.Gossip.Relayed, s.Gossip.SendErrors, s.Gossip.SyncRounds, s.Gossip.SyncFetched)
	reasons := make([]string, 0, len(s.DropByReason))
	for r := range s.DropByReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(w, "  dropped %s: %d\n", r, s.DropByReason[r])
	}
	fmt.Fprintf(w, "  recent blobs: %d\n", len(s.Recent))
}
