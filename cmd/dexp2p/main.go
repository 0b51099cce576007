package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dexp2p/internal/config"
	"dexp2p/internal/debuglog"
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

type method struct {
	use   string
	name  string
	short string
	min   int
	max   int
}

var methods = []method{
	{"stats", "DEX_stats", "Show node keys and counters", 0, 0},
	{"broadcast <message> [priority] [tagA] [tagB] [destpub] [amountA] [amountB]", "DEX_broadcast", "Broadcast a message or order", 1, 7},
	{"list [stopAt] [minPriority] [tagA] [tagB] [pubkey] [minA] [maxA] [minB] [maxB] [stopHash]", "DEX_list", "List blobs matching tags", 0, 10},
	{"orderbook <stopAt> <minPriority> <base> <rel> [pubkey]", "DEX_orderbook", "Show asks and bids for a pair", 4, 5},
	{"cancel <id> [pubkey] [tagA] [tagB]", "DEX_cancel", "Cancel blobs by id, pubkey or tags", 1, 4},
	{"get <id>", "DEX_get", "Show one blob", 1, 1},
	{"publish <filename> [priority]", "DEX_publish", "Publish a file from the publish dir", 1, 2},
	{"subscribe <filename> [priority] [id] [publisher]", "DEX_subscribe", "Fetch a published file into the subscribe dir", 1, 4},
	{"setpubkey <pubkey>", "DEX_setpubkey", "Record the 33-byte chain pubkey", 1, 1},
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "dexp2p",
		Short:         "JSON-RPC client for a dexp2p node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			debuglog.Configure(v.GetString("log-level"))
		},
	}
	pf := root.PersistentFlags()
	pf.String("rpc", config.DefaultConfig().RPCAddr, "node JSON-RPC address")
	pf.String("rpc-user", "", "JSON-RPC basic auth user")
	pf.String("rpc-password", "", "JSON-RPC basic auth password")
	pf.String("log-level", "warn", "client log level")
	for _, name := range []string{"rpc", "rpc-user", "rpc-password", "log-level"} {
		if err := v.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}

	for _, m := range methods {
		root.AddCommand(newMethodCmd(v, m))
	}
	return root
}

func newMethodCmd(v *viper.Viper, m method) *cobra.Command {
	return &cobra.Command{
		Use:   m.use,
		Short: m.short,
		Args:  cobra.RangeArgs(m.min, m.max),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := rpc.NewClient(v.GetString("rpc"), rpc.ClientOptions{
				User:     v.GetString("rpc-user"),
				Password: v.GetString("rpc-password"),
			})
			params := make([]any, len(args))
			for i, a := range args {
				params[i] = a
			}
			raw, err := client.Call(cmd.Context(), m.name, params...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
