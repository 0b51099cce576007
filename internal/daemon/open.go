package daemon

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"dexp2p/internal/config"
	"dexp2p/internal/dex"
	"dexp2p/internal/metrics"
	"dexp2p/internal/network"
	"dexp2p/internal/node"
	"dexp2p/internal/store"
)

const snapshotFile = "metrics.json"

// Open builds a production runner from cfg: bbolt persistence under
// data_dir, the node keypair, seed peers and the QUIC transport.
func Open(cfg config.Config) (r *Runner, err error) {
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	var closers []func() error
	closers = append(closers, db.Close)
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	n, err := node.NewNode(cfg.DataDir, node.Options{Meta: db})
	if err != nil {
		return nil, errors.Wrap(err, "open node")
	}
	st, err := dex.NewStore(dex.Config{
		Keypair:     n.Keys,
		MaxPriority: cfg.MaxPriority,
		Persister:   db,
	})
	if err != nil {
		return nil, err
	}
	restored, err := db.Replay(st)
	if err != nil {
		return nil, errors.Wrap(err, "replay blobs")
	}
	for _, addr := range cfg.Peers {
		if err := n.Peers.AddSeed(addr); err != nil {
			return nil, errors.Wrapf(err, "seed %s", addr)
		}
	}

	client, err := network.NewClient(network.ClientOptions{
		Insecure: !cfg.DevTLS,
		DevTLS:   cfg.DevTLS,
	})
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() error { client.Close(); return nil })
	srv, err := network.Listen(cfg.ListenAddr, network.ServerOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", cfg.ListenAddr)
	}
	closers = append(closers, srv.Close)

	r, err = NewRunner(Options{
		Config:    cfg,
		Node:      n,
		Store:     st,
		Metrics:   metrics.New(),
		Transport: client,
		Listener:  quicListener{srv: srv},
		SnapPath:  filepath.Join(cfg.DataDir, snapshotFile),
	})
	if err != nil {
		return nil, err
	}
	for _, c := range closers {
		r.onClose(c)
	}
	log.Info().
		Int("restored", restored).
		Str("data_dir", cfg.DataDir).
		Str("node_id", nodeIDHex(n)[:16]).
		Msg("node opened")
	return r, nil
}

// SnapshotPath is where a node under dataDir writes its metrics.
func SnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, snapshotFile)
}
