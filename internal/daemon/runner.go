package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"dexp2p/internal/config"
	"dexp2p/internal/debuglog"
	"dexp2p/internal/dex"
	"dexp2p/internal/metrics"
	"dexp2p/internal/node"
	"dexp2p/internal/proto"
)

const (
	relayQueueSize   = 1024
	sendTimeout      = 5 * time.Second
	snapshotInterval = time.Second
	maxPurgeInterval = time.Minute
)

type Options struct {
	Config    config.Config
	Node      *node.Node
	Store     *dex.Store
	Metrics   *metrics.Metrics
	Transport Transport
	Listener  Listener
	Clock     clock.Clock
	// SnapPath is where the metrics snapshot is written; empty disables it.
	SnapPath string
}

// Runner owns the gossip side of a node: the outbound queue, the relay
// worker, the receive path and the periodic maintenance loops.
type Runner struct {
	cfg       config.Config
	node      *node.Node
	store     *dex.Store
	metrics   *metrics.Metrics
	transport Transport
	listener  Listener
	clock     clock.Clock
	snapPath  string

	queue  chan outItem
	relay  chan relayJob
	seen   *seenCache
	limits *senderLimits

	closeMu sync.Mutex
	closers []func() error
}

type outItem struct {
	blob   *proto.WireBlob
	cancel *proto.CancelNotice
}

type relayJob struct {
	msg     proto.GossipPushMsg
	exclude []string
}

type Stats struct {
	PublishablePubkey string    `json:"publishable_pubkey"`
	Pubkey            string    `json:"pubkey"`
	Perfstats         string    `json:"perfstats"`
	NodeID            string    `json:"node_id"`
	SessionID         string    `json:"session_id"`
	ListenAddr        string    `json:"listen_addr"`
	Peers             int       `json:"peers"`
	QueueDepth        int       `json:"queue_depth"`
	Store             dex.Stats `json:"store"`
}

func NewRunner(opts Options) (*Runner, error) {
	switch {
	case opts.Node == nil:
		return nil, errors.New("runner requires a node")
	case opts.Store == nil:
		return nil, errors.New("runner requires a store")
	case opts.Transport == nil || opts.Listener == nil:
		return nil, errors.New("runner requires a transport and a listener")
	}
	cfg := opts.Config
	def := config.DefaultConfig()
	if cfg.GossipFanout <= 0 {
		cfg.GossipFanout = def.GossipFanout
	}
	if cfg.GossipBatch <= 0 {
		cfg.GossipBatch = def.GossipBatch
	}
	if cfg.GossipQueue <= 0 {
		cfg.GossipQueue = def.GossipQueue
	}
	if cfg.SyncHashes <= 0 {
		cfg.SyncHashes = def.SyncHashes
	}
	if cfg.RateLimit <= 0 || cfg.RateBurst <= 0 {
		cfg.RateLimit, cfg.RateBurst = def.RateLimit, def.RateBurst
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{
		cfg:       cfg,
		node:      opts.Node,
		store:     opts.Store,
		metrics:   m,
		transport: opts.Transport,
		listener:  opts.Listener,
		clock:     clk,
		snapPath:  opts.SnapPath,
		queue:     make(chan outItem, cfg.GossipQueue),
		relay:     make(chan relayJob, relayQueueSize),
		seen:      newSeenCache(clk, 0, 0),
		limits:    newSenderLimits(clk, cfg.RateLimit, cfg.RateBurst),
	}, nil
}

func (r *Runner) Store() *dex.Store         { return r.store }
func (r *Runner) Node() *node.Node          { return r.node }
func (r *Runner) Metrics() *metrics.Metrics { return r.metrics }
func (r *Runner) Config() config.Config     { return r.cfg }
func (r *Runner) ListenAddr() string        { return r.listener.Addr() }

func (r *Runner) onClose(fn func() error) {
	r.closeMu.Lock()
	r.closers = append(r.closers, fn)
	r.closeMu.Unlock()
}

// Run serves gossip and runs the background workers until ctx is done or
// one of them fails.
func (r *Runner) Run(ctx context.Context) error {
	ctx = debuglog.WithNode(ctx, nodeIDHex(r.node))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.listener.Serve(ctx, r.handle) })
	g.Go(func() error { return r.runBatcher(ctx) })
	g.Go(func() error { return r.runRelay(ctx) })
	if r.cfg.SyncInterval > 0 {
		g.Go(func() error { return r.runSync(ctx) })
	}
	if r.cfg.Retention > 0 {
		g.Go(func() error { return r.runPurge(ctx) })
	}
	g.Go(func() error { return r.runSnapshots(ctx) })
	log.Ctx(ctx).Info().
		Str("listen", r.ListenAddr()).
		Str("pubkey", r.store.Pubkey()).
		Int("peers", r.node.Peers.Len()).
		Msg("dexp2p node running")
	return g.Wait()
}

// Close releases the transport, listener and database handed to Open.
func (r *Runner) Close() error {
	r.closeMu.Lock()
	closers := r.closers
	r.closers = nil
	r.closeMu.Unlock()
	var result *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Broadcast creates a blob locally and queues it for gossip. It returns as
// soon as the blob is indexed.
func (r *Runner) Broadcast(req dex.BroadcastRequest) (*dex.Blob, error) {
	b, err := r.store.Create(req)
	if err != nil {
		return nil, err
	}
	r.metrics.IncCreated()
	r.metrics.Recent().Add(header(b, "local"))
	r.seen.Add(b.Hash)
	w := b.Wire()
	r.enqueue(outItem{blob: &w})
	return b, nil
}

func (r *Runner) Cancel(id uint64) (dex.CancelResult, error) {
	return r.announce(r.store.Cancel(id))
}

func (r *Runner) CancelByTags(tagA, tagB string) (dex.CancelResult, error) {
	return r.announce(r.store.CancelByTags(tagA, tagB))
}

func (r *Runner) CancelByPubkey(destPub string) (dex.CancelResult, error) {
	return r.announce(r.store.CancelByPubkey(destPub))
}

func (r *Runner) announce(res dex.CancelResult, err error) (dex.CancelResult, error) {
	if err != nil || len(res.Hashes) == 0 {
		return res, err
	}
	r.metrics.AddCancelsLocal(len(res.Hashes))
	n := proto.CancelNotice{
		Hashes:    res.Hashes,
		SenderPub: r.store.Pubkey(),
		Timestamp: res.Timestamp,
	}
	r.seen.Add(noticeKey(&n))
	r.enqueue(outItem{cancel: &n})
	return res, nil
}

func (r *Runner) SetChainPubkey(hexKey string) (string, error) {
	return r.node.SetChainPubkey(hexKey)
}

func (r *Runner) Stats() Stats {
	return Stats{
		PublishablePubkey: r.store.Pubkey(),
		Pubkey:            r.node.ChainPubkey(),
		Perfstats:         r.metrics.Perfstats(),
		NodeID:            nodeIDHex(r.node),
		SessionID:         r.node.SessionID,
		ListenAddr:        r.ListenAddr(),
		Peers:             r.node.Peers.Len(),
		QueueDepth:        len(r.queue),
		Store:             r.store.Stats(),
	}
}

// enqueue never blocks; a full queue drops the item and anti-entropy repairs
// the gap later.
func (r *Runner) enqueue(it outItem) {
	select {
	case r.queue <- it:
	default:
		r.metrics.IncDropByReason("queue_full")
	}
}

func header(b *dex.Blob, origin string) metrics.BlobHeader {
	return metrics.BlobHeader{
		Hash:     b.HashHex(),
		TagA:     b.TagA,
		TagB:     b.TagB,
		Priority: b.Priority,
		Origin:   origin,
	}
}
