package daemon

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"dexp2p/internal/crypto"
	"dexp2p/internal/debuglog"
	"dexp2p/internal/dex"
	"dexp2p/internal/node"
	"dexp2p/internal/peer"
	"dexp2p/internal/proto"
)

var errRateLimited = errors.New("sender rate limited")

func (r *Runner) runBatcher(ctx context.Context) error {
	for {
		var first outItem
		select {
		case <-ctx.Done():
			return nil
		case first = <-r.queue:
		}
		items := []outItem{first}
	drain:
		for len(items) < r.cfg.GossipBatch {
			select {
			case it := <-r.queue:
				items = append(items, it)
			default:
				break drain
			}
		}
		r.metrics.SetQueueDepth(len(r.queue))
		msg := proto.GossipPushMsg{Hops: r.cfg.GossipHops}
		for _, it := range items {
			if it.blob != nil {
				msg.Blobs = append(msg.Blobs, *it.blob)
			}
			if it.cancel != nil {
				msg.Cancels = append(msg.Cancels, *it.cancel)
			}
		}
		if n, err := r.push(ctx, msg, nil); err != nil {
			log.Ctx(ctx).Debug().Err(err).Int("targets", n).Int("blobs", len(msg.Blobs)).Msg("gossip push incomplete")
		}
	}
}

func (r *Runner) runRelay(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-r.relay:
			n, err := r.push(ctx, job.msg, job.exclude)
			if n > 0 {
				r.metrics.IncGossipRelayed()
			}
			if err != nil {
				debuglog.RateLimitedf("relay", sendTimeout, "relay incomplete: %v", err)
			}
		}
	}
}

// push sends msg to up to gossip_fanout random peers outside exclude and
// returns how many were picked. Individual send failures are aggregated.
func (r *Runner) push(ctx context.Context, msg proto.GossipPushMsg, exclude []string) (int, error) {
	if msg.Hops <= 0 {
		msg.Hops = 1
	}
	msg.From = r.ListenAddr()
	msg.FromPub = r.store.Pubkey()
	exclude = append(exclude, msg.From)
	targets := r.node.Peers.Pick(r.cfg.GossipFanout, exclude...)
	if len(targets) == 0 {
		r.metrics.IncDropByReason("no_peers")
		return 0, nil
	}
	frames, err := encodePush(msg)
	if err != nil {
		r.metrics.IncDropByReason("encode")
		return 0, err
	}
	var result *multierror.Error
	for _, frame := range frames {
		if err := r.fanout(ctx, targets, frame); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return len(targets), result.ErrorOrNil()
}

func (r *Runner) fanout(ctx context.Context, targets []string, frame []byte) error {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result *multierror.Error
	)
	for _, addr := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()
			if err := r.transport.Send(sctx, addr, frame); err != nil {
				r.node.Peers.RecordFailure(addr)
				r.metrics.IncSendError()
				mu.Lock()
				result = multierror.Append(result, errors.Wrapf(err, "send to %s", addr))
				mu.Unlock()
				return
			}
			r.node.Peers.RecordSuccess(addr)
			r.metrics.IncGossipSent()
		}()
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// encodePush splits msg until every frame fits the gossip_push cap.
func encodePush(msg proto.GossipPushMsg) ([][]byte, error) {
	data, err := proto.EncodeGossipPushMsg(msg)
	if err != nil {
		return nil, err
	}
	if len(data) <= proto.MaxGossipPushSize {
		return [][]byte{data}, nil
	}
	a, b := msg, msg
	switch {
	case len(msg.Blobs) > 0 && len(msg.Cancels) > 0:
		a.Cancels, b.Blobs = nil, nil
	case len(msg.Blobs) > 1:
		h := len(msg.Blobs) / 2
		a.Blobs, b.Blobs = msg.Blobs[:h], msg.Blobs[h:]
	case len(msg.Cancels) > 1:
		h := len(msg.Cancels) / 2
		a.Cancels, b.Cancels = msg.Cancels[:h], msg.Cancels[h:]
	default:
		return nil, fmt.Errorf("gossip push of %d bytes cannot be split", len(data))
	}
	left, err := encodePush(a)
	if err != nil {
		return nil, err
	}
	right, err := encodePush(b)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// handle is the network entry point for every inbound frame.
func (r *Runner) handle(ctx context.Context, remote string, data []byte) ([]byte, error) {
	if !r.limits.allow(remoteHost(remote)) {
		r.metrics.IncDropByReason("rate_limited")
		return nil, errRateLimited
	}
	msgType, _ := proto.PeekType(data)
	r.metrics.IncRecvByType(msgType)
	switch msgType {
	case proto.MsgTypeGossipPush:
		msg, err := proto.DecodeGossipPushMsg(data)
		if err != nil {
			r.metrics.IncDropByReason("decode")
			return nil, err
		}
		r.handlePush(msg, remote)
		return nil, nil
	case proto.MsgTypeInv:
		msg, err := proto.DecodeInvMsg(data)
		if err != nil {
			r.metrics.IncDropByReason("decode")
			return nil, err
		}
		return r.handleInv(msg, remote)
	default:
		r.metrics.IncDropByReason("unknown_type")
		return nil, fmt.Errorf("unexpected message type %q", msgType)
	}
}

func (r *Runner) handlePush(msg proto.GossipPushMsg, remote string) {
	from := r.learnPeer(msg.From, msg.FromPub, remote)
	fwd := proto.GossipPushMsg{Hops: msg.Hops - 1}
	for i := range msg.Blobs {
		w := &msg.Blobs[i]
		// the seen cache is only fed verified hashes, so a forged blob
		// cannot shadow the real one
		if key, ok := hashKey(w.Hash); ok && w.Cancelled == 0 && r.seen.Has(key) {
			r.metrics.IncDuplicate()
			continue
		}
		var active *dex.Blob
		if w.Cancelled > 0 {
			if key, ok := hashKey(w.Hash); ok {
				if held, ok := r.store.GetByHash(key); ok && held.Cancelled() == 0 {
					active = held
				}
			}
		}
		b, fresh, err := r.store.Insert(w)
		if err != nil {
			r.metrics.IncInvalid()
			r.metrics.IncDropByReason("invalid_blob")
			debuglog.RateLimitedf("invalid:"+remote, sendTimeout, "invalid blob from %s: %v", remote, err)
			continue
		}
		r.seen.Add(b.Hash)
		if !fresh {
			if active != nil && active.Cancelled() > 0 {
				r.metrics.AddCancelsApplied(1)
				continue
			}
			r.metrics.IncDuplicate()
			continue
		}
		r.metrics.IncReceived()
		r.metrics.Recent().Add(header(b, "gossip"))
		fwd.Blobs = append(fwd.Blobs, *w)
	}
	for i := range msg.Cancels {
		n := &msg.Cancels[i]
		if r.seen.CheckAndAdd(noticeKey(n)) {
			continue
		}
		res := r.store.ApplyCancel(*n)
		r.metrics.AddCancelsApplied(res.Applied)
		r.metrics.AddCancelsBuffered(res.Buffered)
		if res.Rejected > 0 {
			r.metrics.IncDropByReason("cancel_rejected")
		}
		if res.Applied+res.Buffered > 0 {
			fwd.Cancels = append(fwd.Cancels, *n)
		}
	}
	if fwd.Hops < 1 || len(fwd.Blobs)+len(fwd.Cancels) == 0 {
		return
	}
	select {
	case r.relay <- relayJob{msg: fwd, exclude: []string{from}}:
	default:
		r.metrics.IncDropByReason("relay_full")
	}
}

// handleInv answers an anti-entropy inventory with the hashes this node
// lacks, plus the ones the sender has tombstoned that are still active here.
func (r *Runner) handleInv(msg proto.InvMsg, remote string) ([]byte, error) {
	r.learnPeer(msg.From, msg.FromPub, remote)
	want := r.store.Missing(msg.Hashes)
	want = append(want, r.store.Active(msg.Cancelled)...)
	if len(want) > proto.MaxInvHashes {
		want = want[:proto.MaxInvHashes]
	}
	if want == nil {
		want = []string{}
	}
	return proto.EncodeWantMsg(proto.WantMsg{Hashes: want})
}

// learnPeer adds the advertised listen address of a sender to the peer
// book. An unspecified host is replaced by the host the frame came from.
func (r *Runner) learnPeer(from, fromPub, remote string) string {
	addr := advertisedAddr(from, remote)
	if addr == "" || addr == r.ListenAddr() {
		return remote
	}
	if _, known := r.node.Peers.Get(addr); known {
		_ = r.node.Peers.Upsert(peer.Peer{Addr: addr, Pubkey: fromPub}, false)
		return addr
	}
	if err := r.node.Peers.Upsert(peer.Peer{Addr: addr, Pubkey: fromPub}, true); err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("peer upsert")
		return remote
	}
	log.Debug().Str("addr", addr).Msg("learned peer")
	return addr
}

func advertisedAddr(from, remote string) string {
	host, port, err := net.SplitHostPort(from)
	if err != nil || port == "" {
		return ""
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		rhost := remoteHost(remote)
		if rhost == "" {
			return ""
		}
		return net.JoinHostPort(rhost, port)
	}
	return from
}

func remoteHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func hashKey(h string) ([32]byte, bool) {
	var key [32]byte
	raw, err := hex.DecodeString(h)
	if err != nil || len(raw) != len(key) {
		return key, false
	}
	copy(key[:], raw)
	return key, true
}

func noticeKey(n *proto.CancelNotice) [32]byte {
	data, _ := json.Marshal(n)
	var key [32]byte
	copy(key[:], crypto.SHA3_256(data))
	return key
}

func nodeIDHex(n *node.Node) string {
	return hex.EncodeToString(n.ID[:])
}

