package daemon

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"dexp2p/internal/proto"
)

func (r *Runner) runSync(ctx context.Context) error {
	t := r.clock.Ticker(r.cfg.SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := r.SyncOnce(ctx); err != nil {
				log.Ctx(ctx).Debug().Err(err).Msg("anti-entropy round failed")
			}
		}
	}
}

// SyncOnce runs one anti-entropy round: advertise recent hashes, marking
// the tombstoned ones, to one random peer and push whatever it asks for.
// A wanted blob that is cancelled here carries its tombstone.
func (r *Runner) SyncOnce(ctx context.Context) error {
	targets := r.node.Peers.Pick(1, r.ListenAddr())
	if len(targets) == 0 {
		return nil
	}
	hashes := r.store.Recent(r.cfg.SyncHashes)
	if len(hashes) == 0 {
		return nil
	}
	addr := targets[0]
	inv, err := proto.EncodeInvMsg(proto.InvMsg{
		From:      r.ListenAddr(),
		FromPub:   r.store.Pubkey(),
		Hashes:    hashes,
		Cancelled: r.store.Tombstoned(hashes),
	})
	if err != nil {
		return err
	}
	ectx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	resp, err := r.transport.Exchange(ectx, addr, inv)
	if err != nil {
		r.node.Peers.RecordFailure(addr)
		return errors.Wrapf(err, "inv to %s", addr)
	}
	r.node.Peers.RecordSuccess(addr)
	want, err := proto.DecodeWantMsg(resp)
	if err != nil {
		return errors.Wrapf(err, "want from %s", addr)
	}
	r.metrics.IncSyncRound()
	msg := proto.GossipPushMsg{
		Hops:    1,
		From:    r.ListenAddr(),
		FromPub: r.store.Pubkey(),
	}
	for _, h := range want.Hashes {
		if b, ok := r.store.GetByHashHex(h); ok {
			msg.Blobs = append(msg.Blobs, b.Wire())
		}
	}
	if len(msg.Blobs) == 0 {
		return nil
	}
	frames, err := encodePush(msg)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := r.fanout(ctx, []string{addr}, frame); err != nil {
			return err
		}
	}
	r.metrics.AddSyncFetched(len(msg.Blobs))
	log.Ctx(ctx).Debug().Str("peer", addr).Int("n", len(msg.Blobs)).Msg("anti-entropy pushed blobs")
	return nil
}

func (r *Runner) runPurge(ctx context.Context) error {
	every := r.cfg.Retention / 4
	if every > maxPurgeInterval || every <= 0 {
		every = maxPurgeInterval
	}
	t := r.clock.Ticker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.PurgeExpired()
		}
	}
}

// PurgeExpired drops blobs received longer than retention ago.
func (r *Runner) PurgeExpired() int {
	if r.cfg.Retention <= 0 {
		return 0
	}
	n := r.store.Purge(r.clock.Now().Add(-r.cfg.Retention))
	if n > 0 {
		r.metrics.AddPurged(n)
		log.Info().Int("n", n).Dur("retention", r.cfg.Retention).Msg("purged expired blobs")
	}
	return n
}

func (r *Runner) runSnapshots(ctx context.Context) error {
	t := r.clock.Ticker(snapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.writeSnapshot()
			return nil
		case <-t.C:
			r.writeSnapshot()
		}
	}
}

func (r *Runner) writeSnapshot() {
	r.metrics.SetQueueDepth(len(r.queue))
	r.metrics.SetPeers(r.node.Peers.Len())
	if r.snapPath == "" {
		return
	}
	if err := r.metrics.WriteSnapshot(r.snapPath); err != nil {
		log.Debug().Err(err).Str("path", r.snapPath).Msg("metrics snapshot")
	}
}
