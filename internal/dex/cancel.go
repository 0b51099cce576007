package dex

import (
	"encoding/hex"

	"github.com/pkg/errors"

	"dexp2p/internal/proto"
)

func (s *Store) now() int64 {
	ts := s.clock.Now().Unix()
	if ts <= 0 {
		ts = 1
	}
	return ts
}

// tombstoneValid is the acceptance rule for every remote tombstone, whether
// it came as a cancel notice, a pending notice or a cancelled wire blob.
// Notices are unsigned, so authenticity is claim-based: the claim must name
// the blob's sender and cannot predate the blob.
func tombstoneValid(b *Blob, senderPub string, ts int64) bool {
	return senderPub == b.SenderPub && ts >= b.Timestamp
}

func (s *Store) cancelBlob(b *Blob, ts int64) bool {
	if !b.markCancelled(ts) {
		return false
	}
	s.persistCancel(b, b.Cancelled())
	return true
}

func (s *Store) cancelAll(blobs []*Blob) CancelResult {
	res := CancelResult{Timestamp: s.now(), IDs: []uint64{}, Hashes: []string{}}
	for _, b := range blobs {
		if b.SenderPub != s.pub {
			continue
		}
		if s.cancelBlob(b, res.Timestamp) {
			res.IDs = append(res.IDs, b.ID)
			res.Hashes = append(res.Hashes, b.HashHex())
		}
	}
	return res
}

// Cancel tombstones one blob originated by this node.
func (s *Store) Cancel(id uint64) (CancelResult, error) {
	b, err := s.Get(id)
	if err != nil {
		return CancelResult{}, err
	}
	if b.SenderPub != s.pub {
		return CancelResult{}, errors.Wrapf(ErrInvalidArgument, "blob %d was not originated by this node", id)
	}
	return s.cancelAll([]*Blob{b}), nil
}

// CancelByTags tombstones this node's blobs carrying the given tags.
func (s *Store) CancelByTags(tagA, tagB string) (CancelResult, error) {
	if err := validTags(tagA, tagB); err != nil {
		return CancelResult{}, err
	}
	if tagA == "" && tagB == "" {
		return CancelResult{}, errors.Wrap(ErrInvalidArgument, "cancel by tags needs a tag")
	}
	return s.cancelAll(s.bucket(tagA, tagB, "")), nil
}

// CancelByPubkey tombstones this node's blobs addressed to destPub.
func (s *Store) CancelByPubkey(destPub string) (CancelResult, error) {
	norm, _, err := normalizePubkey(destPub)
	if err != nil {
		return CancelResult{}, err
	}
	return s.cancelAll(s.bucket("", "", norm)), nil
}

// ApplyCancel applies a remote cancel notice. Hashes of blobs not yet seen
// are buffered and applied when the blob arrives.
func (s *Store) ApplyCancel(n proto.CancelNotice) ApplyResult {
	var res ApplyResult
	ts := n.Timestamp
	if ts <= 0 {
		ts = 1
	}
	now := s.clock.Now()
	for _, h := range n.Hashes {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != 32 {
			res.Rejected++
			continue
		}
		var key [32]byte
		copy(key[:], raw)
		s.mu.Lock()
		b, ok := s.byHash[key]
		if !ok {
			s.pending.Add(now, key, n.SenderPub, ts)
			s.mu.Unlock()
			res.Buffered++
			continue
		}
		s.mu.Unlock()
		if !tombstoneValid(b, n.SenderPub, ts) {
			res.Rejected++
			continue
		}
		if s.cancelBlob(b, ts) {
			res.Applied++
		}
	}
	return res
}
