package dex

import (
	"strings"

	"github.com/pkg/errors"
)

type ListQuery struct {
	StopID      uint64
	StopHash    string
	MinPriority int
	TagA        string
	TagB        string
	DestPub     string
	MinA        *Amount
	MaxA        *Amount
	MinB        *Amount
	MaxB        *Amount
}

type ListResult struct {
	TagA    string
	TagB    string
	DestPub string
	Matches []*Blob
}

func (r ListResult) N() int {
	return len(r.Matches)
}

func inRange(v Amount, lo, hi *Amount) bool {
	if lo != nil && v < *lo {
		return false
	}
	if hi != nil && v > *hi {
		return false
	}
	return true
}

func (q *ListQuery) match(b *Blob) bool {
	if b.Priority < q.MinPriority {
		return false
	}
	return inRange(b.AmountA, q.MinA, q.MaxA) && inRange(b.AmountB, q.MinB, q.MaxB)
}

// bucket snapshots the index bucket for the query filters.
func (s *Store) bucket(tagA, tagB, destPub string) []*Blob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Bucket(tagA, tagB, destPub)
}

// List scans the bucket matching the non-empty filters from newest to
// oldest. The scan stops at StopID (only larger ids are returned) or at
// StopHash (exclusive).
func (s *Store) List(q ListQuery) (ListResult, error) {
	if err := validTags(q.TagA, q.TagB); err != nil {
		return ListResult{}, err
	}
	res := ListResult{TagA: q.TagA, TagB: q.TagB}
	if q.DestPub != "" {
		norm, _, err := normalizePubkey(q.DestPub)
		if err != nil {
			return ListResult{}, err
		}
		q.DestPub = norm
	}
	res.DestPub = q.DestPub
	stopHash := strings.ToLower(q.StopHash)
	if stopHash != "" && len(stopHash) != 64 {
		return ListResult{}, errors.Wrapf(ErrInvalidArgument, "stop hash %q", q.StopHash)
	}
	bucket := s.bucket(q.TagA, q.TagB, q.DestPub)
	res.Matches = make([]*Blob, 0)
	for i := len(bucket) - 1; i >= 0; i-- {
		b := bucket[i]
		if b.ID <= q.StopID {
			break
		}
		if stopHash != "" && b.HashHex() == stopHash {
			break
		}
		if q.match(b) {
			res.Matches = append(res.Matches, b)
		}
	}
	return res, nil
}
