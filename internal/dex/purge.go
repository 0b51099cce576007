package dex

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Purge removes blobs received before the cutoff from memory, index and
// persistence. Ids are never reused.
func (s *Store) Purge(before time.Time) int {
	cutoff := before.Unix()
	s.mu.Lock()
	var ids []uint64
	kept := make([]*Blob, 0, len(s.order))
	for _, b := range s.order {
		if b.RecvTime < cutoff {
			ids = append(ids, b.ID)
			delete(s.byID, b.ID)
			delete(s.byHash, b.Hash)
			continue
		}
		kept = append(kept, b)
	}
	if len(ids) > 0 {
		s.order = kept
		s.index.Rebuild(func(b *Blob) bool { return b.RecvTime >= cutoff })
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return 0
	}
	if s.persist != nil {
		if err := s.persist.DeleteBlobs(ids); err != nil {
			s.persistErrors.Add(1)
			log.Warn().Err(err).Int("n", len(ids)).Msg("persist purge failed")
		}
	}
	return len(ids)
}
