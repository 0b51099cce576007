package dex

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type pendingCancel struct {
	senderPub string
	ts        int64
	at        time.Time
}

// pendingCancels buffers cancel notices for blobs that have not arrived yet.
// The LRU bounds it; entries older than ttl are dropped on access.
type pendingCancels struct {
	ttl   time.Duration
	items *lru.Cache[[32]byte, pendingCancel]
}

func newPendingCancels(ttl time.Duration, max int) *pendingCancels {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 8192
	}
	items, _ := lru.New[[32]byte, pendingCancel](max)
	return &pendingCancels{ttl: ttl, items: items}
}

func (p *pendingCancels) Add(now time.Time, hash [32]byte, senderPub string, ts int64) {
	p.prune(now)
	p.items.Add(hash, pendingCancel{senderPub: senderPub, ts: ts, at: now})
}

// Take removes and returns the buffered cancel for hash.
func (p *pendingCancels) Take(now time.Time, hash [32]byte) (pendingCancel, bool) {
	p.prune(now)
	pc, ok := p.items.Peek(hash)
	if !ok {
		return pendingCancel{}, false
	}
	p.items.Remove(hash)
	return pc, true
}

func (p *pendingCancels) Len() int {
	return p.items.Len()
}

// prune drops expired entries from the cold end. Add order matches expiry
// order because every Add moves its entry to the hot end.
func (p *pendingCancels) prune(now time.Time) {
	for {
		_, pc, ok := p.items.GetOldest()
		if !ok || now.Sub(pc.at) <= p.ttl {
			return
		}
		p.items.RemoveOldest()
	}
}
