package peer

import (
	"bufio"
	"container/list"
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
)

const (
	DefaultCap         = 512
	DefaultTTL         = 30 * time.Minute
	DefaultMaxFailures = 8
	maxPeerLine        = 4096
)

// Peer is a gossip neighbour reachable at Addr.
type Peer struct {
	Addr      string
	Pubkey    string
	LastSeen  time.Time
	FailCount int
	Seed      bool
}

type Options struct {
	Cap         int
	TTL         time.Duration
	MaxFailures int
	Clock       clock.Clock
}

// Store is the peer table: LRU ordered, TTL expiring, seeds pinned.
type Store struct {
	mu      sync.Mutex
	path    string
	cap     int
	ttl     time.Duration
	maxFail int
	clock   clock.Clock
	hot     map[string]*list.Element
	order   *list.List
	rng     *rand.Rand
}

type entry struct {
	peer      Peer
	expiresAt time.Time
}

type diskPeer struct {
	Addr   string `json:"addr"`
	Pubkey string `json:"pubkey,omitempty"`
}

var ErrBadAddr = errors.New("bad peer addr")

// NewStore opens the table. An empty path keeps it in memory only.
func NewStore(path string, opts Options) (*Store, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxFail := opts.MaxFailures
	if maxFail <= 0 {
		maxFail = DefaultMaxFailures
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{
		path:    path,
		cap:     capacity,
		ttl:     ttl,
		maxFail: maxFail,
		clock:   clk,
		hot:     make(map[string]*list.Element),
		order:   list.New(),
		rng:     rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func validAddr(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	return err == nil && host != "" && port != ""
}

// AddSeed pins a configured peer so it never expires or gets evicted.
func (s *Store) AddSeed(addr string) error {
	if !validAddr(addr) {
		return ErrBadAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.hot[addr]; ok {
		el.Value.(*entry).peer.Seed = true
		return nil
	}
	el := s.order.PushFront(&entry{peer: Peer{Addr: addr, Seed: true}})
	s.hot[addr] = el
	return nil
}

// Upsert records that p was seen now.
func (s *Store) Upsert(p Peer, persist bool) error {
	if !validAddr(p.Addr) {
		return ErrBadAddr
	}
	now := s.clock.Now()
	s.mu.Lock()
	s.pruneLocked(now)
	if el, ok := s.hot[p.Addr]; ok {
		ent := el.Value.(*entry)
		if p.Pubkey != "" {
			ent.peer.Pubkey = p.Pubkey
		}
		ent.peer.LastSeen = now
		ent.expiresAt = now.Add(s.ttl)
		s.order.MoveToFront(el)
		s.mu.Unlock()
	} else {
		p.LastSeen = now
		p.FailCount = 0
		p.Seed = false
		el := s.order.PushFront(&entry{peer: p, expiresAt: now.Add(s.ttl)})
		s.hot[p.Addr] = el
		if over := len(s.hot) - s.cap; over > 0 {
			s.evictLocked(over)
		}
		s.mu.Unlock()
	}
	if persist && s.path != "" {
		return s.appendDisk(diskPeer{Addr: p.Addr, Pubkey: p.Pubkey})
	}
	return nil
}

// RecordFailure counts a failed send. Non-seed peers are dropped after
// MaxFailures consecutive failures.
func (s *Store) RecordFailure(addr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[addr]
	if !ok {
		return 0
	}
	ent := el.Value.(*entry)
	ent.peer.FailCount++
	if ent.peer.FailCount >= s.maxFail && !ent.peer.Seed {
		s.removeLocked(el)
	}
	return ent.peer.FailCount
}

func (s *Store) RecordSuccess(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.hot[addr]; ok {
		el.Value.(*entry).peer.FailCount = 0
	}
}

func (s *Store) Get(addr string) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[addr]
	if !ok {
		return Peer{}, false
	}
	return el.Value.(*entry).peer, true
}

// List returns peers, most recently seen first.
func (s *Store) List() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clock.Now())
	out := make([]Peer, 0, len(s.hot))
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).peer)
	}
	return out
}

// Pick returns up to n random peer addresses, skipping exclude.
func (s *Store) Pick(n int, exclude ...string) []string {
	if n <= 0 {
		return nil
	}
	addrs := lo.Without(lo.Map(s.List(), func(p Peer, _ int) string { return p.Addr }), exclude...)
	s.mu.Lock()
	s.rng.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	s.mu.Unlock()
	if len(addrs) > n {
		addrs = addrs[:n]
	}
	return addrs
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hot)
}

// EvictToMax drops the worst non-seed peers (most failures, then oldest)
// until at most max remain.
func (s *Store) EvictToMax(max int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	over := len(s.hot) - max
	if over <= 0 {
		return 0
	}
	return s.evictLocked(over)
}

func (s *Store) evictLocked(n int) int {
	var victims []*list.Element
	for el := s.order.Front(); el != nil; el = el.Next() {
		if !el.Value.(*entry).peer.Seed {
			victims = append(victims, el)
		}
	}
	sort.SliceStable(victims, func(i, j int) bool {
		a, b := victims[i].Value.(*entry).peer, victims[j].Value.(*entry).peer
		if a.FailCount != b.FailCount {
			return a.FailCount > b.FailCount
		}
		return a.LastSeen.Before(b.LastSeen)
	})
	evicted := 0
	for _, el := range victims {
		if evicted >= n {
			break
		}
		s.removeLocked(el)
		evicted++
	}
	return evicted
}

func (s *Store) pruneLocked(now time.Time) {
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if !ent.peer.Seed && !ent.expiresAt.After(now) {
			s.removeLocked(el)
		}
		el = prev
	}
}

func (s *Store) removeLocked(el *list.Element) {
	delete(s.hot, el.Value.(*entry).peer.Addr)
	s.order.Remove(el)
}

func (s *Store) appendDisk(p diskPeer) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(p)
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	var recs []diskPeer
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, maxPeerLine), maxPeerLine)
	for sc.Scan() {
		var rec diskPeer
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil && validAddr(rec.Addr) {
			recs = append(recs, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if len(recs) > s.cap {
		recs = recs[len(recs)-s.cap:]
	}
	for _, rec := range recs {
		_ = s.Upsert(Peer{Addr: rec.Addr, Pubkey: rec.Pubkey}, false)
	}
	return nil
}
