package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type BlobHeader struct {
	Hash     string `json:"hash"`
	TagA     string `json:"tagA"`
	TagB     string `json:"tagB"`
	Priority int    `json:"priority"`
	Origin   string `json:"origin"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Blobs        BlobMetrics       `json:"blobs"`
	Gossip       GossipMetrics     `json:"gossip"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	QueueDepth   int64             `json:"queue_depth"`
	Peers        int64             `json:"peers"`
	Recent       []BlobHeader      `json:"recent"`
}

type BlobMetrics struct {
	Created         uint64 `json:"created"`
	Received        uint64 `json:"received"`
	Duplicate       uint64 `json:"duplicate"`
	Invalid         uint64 `json:"invalid"`
	CancelsLocal    uint64 `json:"cancels_local"`
	CancelsApplied  uint64 `json:"cancels_applied"`
	CancelsBuffered uint64 `json:"cancels_buffered"`
	Purged          uint64 `json:"purged"`
}

type GossipMetrics struct {
	Sent        uint64 `json:"sent"`
	Relayed     uint64 `json:"relayed"`
	SendErrors  uint64 `json:"send_errors"`
	SyncRounds  uint64 `json:"sync_rounds"`
	SyncFetched uint64 `json:"sync_fetched"`
}

type Metrics struct {
	created         atomic.Uint64
	received        atomic.Uint64
	duplicate       atomic.Uint64
	invalid         atomic.Uint64
	cancelsLocal    atomic.Uint64
	cancelsApplied  atomic.Uint64
	cancelsBuffered atomic.Uint64
	purged          atomic.Uint64
	gossipSent      atomic.Uint64
	gossipRelayed   atomic.Uint64
	sendErrors      atomic.Uint64
	syncRounds      atomic.Uint64
	syncFetched     atomic.Uint64
	queueDepth      atomic.Int64
	peers           atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64
	recent       *BlobRecent
	now          func() time.Time
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewBlobRecent(64),
		now:          time.Now,
	}
}

func (m *Metrics) Recent() *BlobRecent {
	return m.recent
}

func (m *Metrics) IncCreated()              { m.created.Add(1) }
func (m *Metrics) IncReceived()             { m.received.Add(1) }
func (m *Metrics) IncDuplicate()            { m.duplicate.Add(1) }
func (m *Metrics) IncInvalid()              { m.invalid.Add(1) }
func (m *Metrics) AddCancelsLocal(n int)    { m.cancelsLocal.Add(uint64(n)) }
func (m *Metrics) AddCancelsApplied(n int)  { m.cancelsApplied.Add(uint64(n)) }
func (m *Metrics) AddCancelsBuffered(n int) { m.cancelsBuffered.Add(uint64(n)) }
func (m *Metrics) AddPurged(n int)          { m.purged.Add(uint64(n)) }
func (m *Metrics) IncGossipSent()           { m.gossipSent.Add(1) }
func (m *Metrics) IncGossipRelayed()        { m.gossipRelayed.Add(1) }
func (m *Metrics) IncSendError()            { m.sendErrors.Add(1) }
func (m *Metrics) IncSyncRound()            { m.syncRounds.Add(1) }
func (m *Metrics) AddSyncFetched(n int)     { m.syncFetched.Add(uint64(n)) }
func (m *Metrics) SetQueueDepth(n int)      { m.queueDepth.Store(int64(n)) }
func (m *Metrics) SetPeers(n int)           { m.peers.Store(int64(n)) }

func (m *Metrics) IncRecvByType(t string) {
	if t == "" {
		t = "unknown"
	}
	m.mu.Lock()
	m.recvByType[t]++
	m.mu.Unlock()
}

// IncDropByReason counts a gossip loss. Losses are never surfaced as errors.
func (m *Metrics) IncDropByReason(reason string) {
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	recv := copyCounts(m.recvByType)
	drops := copyCounts(m.dropByReason)
	m.mu.Unlock()
	recent := []BlobHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: m.now().UTC(),
		Blobs: BlobMetrics{
			Created:         m.created.Load(),
			Received:        m.received.Load(),
			Duplicate:       m.duplicate.Load(),
			Invalid:         m.invalid.Load(),
			CancelsLocal:    m.cancelsLocal.Load(),
			CancelsApplied:  m.cancelsApplied.Load(),
			CancelsBuffered: m.cancelsBuffered.Load(),
			Purged:          m.purged.Load(),
		},
		Gossip: GossipMetrics{
			Sent:        m.gossipSent.Load(),
			Relayed:     m.gossipRelayed.Load(),
			SendErrors:  m.sendErrors.Load(),
			SyncRounds:  m.syncRounds.Load(),
			SyncFetched: m.syncFetched.Load(),
		},
		RecvByType:   recv,
		DropByReason: drops,
		QueueDepth:   m.queueDepth.Load(),
		Peers:        m.peers.Load(),
		Recent:       recent,
	}
}

// Perfstats is the one-line summary reported by DEX_stats.
func (m *Metrics) Perfstats() string {
	s := m.Snapshot()
	var dropped uint64
	reasons := make([]string, 0, len(s.DropByReason))
	for r, n := range s.DropByReason {
		dropped += n
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	return fmt.Sprintf("created.%d recv.%d dup.%d invalid.%d sent.%d relayed.%d dropped.%d%v queue.%d peers.%d cancels.%d/%d/%d purged.%d",
		s.Blobs.Created, s.Blobs.Received, s.Blobs.Duplicate, s.Blobs.Invalid,
		s.Gossip.Sent, s.Gossip.Relayed, dropped, reasons, s.QueueDepth, s.Peers,
		s.Blobs.CancelsLocal, s.Blobs.CancelsApplied, s.Blobs.CancelsBuffered, s.Blobs.Purged)
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}

type BlobRecent struct {
	mu   sync.Mutex
	cap  int
	list []BlobHeader
}

func NewBlobRecent(capacity int) *BlobRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &BlobRecent{cap: capacity}
}

func (r *BlobRecent) Add(h BlobHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *BlobRecent) List() []BlobHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BlobHeader, len(r.list))
	copy(out, r.list)
	return out
}
