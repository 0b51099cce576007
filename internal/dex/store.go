package dex

import (
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"dexp2p/internal/crypto"
	"dexp2p/internal/proto"
)

const (
	DefaultMaxPriority = 16
	generalTag         = "general"
)

// Persister receives every state change after it is applied in memory.
type Persister interface {
	PutBlob(rec Record) error
	PutCancelled(id uint64, ts int64) error
	DeleteBlobs(ids []uint64) error
}

// Record is the persisted form of a blob. Blob.Cancelled is informational;
// tombstones are persisted separately through PutCancelled.
type Record struct {
	ID       uint64         `json:"id"`
	RecvTime int64          `json:"recvtime"`
	Blob     proto.WireBlob `json:"blob"`
}

type Config struct {
	Keypair     *crypto.Keypair
	Clock       clock.Clock
	MaxPriority int
	Persister   Persister
	PendingTTL  time.Duration
	MaxPending  int
}

type BroadcastRequest struct {
	Message  string
	Priority int
	TagA     string
	TagB     string
	DestPub  string
	AmountA  Amount
	AmountB  Amount
}

type CancelResult struct {
	Timestamp int64
	IDs       []uint64
	Hashes    []string
}

type ApplyResult struct {
	Applied  int
	Buffered int
	Rejected int
}

type Stats struct {
	Blobs         int    `json:"blobs"`
	LastID        uint64 `json:"last_id"`
	Buckets       int    `json:"buckets"`
	Pending       int    `json:"pending_cancels"`
	PersistErrors uint64 `json:"persist_errors"`
}

// Store owns the blobs, the local id counter and the tag index.
type Store struct {
	kp          *crypto.Keypair
	pub         string
	clock       clock.Clock
	maxPriority int
	persist     Persister

	mu      sync.RWMutex
	lastID  uint64
	byID    map[uint64]*Blob
	byHash  map[[32]byte]*Blob
	order   []*Blob
	index   *TagIndex
	pending *pendingCancels

	persistErrors atomic.Uint64
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("store requires a keypair")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxPriority <= 0 {
		cfg.MaxPriority = DefaultMaxPriority
	}
	if cfg.MaxPriority > proto.MaxPriority {
		cfg.MaxPriority = proto.MaxPriority
	}
	return &Store{
		kp:          cfg.Keypair,
		pub:         cfg.Keypair.Publishable(),
		clock:       cfg.Clock,
		maxPriority: cfg.MaxPriority,
		persist:     cfg.Persister,
		byID:        make(map[uint64]*Blob),
		byHash:      make(map[[32]byte]*Blob),
		index:       NewTagIndex(),
		pending:     newPendingCancels(cfg.PendingTTL, cfg.MaxPending),
	}, nil
}

func (s *Store) Pubkey() string {
	return s.pub
}

func (s *Store) MaxPriority() int {
	return s.maxPriority
}

func validTags(tagA, tagB string) error {
	if len(tagA) > proto.MaxTagLen {
		return errors.Wrapf(ErrInvalidTag, "tagA %q", tagA)
	}
	if len(tagB) > proto.MaxTagLen {
		return errors.Wrapf(ErrInvalidTag, "tagB %q", tagB)
	}
	return nil
}

func normalizePubkey(s string) (string, [crypto.KeySize]byte, error) {
	pub, err := crypto.ParsePubkey(s)
	if err != nil {
		return "", pub, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	return crypto.EncodePubkey(pub), pub, nil
}

// Create builds, seals and indexes a blob originated by this node.
func (s *Store) Create(req BroadcastRequest) (*Blob, error) {
	if err := validTags(req.TagA, req.TagB); err != nil {
		return nil, err
	}
	if req.Priority < 0 || req.Priority > s.maxPriority {
		return nil, errors.Wrapf(ErrInvalidArgument, "priority %d outside 0..%d", req.Priority, s.maxPriority)
	}
	if req.AmountA < 0 || req.AmountB < 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "negative amount")
	}
	if req.Message == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "empty message")
	}
	tagA := req.TagA
	if tagA == "" && req.TagB == "" && req.DestPub == "" {
		tagA = generalTag
	}
	isHex := isHexMessage(req.Message)
	payload := []byte(req.Message)
	if isHex {
		payload, _ = hex.DecodeString(req.Message)
	}
	destPub := ""
	if req.DestPub != "" {
		norm, pub, err := normalizePubkey(req.DestPub)
		if err != nil {
			return nil, err
		}
		destPub = norm
		payload, err = crypto.Seal(payload, &s.kp.Priv, &pub)
		if err != nil {
			return nil, errors.Wrap(err, "seal payload")
		}
	}
	if len(payload) > proto.MaxBlobPayload {
		return nil, errors.Wrapf(ErrInvalidArgument, "payload of %d bytes exceeds %d", len(payload), proto.MaxBlobPayload)
	}

	w := proto.WireBlob{
		Timestamp: s.clock.Now().Unix(),
		TagA:      tagA,
		TagB:      req.TagB,
		SenderPub: s.pub,
		DestPub:   destPub,
		Payload:   payload,
		Hex:       isHex,
		AmountA:   int64(req.AmountA),
		AmountB:   int64(req.AmountB),
		Priority:  req.Priority,
	}
	for {
		if err := proto.SealBlob(&w); err != nil {
			return nil, errors.Wrap(ErrInvalidArgument, err.Error())
		}
		b, err := blobFromWire(&w)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if _, dup := s.byHash[b.Hash]; dup {
			// same content within the same second; grind past it
			s.mu.Unlock()
			w.Nonce++
			continue
		}
		s.addLocked(b, w.Timestamp)
		s.mu.Unlock()
		s.persistBlob(b)
		return b, nil
	}
}

// Insert accepts a gossiped blob. It returns the stored blob and whether it
// was new to this node.
func (s *Store) Insert(w *proto.WireBlob) (*Blob, bool, error) {
	if err := proto.VerifyBlob(w, s.maxPriority); err != nil {
		return nil, false, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	b, err := blobFromWire(w)
	if err != nil {
		return nil, false, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	if existing, ok := s.byHash[b.Hash]; ok {
		s.mu.Unlock()
		if w.Cancelled > 0 && tombstoneValid(existing, w.SenderPub, w.Cancelled) {
			s.cancelBlob(existing, w.Cancelled)
		}
		return existing, false, nil
	}
	if w.Cancelled > 0 && tombstoneValid(b, w.SenderPub, w.Cancelled) {
		b.markCancelled(w.Cancelled)
	}
	if pc, ok := s.pending.Take(now, b.Hash); ok && tombstoneValid(b, pc.senderPub, pc.ts) {
		b.markCancelled(pc.ts)
	}
	s.addLocked(b, now.Unix())
	s.mu.Unlock()
	s.persistBlob(b)
	if ts := b.Cancelled(); ts > 0 {
		s.persistCancel(b, ts)
	}
	return b, true, nil
}

// ReserveIDs makes every later id greater than last.
func (s *Store) ReserveIDs(last uint64) {
	s.mu.Lock()
	if last > s.lastID {
		s.lastID = last
	}
	s.mu.Unlock()
}

// Restore loads a persisted record at startup, keeping its id.
func (s *Store) Restore(rec Record, cancelled int64) error {
	b, err := blobFromWire(&rec.Blob)
	if err != nil {
		return err
	}
	if cancelled > 0 {
		b.markCancelled(cancelled)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byHash[b.Hash]; dup {
		return nil
	}
	if _, dup := s.byID[rec.ID]; dup || rec.ID == 0 {
		return errors.Wrapf(ErrInvalidArgument, "record id %d", rec.ID)
	}
	b.ID = rec.ID
	b.RecvTime = rec.RecvTime
	if rec.ID > s.lastID {
		s.lastID = rec.ID
	}
	s.byID[b.ID] = b
	s.byHash[b.Hash] = b
	s.order = append(s.order, b)
	s.index.Add(b)
	return nil
}

func (s *Store) addLocked(b *Blob, recvTime int64) {
	s.lastID++
	b.ID = s.lastID
	b.RecvTime = recvTime
	s.byID[b.ID] = b
	s.byHash[b.Hash] = b
	s.order = append(s.order, b)
	s.index.Add(b)
}

func (s *Store) persistBlob(b *Blob) {
	if s.persist == nil {
		return
	}
	rec := Record{ID: b.ID, RecvTime: b.RecvTime, Blob: b.Wire()}
	if err := s.persist.PutBlob(rec); err != nil {
		s.persistErrors.Add(1)
		log.Warn().Err(err).Str("hash", b.HashHex()).Uint64("id", b.ID).Msg("persist blob failed")
	}
}

func (s *Store) persistCancel(b *Blob, ts int64) {
	if s.persist == nil {
		return
	}
	if err := s.persist.PutCancelled(b.ID, ts); err != nil {
		s.persistErrors.Add(1)
		log.Warn().Err(err).Str("hash", b.HashHex()).Msg("persist cancel failed")
	}
}

func (s *Store) Get(id uint64) (*Blob, error) {
	s.mu.RLock()
	b, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %d", id)
	}
	return b, nil
}

func (s *Store) GetByHash(hash [32]byte) (*Blob, bool) {
	s.mu.RLock()
	b, ok := s.byHash[hash]
	s.mu.RUnlock()
	return b, ok
}

func (s *Store) GetByHashHex(h string) (*Blob, bool) {
	raw, err := hex.DecodeString(h)
	if err != nil || len(raw) != 32 {
		return nil, false
	}
	var key [32]byte
	copy(key[:], raw)
	return s.GetByHash(key)
}

// Recent returns up to limit hashes, newest first.
func (s *Store) Recent(limit int) []string {
	s.mu.RLock()
	order := s.order
	s.mu.RUnlock()
	if limit <= 0 || limit > len(order) {
		limit = len(order)
	}
	out := make([]string, 0, limit)
	for i := len(order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, order[i].HashHex())
	}
	return out
}

// Tombstoned returns the hashes in hashes that this node holds cancelled.
func (s *Store) Tombstoned(hashes []string) []string {
	var out []string
	for _, h := range hashes {
		if b, ok := s.GetByHashHex(h); ok && b.Cancelled() > 0 {
			out = append(out, h)
		}
	}
	return out
}

// Active returns the hashes in hashes that this node holds uncancelled.
func (s *Store) Active(hashes []string) []string {
	var out []string
	for _, h := range hashes {
		if b, ok := s.GetByHashHex(h); ok && b.Cancelled() == 0 {
			out = append(out, h)
		}
	}
	return out
}

// Missing returns the hashes in hashes that this node does not hold.
func (s *Store) Missing(hashes []string) []string {
	var out []string
	for _, h := range hashes {
		if _, ok := s.GetByHashHex(h); !ok {
			out = append(out, h)
		}
	}
	return out
}

// View renders b for this node, decrypting when it holds a matching key.
func (s *Store) View(b *Blob) BlobView {
	v := BlobView{
		Timestamp: b.Timestamp,
		RecvTime:  b.RecvTime,
		ID:        b.ID,
		Hash:      b.HashHex(),
		TagA:      b.TagA,
		TagB:      b.TagB,
		SenderPub: b.SenderPub,
		DestPub:   b.DestPub,
		Pubkey:    b.DestPub,
		Hex:       boolInt(b.Hex),
		AmountA:   b.AmountA,
		AmountB:   b.AmountB,
		Priority:  b.Priority,
		Cancelled: b.Cancelled(),
	}
	if b.DestPub == "" {
		v.Payload = renderPayload(b.Payload, b.Hex)
		return v
	}
	v.Payload = hex.EncodeToString(b.Payload)
	plain, err := s.Decrypt(b)
	if err != nil {
		return v
	}
	dec := renderPayload(plain, b.Hex)
	flag := boolInt(b.Hex)
	v.Decrypted = &dec
	v.DecryptedHex = &flag
	return v
}

// Decrypt opens the payload of an addressed blob when this node is its
// sender or its destination.
func (s *Store) Decrypt(b *Blob) ([]byte, error) {
	if b.DestPub == "" {
		return b.Payload, nil
	}
	var peer string
	switch s.pub {
	case b.DestPub:
		peer = b.SenderPub
	case b.SenderPub:
		peer = b.DestPub
	default:
		return nil, ErrEncryptionKeyUnavailable
	}
	peerPub, err := crypto.ParsePubkey(peer)
	if err != nil {
		return nil, ErrEncryptionKeyUnavailable
	}
	plain, err := crypto.Open(b.Payload, &peerPub, &s.kp.Priv)
	if err != nil {
		return nil, ErrEncryptionKeyUnavailable
	}
	return plain, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Blobs:         len(s.byID),
		LastID:        s.lastID,
		Buckets:       s.index.Len(),
		Pending:       s.pending.Len(),
		PersistErrors: s.persistErrors.Load(),
	}
}
