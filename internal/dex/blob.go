package dex

import (
	"encoding/hex"
	"sync/atomic"

	"dexp2p/internal/proto"
)

// Blob is an indexed broadcast message. All fields except cancelled are
// immutable once the blob is in the store.
type Blob struct {
	ID        uint64
	Hash      [32]byte
	Timestamp int64
	RecvTime  int64
	TagA      string
	TagB      string
	SenderPub string
	DestPub   string
	Payload   []byte
	Hex       bool
	AmountA   Amount
	AmountB   Amount
	Priority  int
	Nonce     uint32

	cancelled atomic.Int64
}

func (b *Blob) HashHex() string {
	return hex.EncodeToString(b.Hash[:])
}

func (b *Blob) Cancelled() int64 {
	return b.cancelled.Load()
}

// markCancelled sets the tombstone once. Later calls are no-ops.
func (b *Blob) markCancelled(ts int64) bool {
	if ts <= 0 {
		ts = 1
	}
	return b.cancelled.CompareAndSwap(0, ts)
}

// Tradable reports whether both amounts are set.
func (b *Blob) Tradable() bool {
	return b.AmountA > 0 && b.AmountB > 0
}

func (b *Blob) Wire() proto.WireBlob {
	return proto.WireBlob{
		Hash:      b.HashHex(),
		Timestamp: b.Timestamp,
		TagA:      b.TagA,
		TagB:      b.TagB,
		SenderPub: b.SenderPub,
		DestPub:   b.DestPub,
		Payload:   b.Payload,
		Hex:       b.Hex,
		AmountA:   int64(b.AmountA),
		AmountB:   int64(b.AmountB),
		Priority:  b.Priority,
		Nonce:     b.Nonce,
		Cancelled: b.Cancelled(),
	}
}

func blobFromWire(w *proto.WireBlob) (*Blob, error) {
	raw, err := hex.DecodeString(w.Hash)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidArgument
	}
	b := &Blob{
		Timestamp: w.Timestamp,
		TagA:      w.TagA,
		TagB:      w.TagB,
		SenderPub: w.SenderPub,
		DestPub:   w.DestPub,
		Payload:   append([]byte(nil), w.Payload...),
		Hex:       w.Hex,
		AmountA:   Amount(w.AmountA),
		AmountB:   Amount(w.AmountB),
		Priority:  w.Priority,
		Nonce:     w.Nonce,
	}
	copy(b.Hash[:], raw)
	return b, nil
}

// BlobView is the JSON rendering of a blob for one observer.
type BlobView struct {
	Timestamp    int64   `json:"timestamp"`
	RecvTime     int64   `json:"recvtime"`
	ID           uint64  `json:"id"`
	Hash         string  `json:"hash"`
	TagA         string  `json:"tagA"`
	TagB         string  `json:"tagB"`
	SenderPub    string  `json:"senderpub"`
	DestPub      string  `json:"destpub"`
	Pubkey       string  `json:"pubkey,omitempty"`
	Payload      string  `json:"payload"`
	Hex          int     `json:"hex"`
	Decrypted    *string `json:"decrypted,omitempty"`
	DecryptedHex *int    `json:"decryptedhex,omitempty"`
	AmountA      Amount  `json:"amountA"`
	AmountB      Amount  `json:"amountB"`
	Priority     int     `json:"priority"`
	Cancelled    int64   `json:"cancelled"`
}

func renderPayload(p []byte, asHex bool) string {
	if asHex {
		return hex.EncodeToString(p)
	}
	return string(p)
}

// isHexMessage reports whether msg should be carried as raw bytes. Only
// lowercase hex qualifies so the rendered payload matches msg exactly.
func isHexMessage(msg string) bool {
	if len(msg) == 0 || len(msg)%2 != 0 {
		return false
	}
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
