// internal/proto/blob.go
package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"dexp2p/internal/crypto"
)

const (
	BlobVersion    = 1
	MaxTagLen      = 15
	MaxBlobPayload = 16 << 10
	MaxPriority    = 64
)

// WireBlob is the gossip form of a blob. Local fields (id, recvtime) never
// travel; cancelled rides along so anti-entropy can repair tombstones.
type WireBlob struct {
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	TagA      string `json:"tagA,omitempty"`
	TagB      string `json:"tagB,omitempty"`
	SenderPub string `json:"senderpub"`
	DestPub   string `json:"destpub,omitempty"`
	Payload   []byte `json:"payload"`
	Hex       bool   `json:"hex,omitempty"`
	AmountA   int64  `json:"amountA,omitempty"`
	AmountB   int64  `json:"amountB,omitempty"`
	Priority  int    `json:"priority"`
	Nonce     uint32 `json:"nonce"`
	Cancelled int64  `json:"cancelled,omitempty"`
}

type CancelNotice struct {
	Hashes    []string `json:"hashes"`
	SenderPub string   `json:"senderpub"`
	Timestamp int64    `json:"timestamp"`
}

// BlobPrefix is the canonical encoding of every hashed field except the
// trailing nonce.
func BlobPrefix(b *WireBlob) []byte {
	var buf bytes.Buffer
	buf.Grow(64 + len(b.TagA) + len(b.TagB) + len(b.SenderPub) + len(b.DestPub) + len(b.Payload))
	var tmp [8]byte
	buf.WriteByte(BlobVersion)
	binary.BigEndian.PutUint64(tmp[:], uint64(b.Timestamp))
	buf.Write(tmp[:])
	for _, s := range []string{b.TagA, b.TagB, b.SenderPub, b.DestPub} {
		binary.BigEndian.PutUint16(tmp[:2], uint16(len(s)))
		buf.Write(tmp[:2])
		buf.WriteString(s)
	}
	if b.Hex {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.BigEndian.PutUint64(tmp[:], uint64(b.AmountA))
	buf.Write(tmp[:])
	binary.BigEndian.PutUint64(tmp[:], uint64(b.AmountB))
	buf.Write(tmp[:])
	buf.WriteByte(byte(b.Priority))
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(b.Payload)))
	buf.Write(tmp[:4])
	buf.Write(b.Payload)
	return buf.Bytes()
}

func BlobHashWithNonce(prefix []byte, nonce uint32) []byte {
	msg := make([]byte, len(prefix)+4)
	copy(msg, prefix)
	binary.BigEndian.PutUint32(msg[len(prefix):], nonce)
	return crypto.SHA3_256(msg)
}

func BlobHash(b *WireBlob) []byte {
	return BlobHashWithNonce(BlobPrefix(b), b.Nonce)
}

// SealBlob grinds the nonce, starting at b.Nonce, until the hash meets
// b.Priority and fills Hash.
func SealBlob(b *WireBlob) error {
	prefix := BlobPrefix(b)
	nonce, digest, ok := crypto.PowSolve(func(n uint32) []byte {
		return BlobHashWithNonce(prefix, n)
	}, b.Priority, b.Nonce)
	if !ok {
		return fmt.Errorf("no nonce for priority %d", b.Priority)
	}
	b.Nonce = nonce
	b.Hash = hex.EncodeToString(digest)
	return nil
}

// VerifyBlob checks shape, hash and proof-of-work of a received blob.
func VerifyBlob(b *WireBlob, maxPriority int) error {
	if len(b.TagA) > MaxTagLen || len(b.TagB) > MaxTagLen {
		return fmt.Errorf("tag too long")
	}
	if len(b.Payload) > MaxBlobPayload {
		return fmt.Errorf("payload too large")
	}
	if b.Priority < 0 || b.Priority > maxPriority {
		return fmt.Errorf("priority out of range: %d", b.Priority)
	}
	if b.AmountA < 0 || b.AmountB < 0 {
		return fmt.Errorf("negative amount")
	}
	if !crypto.IsPubkey(b.SenderPub) {
		return fmt.Errorf("bad senderpub")
	}
	if b.DestPub != "" && !crypto.IsPubkey(b.DestPub) {
		return fmt.Errorf("bad destpub")
	}
	want, err := hex.DecodeString(b.Hash)
	if err != nil || len(want) != 32 {
		return fmt.Errorf("bad hash")
	}
	got := BlobHash(b)
	if !bytes.Equal(got, want) {
		return fmt.Errorf("hash mismatch")
	}
	if !crypto.PowCheck(got, b.Priority) {
		return fmt.Errorf("insufficient work for priority %d", b.Priority)
	}
	return nil
}
