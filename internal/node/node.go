package node

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"dexp2p/internal/crypto"
	"dexp2p/internal/peer"
)

// MetaStore keeps small node settings across restarts.
type MetaStore interface {
	PutMeta(key string, val []byte) error
	GetMeta(key string) ([]byte, bool, error)
}

type Node struct {
	ID        [32]byte
	Keys      *crypto.Keypair
	SessionID string
	Home      string
	Peers     *peer.Store

	meta     MetaStore
	mu       sync.RWMutex
	chainPub string
}

type Options struct {
	PeerStorePath string
	PeerStoreCap  int
	PeerStoreTTL  time.Duration
	Meta          MetaStore
	Clock         clock.Clock
}

const (
	defaultPeerBook = "peers.jsonl"
	metaChainPubkey = "chain_pubkey"
	ChainPubkeySize = 33
)

func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	kp, err := crypto.LoadKeypair(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		kp, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(home, kp); err != nil {
			return nil, err
		}
	}
	path := opts.PeerStorePath
	if path == "" {
		path = filepath.Join(home, defaultPeerBook)
	}
	peers, err := peer.NewStore(path, peer.Options{
		Cap:   opts.PeerStoreCap,
		TTL:   opts.PeerStoreTTL,
		Clock: opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	n := &Node{
		ID:        DeriveNodeID(kp.Pub[:]),
		Keys:      kp,
		SessionID: uuid.NewString(),
		Home:      home,
		Peers:     peers,
		meta:      opts.Meta,
	}
	if n.meta != nil {
		if v, ok, err := n.meta.GetMeta(metaChainPubkey); err != nil {
			return nil, err
		} else if ok {
			n.chainPub = string(v)
		}
	}
	return n, nil
}

func DeriveNodeID(pub []byte) [32]byte {
	sum := crypto.KDF("dexp2p:nodeid:v1", pub)
	var id [32]byte
	copy(id[:], sum)
	return id
}

// Publishable is the pubkey other nodes address payloads to.
func (n *Node) Publishable() string {
	return n.Keys.Publishable()
}

// ParseChainPubkey checks a 33-byte compressed secp256k1 pubkey in hex.
func ParseChainPubkey(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("pubkey is not hex: %w", err)
	}
	if len(raw) != ChainPubkeySize {
		return "", fmt.Errorf("pubkey must be %d bytes, got %d", ChainPubkeySize, len(raw))
	}
	if raw[0] != 0x02 && raw[0] != 0x03 {
		return "", fmt.Errorf("pubkey must be compressed (02/03 prefix)")
	}
	return s, nil
}

// SetChainPubkey records the chain pubkey reported by DEX_stats.
func (n *Node) SetChainPubkey(s string) (string, error) {
	pub, err := ParseChainPubkey(s)
	if err != nil {
		return "", err
	}
	if n.meta != nil {
		if err := n.meta.PutMeta(metaChainPubkey, []byte(pub)); err != nil {
			return "", err
		}
	}
	n.mu.Lock()
	n.chainPub = pub
	n.mu.Unlock()
	return pub, nil
}

func (n *Node) ChainPubkey() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.chainPub
}
