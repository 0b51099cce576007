// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// DEX crypto suite
//
// - SHA3-256 for blob hashes, node ids and file hashes
// - curve25519 + XSalsa20-Poly1305 (nacl/box) for payloads addressed to a destpub
// -----------------------------------------------------------------------------

const (
	KeySize   = 32
	NonceSize = 24
	Overhead  = box.Overhead

	// PubkeyPrefix marks a publishable curve25519 pubkey on the wire.
	PubkeyPrefix = "01"
)

var ErrKeyUnavailable = errors.New("encryption key unavailable")

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// Keys
// -----------------------------------------------------------------------------

type Keypair struct {
	Pub  [KeySize]byte
	Priv [KeySize]byte
}

func (k *Keypair) String() string {
	return "Keypair{" + EncodePubkey(k.Pub) + "}"
}

func (k *Keypair) GoString() string {
	return "crypto.Keypair{REDACTED}"
}

// Publishable returns the pubkey as it appears in senderpub/destpub fields.
func (k *Keypair) Publishable() string {
	return EncodePubkey(k.Pub)
}

func GenKeypair() (*Keypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{Pub: *pub, Priv: *priv}, nil
}

func EncodePubkey(pub [KeySize]byte) string {
	return PubkeyPrefix + hex.EncodeToString(pub[:])
}

// ParsePubkey accepts the prefixed 66-char form or bare 64-char hex.
func ParsePubkey(s string) ([KeySize]byte, error) {
	var out [KeySize]byte
	s = strings.TrimSpace(strings.ToLower(s))
	switch len(s) {
	case 2 + 2*KeySize:
		if !strings.HasPrefix(s, PubkeyPrefix) {
			return out, fmt.Errorf("bad pubkey prefix %q", s[:2])
		}
		s = s[2:]
	case 2 * KeySize:
	default:
		return out, fmt.Errorf("bad pubkey length %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, errors.Wrap(err, "bad pubkey hex")
	}
	copy(out[:], raw)
	return out, nil
}

func IsPubkey(s string) bool {
	_, err := ParsePubkey(s)
	return err == nil
}

// -----------------------------------------------------------------------------
// Payload sealing
// -----------------------------------------------------------------------------

// Seal encrypts msg from the sender to destPub. Output is nonce(24) || box.
// The box key is symmetric in (sender, dest), so either side can open it.
func Seal(msg []byte, senderPriv, destPub *[KeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return box.Seal(nonce[:], msg, &nonce, destPub, senderPriv), nil
}

// Open reverses Seal. peerPub is the other party: the sender when we are the
// destination, the destination when we are the sender.
func Open(sealed []byte, peerPub, ownPriv *[KeySize]byte) ([]byte, error) {
	if len(sealed) < NonceSize+Overhead {
		return nil, errors.New("sealed payload too short")
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	out, ok := box.Open(nil, sealed[NonceSize:], &nonce, peerPub, ownPriv)
	if !ok {
		return nil, ErrKeyUnavailable
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, kp *Keypair) error {
	if kp == nil {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(kp.Pub[:])), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(kp.Priv[:])), 0600)
}

func LoadKeypair(dir string) (*Keypair, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, err
	}
	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil || len(pub) != KeySize {
		return nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil || len(priv) != KeySize {
		return nil, fmt.Errorf("bad priv.hex")
	}
	kp := &Keypair{}
	copy(kp.Pub[:], pub)
	copy(kp.Priv[:], priv)
	return kp, nil
}
