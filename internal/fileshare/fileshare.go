// Package fileshare moves files over the blob bus: fragments tagged "data"
// and locator blobs tagged "locators" that list the fragment hashes.
package fileshare

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"dexp2p/internal/crypto"
	"dexp2p/internal/dex"
	"dexp2p/internal/proto"
)

const (
	FragmentSize = 8 << 10
	// MaxLocatorHashes keeps a locator inside one blob payload.
	MaxLocatorHashes = 500
	MaxFileSize      = 64 << 20

	DataTag    = "data"
	LocatorTag = "locators"

	resultSuccess = "success"
	resultError   = "error"
)

// Broadcaster is the part of the node fileshare publishes through.
type Broadcaster interface {
	Broadcast(req dex.BroadcastRequest) (*dex.Blob, error)
	Store() *dex.Store
}

type Result struct {
	Fname       string `json:"fname"`
	ID          uint64 `json:"id"`
	SenderPub   string `json:"senderpub"`
	FileSize    uint64 `json:"filesize"`
	Fragments   int    `json:"fragments"`
	NumLocators int    `json:"numlocators"`
	FileHash    string `json:"filehash"`
	Result      string `json:"result"`
	Error       string `json:"error,omitempty"`
	Missing     int    `json:"missing,omitempty"`
}

type Service struct {
	node         Broadcaster
	publishDir   string
	subscribeDir string
}

func New(node Broadcaster, publishDir, subscribeDir string) *Service {
	return &Service{node: node, publishDir: publishDir, subscribeDir: subscribeDir}
}

// ValidFilename accepts a bare file name that fits in a tag.
func ValidFilename(name string) error {
	switch {
	case name == "":
		return errors.Wrap(dex.ErrInvalidArgument, "missing filename")
	case len(name) > proto.MaxTagLen:
		return errors.Wrapf(dex.ErrInvalidTag, "filename longer than %d", proto.MaxTagLen)
	case strings.ContainsAny(name, `/\`) || name == "." || name == "..":
		return errors.Wrap(dex.ErrInvalidArgument, "filename must not contain a path")
	}
	return nil
}

// Publish broadcasts publish_dir/filename as fragments followed by its
// locators.
func (s *Service) Publish(filename string, priority int) (Result, error) {
	if err := ValidFilename(filename); err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.publishDir, filename))
	if err != nil {
		return Result{}, errors.Wrapf(dex.ErrInvalidArgument, "read %s: %v", filename, err)
	}
	if len(data) == 0 {
		return Result{}, errors.Wrap(dex.ErrInvalidArgument, "empty file")
	}
	if len(data) > MaxFileSize {
		return Result{}, errors.Wrapf(dex.ErrInvalidArgument, "file larger than %d bytes", MaxFileSize)
	}

	var hashes [][32]byte
	for off := 0; off < len(data); off += FragmentSize {
		end := off + FragmentSize
		if end > len(data) {
			end = len(data)
		}
		b, err := s.node.Broadcast(dex.BroadcastRequest{
			Message:  hex.EncodeToString(data[off:end]),
			Priority: priority,
			TagA:     filename,
			TagB:     DataTag,
		})
		if err != nil {
			return Result{}, errors.Wrapf(err, "fragment %d", len(hashes))
		}
		hashes = append(hashes, b.Hash)
	}

	var fileHash [32]byte
	copy(fileHash[:], crypto.SHA3_256(data))
	total := (len(hashes) + MaxLocatorHashes - 1) / MaxLocatorHashes
	var last *dex.Blob
	for i := 0; i < total; i++ {
		end := (i + 1) * MaxLocatorHashes
		if end > len(hashes) {
			end = len(hashes)
		}
		loc := locator{
			FileHash:  fileHash,
			FileSize:  uint64(len(data)),
			Fragments: uint32(len(hashes)),
			Index:     uint16(i),
			Total:     uint16(total),
			Hashes:    hashes[i*MaxLocatorHashes : end],
		}
		last, err = s.node.Broadcast(dex.BroadcastRequest{
			Message:  hex.EncodeToString(loc.encode()),
			Priority: priority,
			TagA:     filename,
			TagB:     LocatorTag,
		})
		if err != nil {
			return Result{}, errors.Wrapf(err, "locator %d", i)
		}
	}
	log.Info().
		Str("file", filename).
		Int("fragments", len(hashes)).
		Int("locators", total).
		Msg("published file")
	return Result{
		Fname:       filename,
		ID:          last.ID,
		SenderPub:   last.SenderPub,
		FileSize:    uint64(len(data)),
		Fragments:   len(hashes),
		NumLocators: total,
		FileHash:    hex.EncodeToString(fileHash[:]),
		Result:      resultSuccess,
	}, nil
}

// Subscribe rebuilds filename from the newest matching locator set and
// writes it to subscribe_dir. A locator id or publisher pubkey narrows the
// choice. Missing fragments are reported in the result, not as an error.
func (s *Service) Subscribe(filename string, priority int, id uint64, publisher string) (Result, error) {
	if err := ValidFilename(filename); err != nil {
		return Result{}, err
	}
	if publisher != "" {
		pub, err := crypto.ParsePubkey(publisher)
		if err != nil {
			return Result{}, errors.Wrap(dex.ErrInvalidArgument, err.Error())
		}
		publisher = crypto.EncodePubkey(pub)
	}
	st := s.node.Store()
	res, err := st.List(dex.ListQuery{TagA: filename, TagB: LocatorTag, MinPriority: priority})
	if err != nil {
		return Result{}, err
	}
	var (
		head    *dex.Blob
		headLoc *locator
	)
	for _, b := range res.Matches {
		if publisher != "" && b.SenderPub != publisher {
			continue
		}
		if id != 0 && b.ID != id {
			continue
		}
		loc, err := decodeLocator(b.Payload)
		if err != nil {
			continue
		}
		head, headLoc = b, loc
		break
	}
	if head == nil {
		return Result{}, errors.Wrapf(dex.ErrNotFound, "no locator for %s", filename)
	}

	parts := make([]*locator, headLoc.Total)
	parts[headLoc.Index] = headLoc
	for _, b := range res.Matches {
		if b.SenderPub != head.SenderPub {
			continue
		}
		loc, err := decodeLocator(b.Payload)
		if err != nil || loc.FileHash != headLoc.FileHash || loc.Total != headLoc.Total {
			continue
		}
		if parts[loc.Index] == nil {
			parts[loc.Index] = loc
		}
	}

	out := Result{
		Fname:       filename,
		ID:          head.ID,
		SenderPub:   head.SenderPub,
		FileSize:    headLoc.FileSize,
		Fragments:   int(headLoc.Fragments),
		NumLocators: int(headLoc.Total),
		FileHash:    headLoc.fileHashHex(),
		Result:      resultSuccess,
	}
	for _, p := range parts {
		if p == nil {
			out.Result = resultError
			out.Error = "missing locators"
			return out, nil
		}
	}

	data := make([]byte, 0, min(headLoc.FileSize, MaxFileSize))
	overflow := false
	for _, p := range parts {
		for _, h := range p.Hashes {
			frag, ok := st.GetByHash(h)
			if !ok {
				out.Missing++
				continue
			}
			if overflow || uint64(len(data)+len(frag.Payload)) > headLoc.FileSize {
				overflow = true
				continue
			}
			data = append(data, frag.Payload...)
		}
	}
	if out.Missing > 0 {
		out.Result = resultError
		out.Error = "missing fragments"
		return out, nil
	}
	if overflow {
		out.Result = resultError
		out.Error = "file hash mismatch"
		return out, nil
	}
	var got [32]byte
	copy(got[:], crypto.SHA3_256(data))
	if got != headLoc.FileHash || uint64(len(data)) != headLoc.FileSize {
		out.Result = resultError
		out.Error = "file hash mismatch"
		return out, nil
	}
	if err := writeAtomic(filepath.Join(s.subscribeDir, filename), data); err != nil {
		return Result{}, err
	}
	log.Info().Str("file", filename).Uint64("id", head.ID).Msg("subscribed file")
	return out, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
