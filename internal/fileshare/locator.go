package fileshare

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

var locatorMagic = []byte("DXL1")

const (
	locatorHeaderSize = 4 + 32 + 8 + 4 + 2 + 2 + 2

	maxFragments = (MaxFileSize + FragmentSize - 1) / FragmentSize
)

// locator lists the fragment hashes of one slice of a published file.
type locator struct {
	FileHash  [32]byte
	FileSize  uint64
	Fragments uint32
	Index     uint16
	Total     uint16
	Hashes    [][32]byte
}

func (l *locator) encode() []byte {
	var buf bytes.Buffer
	buf.Grow(locatorHeaderSize + 32*len(l.Hashes))
	buf.Write(locatorMagic)
	buf.Write(l.FileHash[:])
	_ = binary.Write(&buf, binary.BigEndian, l.FileSize)
	_ = binary.Write(&buf, binary.BigEndian, l.Fragments)
	_ = binary.Write(&buf, binary.BigEndian, l.Index)
	_ = binary.Write(&buf, binary.BigEndian, l.Total)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(l.Hashes)))
	for _, h := range l.Hashes {
		buf.Write(h[:])
	}
	return buf.Bytes()
}

func decodeLocator(data []byte) (*locator, error) {
	if len(data) < locatorHeaderSize || !bytes.Equal(data[:4], locatorMagic) {
		return nil, fmt.Errorf("not a locator")
	}
	l := &locator{}
	off := 4
	copy(l.FileHash[:], data[off:off+32])
	off += 32
	l.FileSize = binary.BigEndian.Uint64(data[off:])
	off += 8
	l.Fragments = binary.BigEndian.Uint32(data[off:])
	off += 4
	l.Index = binary.BigEndian.Uint16(data[off:])
	off += 2
	l.Total = binary.BigEndian.Uint16(data[off:])
	off += 2
	n := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if len(data) != off+32*n {
		return nil, fmt.Errorf("locator length %d does not match %d hashes", len(data), n)
	}
	if err := l.checkShape(n); err != nil {
		return nil, err
	}
	l.Hashes = make([][32]byte, n)
	for i := range l.Hashes {
		copy(l.Hashes[i][:], data[off:off+32])
		off += 32
	}
	return l, nil
}

// checkShape holds a decoded header to the layout Publish produces. Locators
// arrive from any peer, so nothing in them is trusted for allocation.
func (l *locator) checkShape(hashes int) error {
	if l.FileSize == 0 || l.FileSize > MaxFileSize {
		return fmt.Errorf("locator file size %d out of range", l.FileSize)
	}
	want := (l.FileSize + FragmentSize - 1) / FragmentSize
	if l.Fragments == 0 || l.Fragments > maxFragments || uint64(l.Fragments) != want {
		return fmt.Errorf("locator has %d fragments for %d bytes", l.Fragments, l.FileSize)
	}
	total := (int(l.Fragments) + MaxLocatorHashes - 1) / MaxLocatorHashes
	if int(l.Total) != total || l.Index >= l.Total {
		return fmt.Errorf("locator index %d of %d", l.Index, l.Total)
	}
	expect := int(l.Fragments) - int(l.Index)*MaxLocatorHashes
	if expect > MaxLocatorHashes {
		expect = MaxLocatorHashes
	}
	if hashes != expect {
		return fmt.Errorf("locator %d carries %d hashes, want %d", l.Index, hashes, expect)
	}
	return nil
}

func (l *locator) fileHashHex() string {
	return hex.EncodeToString(l.FileHash[:])
}
