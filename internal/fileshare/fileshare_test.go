package fileshare

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexp2p/internal/crypto"
	"dexp2p/internal/dex"
)

type storeNode struct {
	st *dex.Store
}

func (n storeNode) Broadcast(req dex.BroadcastRequest) (*dex.Blob, error) {
	return n.st.Create(req)
}

func (n storeNode) Store() *dex.Store { return n.st }

func newService(t *testing.T) (*Service, *dex.Store, string, string) {
	t.Helper()
	kp, err := crypto.GenKeypair()
	require.NoError(t, err)
	st, err := dex.NewStore(dex.Config{Keypair: kp})
	require.NoError(t, err)
	pub := t.TempDir()
	sub := t.TempDir()
	return New(storeNode{st: st}, pub, sub), st, pub, sub
}

func writeRandom(t *testing.T, dir, name string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
	return data
}

// copyAll relays every blob of src into dst, as gossip would.
func copyAll(t *testing.T, src, dst *dex.Store, keep func(*dex.Blob) bool) {
	t.Helper()
	res, err := src.List(dex.ListQuery{})
	require.NoError(t, err)
	for i := len(res.Matches) - 1; i >= 0; i-- {
		b := res.Matches[i]
		if keep != nil && !keep(b) {
			continue
		}
		w := b.Wire()
		_, _, err := dst.Insert(&w)
		require.NoError(t, err)
	}
}

func TestPublishSubscribeSameNode(t *testing.T) {
	svc, _, pubDir, subDir := newService(t)
	data := writeRandom(t, pubDir, "notes.bin", 3*FragmentSize+17)

	pres, err := svc.Publish("notes.bin", 0)
	require.NoError(t, err)
	assert.Equal(t, resultSuccess, pres.Result)
	assert.Equal(t, 4, pres.Fragments)
	assert.Equal(t, 1, pres.NumLocators)
	assert.Equal(t, uint64(len(data)), pres.FileSize)
	assert.Equal(t, uint64(5), pres.ID)

	sres, err := svc.Subscribe("notes.bin", 0, 0, "")
	require.NoError(t, err)
	assert.Equal(t, resultSuccess, sres.Result)
	assert.Equal(t, pres.FileHash, sres.FileHash)
	assert.Equal(t, pres.ID, sres.ID)

	got, err := os.ReadFile(filepath.Join(subDir, "notes.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSubscribeFromOtherNode(t *testing.T) {
	alice, aliceStore, pubDir, _ := newService(t)
	bob, bobStore, _, subDir := newService(t)
	data := writeRandom(t, pubDir, "a.txt", FragmentSize)

	pres, err := alice.Publish("a.txt", 0)
	require.NoError(t, err)
	copyAll(t, aliceStore, bobStore, nil)

	sres, err := bob.Subscribe("a.txt", 0, 0, aliceStore.Pubkey())
	require.NoError(t, err)
	require.Equal(t, resultSuccess, sres.Result, sres.Error)
	assert.Equal(t, pres.FileHash, sres.FileHash)
	assert.Equal(t, aliceStore.Pubkey(), sres.SenderPub)

	got, err := os.ReadFile(filepath.Join(subDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = bob.Subscribe("a.txt", 0, 0, bobStore.Pubkey())
	assert.ErrorIs(t, err, dex.ErrNotFound)
}

func TestSubscribeReportsMissingFragments(t *testing.T) {
	alice, aliceStore, pubDir, _ := newService(t)
	bob, bobStore, _, subDir := newService(t)
	writeRandom(t, pubDir, "big", 4*FragmentSize)

	_, err := alice.Publish("big", 0)
	require.NoError(t, err)
	dropped := 0
	copyAll(t, aliceStore, bobStore, func(b *dex.Blob) bool {
		if b.TagB == DataTag && dropped < 2 {
			dropped++
			return false
		}
		return true
	})

	sres, err := bob.Subscribe("big", 0, 0, "")
	require.NoError(t, err)
	assert.Equal(t, resultError, sres.Result)
	assert.Equal(t, 2, sres.Missing)
	assert.Equal(t, 4, sres.Fragments)
	_, err = os.Stat(filepath.Join(subDir, "big"))
	assert.True(t, os.IsNotExist(err))
}

func TestSubscribePicksRequestedVersion(t *testing.T) {
	svc, _, pubDir, subDir := newService(t)
	first := writeRandom(t, pubDir, "v", 100)
	r1, err := svc.Publish("v", 0)
	require.NoError(t, err)
	writeRandom(t, pubDir, "v", 200)
	r2, err := svc.Publish("v", 0)
	require.NoError(t, err)
	require.NotEqual(t, r1.FileHash, r2.FileHash)

	latest, err := svc.Subscribe("v", 0, 0, "")
	require.NoError(t, err)
	assert.Equal(t, r2.FileHash, latest.FileHash)

	old, err := svc.Subscribe("v", 0, r1.ID, "")
	require.NoError(t, err)
	assert.Equal(t, r1.FileHash, old.FileHash)
	got, err := os.ReadFile(filepath.Join(subDir, "v"))
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestBadFilenames(t *testing.T) {
	svc, _, _, _ := newService(t)
	for _, name := range []string{"", "..", "a/b", `a\b`, "sixteen_chars_xx"} {
		_, err := svc.Publish(name, 0)
		assert.Error(t, err, name)
		_, err = svc.Subscribe(name, 0, 0, "")
		assert.Error(t, err, name)
	}
	_, err := svc.Publish("absent", 0)
	assert.ErrorIs(t, err, dex.ErrInvalidArgument)
	_, err = svc.Subscribe("absent", 0, 0, "")
	assert.ErrorIs(t, err, dex.ErrNotFound)
	_, err = svc.Subscribe("absent", 0, 0, "zz")
	assert.ErrorIs(t, err, dex.ErrInvalidArgument)
}

func TestManyFragmentsSpanLocators(t *testing.T) {
	if testing.Short() {
		t.Skip("publishes 501 fragments")
	}
	svc, _, pubDir, subDir := newService(t)
	data := writeRandom(t, pubDir, "huge", (MaxLocatorHashes+1)*FragmentSize)

	pres, err := svc.Publish("huge", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, pres.NumLocators)
	assert.Equal(t, MaxLocatorHashes+1, pres.Fragments)

	sres, err := svc.Subscribe("huge", 0, 0, "")
	require.NoError(t, err)
	require.Equal(t, resultSuccess, sres.Result, sres.Error)
	got, err := os.ReadFile(filepath.Join(subDir, "huge"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocatorFitsPayload(t *testing.T) {
	l := locator{
		FileSize:  MaxLocatorHashes * FragmentSize,
		Fragments: MaxLocatorHashes,
		Total:     1,
		Hashes:    make([][32]byte, MaxLocatorHashes),
	}
	enc := l.encode()
	assert.LessOrEqual(t, len(enc), 16<<10)

	dec, err := decodeLocator(enc)
	require.NoError(t, err)
	assert.Len(t, dec.Hashes, MaxLocatorHashes)

	_, err = decodeLocator(enc[:len(enc)-1])
	assert.Error(t, err)
	_, err = decodeLocator([]byte("hello"))
	assert.Error(t, err)
}

func TestDecodeLocatorRejectsBadShape(t *testing.T) {
	good := func() locator {
		return locator{
			FileSize:  3*FragmentSize + 1,
			Fragments: 4,
			Total:     1,
			Hashes:    make([][32]byte, 4),
		}
	}
	l := good()
	_, err := decodeLocator(l.encode())
	require.NoError(t, err)

	cases := map[string]func(*locator){
		"huge file":        func(l *locator) { l.FileSize = 1 << 62 },
		"zero size":        func(l *locator) { l.FileSize = 0 },
		"past max":         func(l *locator) { l.FileSize = MaxFileSize + 1 },
		"fragment count":   func(l *locator) { l.Fragments = 5 },
		"locator total":    func(l *locator) { l.Total = 2 },
		"index past total": func(l *locator) { l.Index = 1 },
		"short hash list":  func(l *locator) { l.Hashes = l.Hashes[:3] },
	}
	for name, mutate := range cases {
		l := good()
		mutate(&l)
		_, err := decodeLocator(l.encode())
		assert.Error(t, err, name)
	}
}

func TestSubscribeIgnoresOversizedLocator(t *testing.T) {
	_, malloryStore, _, _ := newService(t)
	bob, bobStore, _, subDir := newService(t)

	evil := locator{FileSize: 1 << 62, Fragments: 1, Total: 1, Hashes: make([][32]byte, 1)}
	_, err := malloryStore.Create(dex.BroadcastRequest{
		Message: hex.EncodeToString(evil.encode()),
		TagA:    "evil.bin",
		TagB:    LocatorTag,
	})
	require.NoError(t, err)
	copyAll(t, malloryStore, bobStore, nil)

	require.NotPanics(t, func() {
		_, err = bob.Subscribe("evil.bin", 0, 0, "")
	})
	assert.ErrorIs(t, err, dex.ErrNotFound)
	_, statErr := os.Stat(filepath.Join(subDir, "evil.bin"))
	assert.True(t, os.IsNotExist(statErr))
}
