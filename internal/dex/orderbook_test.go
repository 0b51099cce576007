package dex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexp2p/internal/proto"
)

func TestOrderbookReciprocalSymmetry(t *testing.T) {
	s, _ := newTestStore(t)
	b, err := s.Create(BroadcastRequest{Message: "order", Priority: 4, TagA: "BASE", TagB: "REL", AmountA: mustAmount(t, "100"), AmountB: mustAmount(t, "1")})
	require.NoError(t, err)

	ab, err := s.Orderbook(OrderbookQuery{Base: "BASE", Rel: "REL"})
	require.NoError(t, err)
	require.Len(t, ab.Asks, 1)
	assert.Empty(t, ab.Bids)
	ask := ab.Asks[0]
	assert.Equal(t, b.ID, ask.ID)
	assert.Equal(t, "0.01000000", ask.Price)
	assert.Equal(t, "0.010000000000000", ask.Price15)
	assert.Equal(t, int64(100*Coin), ask.BaseSatoshis)
	assert.Equal(t, int64(Coin), ask.RelSatoshis)
	assert.Equal(t, s.Pubkey(), ask.Pubkey)
	assert.Equal(t, b.HashHex(), ask.Hash)

	ba, err := s.Orderbook(OrderbookQuery{Base: "REL", Rel: "BASE"})
	require.NoError(t, err)
	assert.Empty(t, ba.Asks)
	require.Len(t, ba.Bids, 1)
	bid := ba.Bids[0]
	assert.Equal(t, "100.00000000", bid.Price)
	assert.Equal(t, int64(Coin), bid.BaseSatoshis)
	assert.Equal(t, int64(100*Coin), bid.RelSatoshis)
	assert.InDelta(t, 1.0, ask.PriceFloat()*bid.PriceFloat(), 1e-6)
}

func TestOrderbookSortingAndFilters(t *testing.T) {
	s, _ := newTestStore(t)
	asks := []string{"3", "1", "2"}
	for _, rel := range asks {
		_, err := s.Create(BroadcastRequest{Message: "ask" + rel, Priority: 1, TagA: "KMD", TagB: "BTC", AmountA: mustAmount(t, "1"), AmountB: mustAmount(t, rel)})
		require.NoError(t, err)
	}
	for _, amt := range []string{"2", "5", "4"} {
		_, err := s.Create(BroadcastRequest{Message: "bid" + amt, TagA: "BTC", TagB: "KMD", AmountA: mustAmount(t, amt), AmountB: mustAmount(t, "1")})
		require.NoError(t, err)
	}
	_, err := s.Create(BroadcastRequest{Message: "no amounts", TagA: "KMD", TagB: "BTC"})
	require.NoError(t, err)

	book, err := s.Orderbook(OrderbookQuery{Base: "KMD", Rel: "BTC"})
	require.NoError(t, err)
	require.Len(t, book.Asks, 3)
	require.Len(t, book.Bids, 3)
	for i := 1; i < len(book.Asks); i++ {
		assert.LessOrEqual(t, book.Asks[i-1].PriceFloat(), book.Asks[i].PriceFloat())
	}
	for i := 1; i < len(book.Bids); i++ {
		assert.GreaterOrEqual(t, book.Bids[i-1].PriceFloat(), book.Bids[i].PriceFloat())
	}
	assert.Equal(t, "5.00000000", book.Bids[0].Price)

	book, err = s.Orderbook(OrderbookQuery{Base: "KMD", Rel: "BTC", MinPriority: 1})
	require.NoError(t, err)
	assert.Len(t, book.Asks, 3)
	assert.Empty(t, book.Bids)

	_, err = s.Orderbook(OrderbookQuery{Base: "KMD"})
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.Orderbook(OrderbookQuery{Base: "0123456789abcdef", Rel: "BTC"})
	require.ErrorIs(t, err, ErrInvalidTag)
}

func TestCancelByIDRemovesFromOrderbookOnly(t *testing.T) {
	s, clk := newTestStore(t)
	b, err := s.Create(BroadcastRequest{Message: "order", TagA: "BASE", TagB: "REL", AmountA: mustAmount(t, "1000"), AmountB: mustAmount(t, "1")})
	require.NoError(t, err)
	require.Equal(t, int64(0), b.Cancelled())

	clk.Add(10 * time.Second)
	res, err := s.Cancel(b.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{b.ID}, res.IDs)
	assert.Equal(t, []string{b.HashHex()}, res.Hashes)
	assert.Equal(t, int64(1700000010), res.Timestamp)

	book, err := s.Orderbook(OrderbookQuery{Base: "BASE", Rel: "REL"})
	require.NoError(t, err)
	assert.Empty(t, book.Asks)

	list := mustList(t, s, ListQuery{TagA: "BASE", TagB: "REL"})
	require.Equal(t, 1, list.N())
	assert.Greater(t, list.Matches[0].Cancelled(), int64(0))
	got, err := s.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000010), s.View(got).Cancelled)

	clk.Add(10 * time.Second)
	again, err := s.Cancel(b.ID)
	require.NoError(t, err)
	assert.Empty(t, again.IDs)
	assert.Equal(t, int64(1700000010), b.Cancelled())

	_, err = s.Cancel(12345)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelScopes(t *testing.T) {
	s, _ := newTestStore(t)
	peer, _ := newTestStore(t)
	dest, _ := newTestStore(t)

	t1, err := s.Create(BroadcastRequest{Message: "one", TagA: "X", TagB: "Y"})
	require.NoError(t, err)
	t2, err := s.Create(BroadcastRequest{Message: "two", TagA: "X", TagB: "Y", DestPub: dest.Pubkey()})
	require.NoError(t, err)
	untouched, err := s.Create(BroadcastRequest{Message: "three", TagA: "X", TagB: "Z"})
	require.NoError(t, err)
	foreign, err := peer.Create(BroadcastRequest{Message: "foreign", TagA: "X", TagB: "Y"})
	require.NoError(t, err)
	foreignLocal := relay(t, foreign, s)

	_, err = s.Cancel(foreignLocal.ID)
	require.ErrorIs(t, err, ErrInvalidArgument)

	res, err := s.CancelByPubkey(dest.Pubkey())
	require.NoError(t, err)
	assert.Equal(t, []uint64{t2.ID}, res.IDs)
	assert.Equal(t, int64(0), t1.Cancelled())

	res, err = s.CancelByTags("X", "Y")
	require.NoError(t, err)
	assert.Equal(t, []uint64{t1.ID}, res.IDs)
	assert.Equal(t, int64(0), untouched.Cancelled())
	assert.Equal(t, int64(0), foreignLocal.Cancelled())

	_, err = s.CancelByTags("", "")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.CancelByPubkey("zz")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestApplyCancelRemote(t *testing.T) {
	origin, _ := newTestStore(t)
	remote, _ := newTestStore(t)

	b, err := origin.Create(BroadcastRequest{Message: "order", TagA: "A", TagB: "B", AmountA: mustAmount(t, "1"), AmountB: mustAmount(t, "2")})
	require.NoError(t, err)
	atRemote := relay(t, b, remote)

	forged := remote.ApplyCancel(proto.CancelNotice{Hashes: []string{b.HashHex()}, SenderPub: remote.Pubkey(), Timestamp: 5})
	assert.Equal(t, 1, forged.Rejected)
	assert.Equal(t, int64(0), atRemote.Cancelled())

	res, err := origin.Cancel(b.ID)
	require.NoError(t, err)
	applied := remote.ApplyCancel(proto.CancelNotice{Hashes: res.Hashes, SenderPub: origin.Pubkey(), Timestamp: res.Timestamp})
	assert.Equal(t, 1, applied.Applied)
	assert.Equal(t, res.Timestamp, atRemote.Cancelled())

	again := remote.ApplyCancel(proto.CancelNotice{Hashes: res.Hashes, SenderPub: origin.Pubkey(), Timestamp: res.Timestamp + 1})
	assert.Equal(t, 0, again.Applied)
	assert.Equal(t, res.Timestamp, atRemote.Cancelled())

	bad := remote.ApplyCancel(proto.CancelNotice{Hashes: []string{"xyz"}, SenderPub: origin.Pubkey()})
	assert.Equal(t, 1, bad.Rejected)
}

func TestCancelBeforeBlobIsBuffered(t *testing.T) {
	origin, _ := newTestStore(t)
	remote, _ := newTestStore(t)

	b, err := origin.Create(BroadcastRequest{Message: "early cancel", TagA: "A"})
	require.NoError(t, err)
	res, err := origin.Cancel(b.ID)
	require.NoError(t, err)

	out := remote.ApplyCancel(proto.CancelNotice{Hashes: res.Hashes, SenderPub: origin.Pubkey(), Timestamp: res.Timestamp})
	assert.Equal(t, 1, out.Buffered)
	assert.Equal(t, 1, remote.Stats().Pending)

	w := b.Wire()
	w.Cancelled = 0
	got, isNew, err := remote.Insert(&w)
	require.NoError(t, err)
	require.True(t, isNew)
	assert.Equal(t, res.Timestamp, got.Cancelled())
	assert.Equal(t, 0, remote.Stats().Pending)
}

func TestInsertCarriesTombstone(t *testing.T) {
	origin, _ := newTestStore(t)
	remote, _ := newTestStore(t)
	b, err := origin.Create(BroadcastRequest{Message: "m", TagA: "A"})
	require.NoError(t, err)
	atRemote := relay(t, b, remote)
	assert.Equal(t, int64(0), atRemote.Cancelled())

	_, err = origin.Cancel(b.ID)
	require.NoError(t, err)
	w := b.Wire()
	_, isNew, err := remote.Insert(&w)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, b.Cancelled(), atRemote.Cancelled())
}

func TestRemoteTombstoneMustNotPredateBlob(t *testing.T) {
	origin, _ := newTestStore(t)
	remote, _ := newTestStore(t)
	b, err := origin.Create(BroadcastRequest{Message: "m", TagA: "A"})
	require.NoError(t, err)

	early := b.Wire()
	early.Cancelled = b.Timestamp - 1
	got, isNew, err := remote.Insert(&early)
	require.NoError(t, err)
	require.True(t, isNew)
	assert.Equal(t, int64(0), got.Cancelled())

	_, isNew, err = remote.Insert(&early)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, int64(0), got.Cancelled())

	out := remote.ApplyCancel(proto.CancelNotice{Hashes: []string{b.HashHex()}, SenderPub: origin.Pubkey(), Timestamp: 1})
	assert.Equal(t, 1, out.Rejected)
	assert.Equal(t, int64(0), got.Cancelled())

	late := b.Wire()
	late.Cancelled = b.Timestamp + 3
	_, _, err = remote.Insert(&late)
	require.NoError(t, err)
	assert.Equal(t, b.Timestamp+3, got.Cancelled())
	assert.Equal(t, []string{b.HashHex()}, remote.Tombstoned([]string{b.HashHex(), "00"}))
	assert.Empty(t, remote.Active([]string{b.HashHex()}))
}
