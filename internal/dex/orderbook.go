package dex

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

type OrderbookQuery struct {
	StopID      uint64
	MinPriority int
	Base        string
	Rel         string
	DestPub     string
}

type OrderEntry struct {
	Price        string `json:"price"`
	Price15      string `json:"price15"`
	BaseAmount   Amount `json:"baseamount"`
	BaseSatoshis int64  `json:"basesatoshis"`
	RelAmount    Amount `json:"relamount"`
	RelSatoshis  int64  `json:"relsatoshis"`
	Priority     int    `json:"priority"`
	Timestamp    int64  `json:"timestamp"`
	ID           uint64 `json:"id"`
	Pubkey       string `json:"pubkey"`
	Hash         string `json:"hash"`

	price float64
}

// PriceFloat is the rel/base price as a float, for comparisons.
func (e OrderEntry) PriceFloat() float64 {
	return e.price
}

type Orderbook struct {
	Asks []OrderEntry `json:"asks"`
	Bids []OrderEntry `json:"bids"`
}

func newEntry(b *Blob, base, rel Amount) OrderEntry {
	return OrderEntry{
		Price:        Ratio(rel, base, 8),
		Price15:      Ratio(rel, base, 15),
		BaseAmount:   base,
		BaseSatoshis: base.Satoshis(),
		RelAmount:    rel,
		RelSatoshis:  rel.Satoshis(),
		Priority:     b.Priority,
		Timestamp:    b.Timestamp,
		ID:           b.ID,
		Pubkey:       b.SenderPub,
		Hash:         b.HashHex(),
		price:        ratioFloat(rel, base),
	}
}

func (s *Store) orderCandidates(q OrderbookQuery, tagA, tagB string) []*Blob {
	return lo.Filter(s.bucket(tagA, tagB, q.DestPub), func(b *Blob, _ int) bool {
		return b.ID > q.StopID && b.Priority >= q.MinPriority && b.Cancelled() == 0 && b.Tradable()
	})
}

// Orderbook derives asks from blobs tagged (base, rel) and bids from blobs
// tagged (rel, base). Cancelled blobs are excluded.
func (s *Store) Orderbook(q OrderbookQuery) (Orderbook, error) {
	if err := validTags(q.Base, q.Rel); err != nil {
		return Orderbook{}, err
	}
	if q.Base == "" || q.Rel == "" {
		return Orderbook{}, errors.Wrap(ErrInvalidArgument, "orderbook needs base and rel")
	}
	if q.DestPub != "" {
		norm, _, err := normalizePubkey(q.DestPub)
		if err != nil {
			return Orderbook{}, err
		}
		q.DestPub = norm
	}
	asks := lo.Map(s.orderCandidates(q, q.Base, q.Rel), func(b *Blob, _ int) OrderEntry {
		return newEntry(b, b.AmountA, b.AmountB)
	})
	bids := lo.Map(s.orderCandidates(q, q.Rel, q.Base), func(b *Blob, _ int) OrderEntry {
		return newEntry(b, b.AmountB, b.AmountA)
	})
	sort.SliceStable(asks, func(i, j int) bool {
		if asks[i].price != asks[j].price {
			return asks[i].price < asks[j].price
		}
		return asks[i].ID < asks[j].ID
	})
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].price != bids[j].price {
			return bids[i].price > bids[j].price
		}
		return bids[i].ID < bids[j].ID
	})
	return Orderbook{Asks: asks, Bids: bids}, nil
}
