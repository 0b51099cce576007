package rpc

import (
	"github.com/pkg/errors"

	"dexp2p/internal/dex"
)

type listResult struct {
	TagA    string         `json:"tagA"`
	TagB    string         `json:"tagB"`
	DestPub string         `json:"destpub"`
	N       int            `json:"n"`
	Matches []dex.BlobView `json:"matches"`
}

type cancelResult struct {
	TagA      string   `json:"tagA"`
	Timestamp int64    `json:"timestamp"`
	Cancelled int      `json:"cancelled"`
	IDs       []uint64 `json:"ids"`
	Hashes    []string `json:"hashes"`
}

type setPubkeyResult struct {
	Result            string `json:"result"`
	PublishablePubkey string `json:"publishable_pubkey"`
	Pubkey            string `json:"pubkey"`
	Perfstats         string `json:"perfstats"`
}

func (s *Server) stats(params) (any, error) {
	return s.backend.Stats(), nil
}

// broadcast: message, priority, tagA, tagB, destpub, amountA, amountB
func (s *Server) broadcast(p params) (any, error) {
	var (
		req dex.BroadcastRequest
		err error
	)
	if req.Message, err = p.raw(0); err != nil {
		return nil, err
	}
	if req.Priority, err = p.int(1); err != nil {
		return nil, err
	}
	if req.TagA, err = p.str(2); err != nil {
		return nil, err
	}
	if req.TagB, err = p.str(3); err != nil {
		return nil, err
	}
	if req.DestPub, err = p.str(4); err != nil {
		return nil, err
	}
	if req.AmountA, err = p.amount(5); err != nil {
		return nil, err
	}
	if req.AmountB, err = p.amount(6); err != nil {
		return nil, err
	}
	b, err := s.backend.Broadcast(req)
	if err != nil {
		return nil, err
	}
	return s.backend.Store().View(b), nil
}

// list: stopAt, minPriority, tagA, tagB, pubkey, minA, maxA, minB, maxB, stopHash
func (s *Server) list(p params) (any, error) {
	var (
		q   dex.ListQuery
		err error
	)
	if q.StopID, err = p.uint(0); err != nil {
		return nil, err
	}
	if q.MinPriority, err = p.int(1); err != nil {
		return nil, err
	}
	if q.TagA, err = p.str(2); err != nil {
		return nil, err
	}
	if q.TagB, err = p.str(3); err != nil {
		return nil, err
	}
	if q.DestPub, err = p.str(4); err != nil {
		return nil, err
	}
	for i, dst := range []**dex.Amount{&q.MinA, &q.MaxA, &q.MinB, &q.MaxB} {
		if *dst, err = p.optAmount(5 + i); err != nil {
			return nil, err
		}
	}
	if q.StopHash, err = p.str(9); err != nil {
		return nil, err
	}
	res, err := s.backend.Store().List(q)
	if err != nil {
		return nil, err
	}
	out := listResult{
		TagA:    res.TagA,
		TagB:    res.TagB,
		DestPub: res.DestPub,
		N:       res.N(),
		Matches: make([]dex.BlobView, 0, len(res.Matches)),
	}
	st := s.backend.Store()
	for _, b := range res.Matches {
		out.Matches = append(out.Matches, st.View(b))
	}
	return out, nil
}

// orderbook: stopAt, minPriority, base, rel, pubkey
func (s *Server) orderbook(p params) (any, error) {
	var (
		q   dex.OrderbookQuery
		err error
	)
	if q.StopID, err = p.uint(0); err != nil {
		return nil, err
	}
	if q.MinPriority, err = p.int(1); err != nil {
		return nil, err
	}
	if q.Base, err = p.str(2); err != nil {
		return nil, err
	}
	if q.Rel, err = p.str(3); err != nil {
		return nil, err
	}
	if q.DestPub, err = p.str(4); err != nil {
		return nil, err
	}
	return s.backend.Store().Orderbook(q)
}

// cancel: id, pubkey, tagA, tagB. The first non-empty selector wins.
func (s *Server) cancel(p params) (any, error) {
	id, err := p.uint(0)
	if err != nil {
		return nil, err
	}
	pub, err := p.str(1)
	if err != nil {
		return nil, err
	}
	tagA, err := p.str(2)
	if err != nil {
		return nil, err
	}
	tagB, err := p.str(3)
	if err != nil {
		return nil, err
	}
	var res dex.CancelResult
	switch {
	case id != 0:
		res, err = s.backend.Cancel(id)
	case pub != "":
		res, err = s.backend.CancelByPubkey(pub)
	case tagA != "" || tagB != "":
		res, err = s.backend.CancelByTags(tagA, tagB)
	default:
		return nil, errors.Wrap(dex.ErrInvalidArgument, "cancel needs an id, pubkey or tags")
	}
	if err != nil {
		return nil, err
	}
	return cancelResult{
		TagA:      cancelTag,
		Timestamp: res.Timestamp,
		Cancelled: len(res.IDs),
		IDs:       res.IDs,
		Hashes:    res.Hashes,
	}, nil
}

func (s *Server) get(p params) (any, error) {
	id, err := p.uint(0)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, errors.Wrap(dex.ErrInvalidArgument, "missing id")
	}
	b, err := s.backend.Store().Get(id)
	if err != nil {
		return nil, err
	}
	return s.backend.Store().View(b), nil
}

// publish: filename, priority
func (s *Server) publish(p params) (any, error) {
	if s.files == nil {
		return nil, errors.New("file sharing disabled")
	}
	name, err := p.str(0)
	if err != nil {
		return nil, err
	}
	prio, err := p.int(1)
	if err != nil {
		return nil, err
	}
	return s.files.Publish(name, prio)
}

// subscribe: filename, priority, id, publisher
func (s *Server) subscribe(p params) (any, error) {
	if s.files == nil {
		return nil, errors.New("file sharing disabled")
	}
	name, err := p.str(0)
	if err != nil {
		return nil, err
	}
	prio, err := p.int(1)
	if err != nil {
		return nil, err
	}
	id, err := p.uint(2)
	if err != nil {
		return nil, err
	}
	publisher, err := p.str(3)
	if err != nil {
		return nil, err
	}
	return s.files.Subscribe(name, prio, id, publisher)
}

func (s *Server) setPubkey(p params) (any, error) {
	key, err := p.str(0)
	if err != nil {
		return nil, err
	}
	pub, err := s.backend.SetChainPubkey(key)
	if err != nil {
		return nil, errors.Wrap(dex.ErrInvalidArgument, err.Error())
	}
	st := s.backend.Stats()
	return setPubkeyResult{
		Result:            resultSuccess,
		PublishablePubkey: st.PublishablePubkey,
		Pubkey:            pub,
		Perfstats:         st.Perfstats,
	}, nil
}
