package rpc

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"dexp2p/internal/dex"
)

// params are positional JSON-RPC arguments. Strings and numbers are both
// accepted; a missing argument, null or "" means omitted.
type params []json.RawMessage

func (p params) str(i int) (string, error) {
	s, err := p.raw(i)
	return strings.TrimSpace(s), err
}

// raw is str without trimming, for payloads that must round-trip.
func (p params) raw(i int) (string, error) {
	if i >= len(p) {
		return "", nil
	}
	raw := strings.TrimSpace(string(p[i]))
	if raw == "" || raw == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(p[i], &s); err != nil {
			return "", errors.Wrapf(dex.ErrInvalidArgument, "param %d: %v", i, err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(p[i], &n); err != nil {
		return "", errors.Wrapf(dex.ErrInvalidArgument, "param %d must be a string or number", i)
	}
	return n.String(), nil
}

func (p params) uint(i int) (uint64, error) {
	s, err := p.str(i)
	if err != nil || s == "" {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(dex.ErrInvalidArgument, "param %d: %q is not an unsigned integer", i, s)
	}
	return v, nil
}

func (p params) int(i int) (int, error) {
	s, err := p.str(i)
	if err != nil || s == "" {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(dex.ErrInvalidArgument, "param %d: %q is not an integer", i, s)
	}
	return v, nil
}

func (p params) amount(i int) (dex.Amount, error) {
	s, err := p.str(i)
	if err != nil || s == "" {
		return 0, err
	}
	return dex.ParseAmount(s)
}

// optAmount is amount for range filters, where omitted means unbounded.
func (p params) optAmount(i int) (*dex.Amount, error) {
	s, err := p.str(i)
	if err != nil || s == "" {
		return nil, err
	}
	a, err := dex.ParseAmount(s)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
