package dex

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	AmountDecimals = 8
	Coin           = 100_000_000
)

// Amount is a fixed-point quantity in satoshis (1e-8 units).
type Amount int64

// ParseAmount reads a plain decimal string. An empty string is zero.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, errors.Wrapf(ErrInvalidArgument, "negative amount %q", s)
	}
	s = strings.TrimPrefix(s, "+")
	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && (!hasDot || frac == "") {
		return 0, errors.Wrapf(ErrInvalidArgument, "malformed amount %q", s)
	}
	if len(frac) > AmountDecimals {
		if strings.Trim(frac[AmountDecimals:], "0") != "" {
			return 0, errors.Wrapf(ErrInvalidArgument, "amount %q has more than 8 decimals", s)
		}
		frac = frac[:AmountDecimals]
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || !isDigits(frac) {
		return 0, errors.Wrapf(ErrInvalidArgument, "malformed amount %q", s)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > (1<<63-1)/Coin-1 {
		return 0, errors.Wrapf(ErrInvalidArgument, "amount %q out of range", s)
	}
	var f int64
	if frac != "" {
		f, _ = strconv.ParseInt(frac+strings.Repeat("0", AmountDecimals-len(frac)), 10, 64)
	}
	return Amount(w*Coin + f), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (a Amount) Satoshis() int64 { return int64(a) }

// String renders a trimmed decimal: 11, 0.5, 0.00000001.
func (a Amount) String() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	s := strconv.FormatInt(v/Coin, 10)
	if frac := v % Coin; frac != 0 {
		fs := strconv.FormatInt(frac, 10)
		fs = strings.Repeat("0", AmountDecimals-len(fs)) + fs
		s += "." + strings.TrimRight(fs, "0")
	}
	if neg {
		s = "-" + s
	}
	return s
}

// MarshalJSON emits a JSON number literal.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		*a = 0
		return nil
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Ratio formats num/den with the given number of decimals.
func Ratio(num, den Amount, decimals int) string {
	if den == 0 {
		return "0"
	}
	return new(big.Rat).SetFrac64(int64(num), int64(den)).FloatString(decimals)
}

func ratioFloat(num, den Amount) float64 {
	if den == 0 {
		return 0
	}
	f, _ := new(big.Rat).SetFrac64(int64(num), int64(den)).Float64()
	return f
}
