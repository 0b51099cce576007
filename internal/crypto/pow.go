package crypto

import "math/bits"

// LeadingZeroBits counts zero bits from the start of digest.
func LeadingZeroBits(digest []byte) int {
	n := 0
	for _, b := range digest {
		if b == 0 {
			n += 8
			continue
		}
		return n + bits.LeadingZeros8(b)
	}
	return n
}

// PowCheck reports whether digest carries at least powBits leading zero bits.
func PowCheck(digest []byte, powBits int) bool {
	if powBits <= 0 {
		return true
	}
	full := powBits / 8
	rem := powBits % 8
	if len(digest) < full || (rem > 0 && len(digest) <= full) {
		return false
	}
	for i := 0; i < full; i++ {
		if digest[i] != 0 {
			return false
		}
	}
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return digest[full]&mask == 0
}

// PowSolve searches nonces from start until hashFn(nonce) satisfies powBits.
func PowSolve(hashFn func(nonce uint32) []byte, powBits int, start uint32) (uint32, []byte, bool) {
	for nonce := start; ; nonce++ {
		digest := hashFn(nonce)
		if PowCheck(digest, powBits) {
			return nonce, digest, true
		}
		if nonce == ^uint32(0) {
			return 0, nil, false
		}
	}
}
