// Package digest implements the 160-bit identifiers used throughout the
// keyserver: SHA-1 digests of raw key blobs and of OpenPGP public-key
// packet bodies (fingerprints). A Digest is a fixed-size, comparable,
// zero-value-safe value type, the same way the teacher's pkg/digest
// package treats its CAS digests as small immutable values safe to use
// as map keys.
package digest

import (
	"encoding/hex"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Size is the length in bytes of a Digest (SHA-1 output).
const Size = 20

// HexSize is the length in hex characters of a printed Digest.
const HexSize = Size * 2

// Digest is a fixed 20-byte SHA-1 value: the canonical identifier for a
// stored key (whole-key digest) or a fingerprint suffix (id64/id32 are
// derived from one). The zero Digest is a valid, distinguishable value
// ("all zero bytes"), not a sentinel for "absent" — callers that need
// an absent/ok signal should use a separate bool, as Go idiom prefers
// over magic values.
type Digest [Size]byte

// Zero is the all-zero Digest, provided for readability at call sites
// that need an explicit zero value (e.g. test fixtures).
var Zero Digest

// Parse decodes exactly HexSize hex characters into a Digest. Any other
// length, or any non-hex character, is rejected with codes.InvalidArgument
// (the MalformedInput kind from the spec's error taxonomy).
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != HexSize {
		return d, status.Errorf(codes.InvalidArgument, "digest %q: want %d hex characters, got %d", s, HexSize, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, status.Errorf(codes.InvalidArgument, "digest %q: %s", s, err)
	}
	copy(d[:], b)
	return d, nil
}

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// StringUpper renders the digest as uppercase hex, the case the HKP
// index/vindex listing and the original C implementation's
// print_fp160 both use.
func (d Digest) StringUpper() string {
	return fmt.Sprintf("%X", d[:])
}

// Equal reports whether d and o hold the same bytes.
func (d Digest) Equal(o Digest) bool {
	return d == o
}

// XOR returns d ^ o, bytewise. Both the IBF bucket accumulation and
// the delta between two fingerprints use this.
func (d Digest) XOR(o Digest) Digest {
	var r Digest
	for i := range d {
		r[i] = d[i] ^ o[i]
	}
	return r
}

// IsZero reports whether every byte of d is zero.
func (d Digest) IsZero() bool {
	return d == Zero
}

// Low64 returns the low 64 bits of the digest, big-endian (bytes
// 12..20). Used to derive a fingerprint's id64.
func (d Digest) Low64() uint64 {
	var v uint64
	for _, b := range d[12:20] {
		v = v<<8 | uint64(b)
	}
	return v
}

// Low32 returns the low 32 bits of the digest, big-endian (bytes
// 16..20). Used to derive a fingerprint's id32.
func (d Digest) Low32() uint32 {
	return uint32(d.Low64())
}

// TrailingZeroBits counts the number of trailing zero bits in d, scanning
// from the last byte toward the first (the convention the original
// setdiff.c's strata_insert uses: it walks val[19] down to val[0] and
// stops at the first set bit). This is the "last-byte-first" convention
// documented in SPEC_FULL.md; both reconciling peers must agree on it.
func (d Digest) TrailingZeroBits() int {
	count := 0
	for i := Size - 1; i >= 0; i-- {
		b := d[i]
		if b == 0 {
			count += 8
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				return count + bit
			}
		}
	}
	return count
}
