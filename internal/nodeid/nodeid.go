// Package nodeid implements the identifier metric of the overlay.
//
// Identifiers are 128-bit UUIDs. Two identifiers are compared through the
// index of the most significant bit at which they differ (the prefix length),
// which is the slot coordinate of every routing table, and through circular
// order, which is used by the belt.
package nodeid

import (
	"bytes"
	"encoding/hex"
	"math/bits"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Bits is the width of an identifier in bits.
const Bits = 128

// resourceDomain separates resource identifiers from node identifiers.
const resourceDomain = "spindle/resource/"

// Nil is the zero identifier.
var Nil = uuid.Nil

// PrefixLength returns the index of the most significant bit at which a and b
// differ. Identical identifiers return Bits.
func PrefixLength(a, b uuid.UUID) int {
	for i := 0; i < len(a); i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}

	return Bits
}

// Bit reports whether bit i (0 = most significant) of id is set.
func Bit(id uuid.UUID, i int) bool {
	return id[i/8]&(0x80>>(uint(i)%8)) != 0
}

// Compare orders identifiers as unsigned 128-bit integers.
func Compare(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// Side is a direction along the identifier ring.
type Side uint8

const (
	Left  Side = 0 // Left walks toward decreasing identifiers
	Right Side = 1 // Right walks toward increasing identifiers
)

// String returns the side name.
func (s Side) String() string {
	if s == Left {
		return "left"
	}

	return "right"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	return 1 - s
}

// Toward returns the distance walked from "from" to "to" along side s.
func Toward(s Side, from, to uuid.UUID) Distance {
	if s == Right {
		return Clockwise(from, to)
	}

	return CounterClockwise(from, to)
}

// Distance is an unsigned 128-bit circular distance.
type Distance struct {
	Hi uint64 // Hi holds the 64 most significant bits
	Lo uint64 // Lo holds the 64 least significant bits
}

// Cmp compares two distances.
func (d Distance) Cmp(o Distance) int {
	switch {
	case d.Hi < o.Hi:
		return -1
	case d.Hi > o.Hi:
		return 1
	case d.Lo < o.Lo:
		return -1
	case d.Lo > o.Lo:
		return 1
	}

	return 0
}

// Clockwise returns (to - from) mod 2^128, the distance walked from "from" to
// "to" in increasing identifier order.
func Clockwise(from, to uuid.UUID) Distance {
	fHi, fLo := split(from)
	tHi, tLo := split(to)

	lo, borrow := bits.Sub64(tLo, fLo, 0)
	hi, _ := bits.Sub64(tHi, fHi, borrow)

	return Distance{Hi: hi, Lo: lo}
}

// CounterClockwise returns (from - to) mod 2^128.
func CounterClockwise(from, to uuid.UUID) Distance {
	return Clockwise(to, from)
}

// split returns the high and low halves of an identifier.
func split(id uuid.UUID) (uint64, uint64) {
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(id[i])
		lo = lo<<8 | uint64(id[i+8])
	}

	return hi, lo
}

// FromPublicKey derives a node identifier from a public key.
func FromPublicKey(pub []byte) uuid.UUID {
	sum := blake3.Sum256(pub)

	var id uuid.UUID
	copy(id[:], sum[:16])

	return id
}

// FromName derives a resource identifier from a resource name.
func FromName(name string) uuid.UUID {
	h := blake3.New()
	h.Write([]byte(resourceDomain))
	h.Write([]byte(name))

	var sum [32]byte
	h.Sum(sum[:0])

	var id uuid.UUID
	copy(id[:], sum[:16])

	return id
}

// Short returns a compact hex prefix suitable for logs.
func Short(id uuid.UUID) string {
	return hex.EncodeToString(id[:4])
}
