// Package bigint provides the 256-bit unsigned arithmetic the share-chain
// and base-chain proof-of-work checks are built on: compact ("bits")
// target encoding, target<->difficulty conversion, and big-endian hash
// comparisons.
package bigint

import "math/big"

// GobEncode renders u as its big-endian byte form, so Uint256 fields
// round-trip through the share-chain's flat-file gob encoding without
// reaching into the unexported big.Int pointer.
func (u Uint256) GobEncode() ([]byte, error) {
	b := u.Bytes32()
	return b[:], nil
}

// GobDecode is the inverse of GobEncode.
func (u *Uint256) GobDecode(data []byte) error {
	*u = FromBytesBE(data)
	return nil
}

// Uint256 is an immutable 256-bit unsigned integer. All operations return
// a new value; the zero value is 0.
type Uint256 struct {
	v *big.Int
}

// MaxTarget is the easiest possible target this pool ever mints: the
// standard Bitcoin difficulty-1 target, used both as the PoW limit
// genesis share-chains start from and as the ceiling every retarget
// must respect.
var MaxTarget = FromHex("00000000FFFF0000000000000000000000000000000000000000000000000000")

// Diff1 is an alias for MaxTarget under its difficulty-1 name, used by
// difficulty(x) = Diff1 / x.
var Diff1 = MaxTarget

// Zero is the additive identity.
var Zero = Uint256{v: new(big.Int)}

// FromBig wraps a big.Int, defensively copying it so callers retain
// ownership of the original value.
func FromBig(b *big.Int) Uint256 {
	if b == nil {
		return Zero
	}
	return Uint256{v: new(big.Int).Set(b)}
}

// FromBytesBE interprets b as a big-endian unsigned integer.
func FromBytesBE(b []byte) Uint256 {
	return Uint256{v: new(big.Int).SetBytes(b)}
}

// FromUint64 constructs a Uint256 from a machine integer.
func FromUint64(n uint64) Uint256 {
	return Uint256{v: new(big.Int).SetUint64(n)}
}

// FromHex parses a big-endian hex string (no 0x prefix required).
func FromHex(hex string) Uint256 {
	v, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("bigint: invalid hex literal: " + hex)
	}
	return Uint256{v: v}
}

// Big returns a defensive copy of the underlying big.Int.
func (u Uint256) Big() *big.Int {
	if u.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(u.v)
}

// Bytes32 renders u as a fixed 32-byte big-endian array, left-padded
// with zeroes.
func (u Uint256) Bytes32() [32]byte {
	var out [32]byte
	if u.v == nil {
		return out
	}
	b := u.v.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(out[32-len(b):], b)
	return out
}

// Cmp compares u to other: -1, 0, or 1.
func (u Uint256) Cmp(other Uint256) int {
	return u.big().Cmp(other.big())
}

// LessThan reports whether u < other — the strict "hash beats target"
// predicate used throughout share classification; ties are rejected.
func (u Uint256) LessThan(other Uint256) bool { return u.Cmp(other) < 0 }

// LessOrEqual reports whether u <= other.
func (u Uint256) LessOrEqual(other Uint256) bool { return u.Cmp(other) <= 0 }

// IsZero reports whether u is the zero value.
func (u Uint256) IsZero() bool { return u.big().Sign() == 0 }

// Mul returns u * other.
func (u Uint256) Mul(other Uint256) Uint256 {
	return Uint256{v: new(big.Int).Mul(u.big(), other.big())}
}

// Div returns u / other. Div by zero returns the zero value rather than
// panicking, since retargeting treats a would-be division by zero as
// "keep the current target".
func (u Uint256) Div(other Uint256) Uint256 {
	if other.IsZero() {
		return Zero
	}
	return Uint256{v: new(big.Int).Div(u.big(), other.big())}
}

// DivUint64 is a convenience wrapper around Div for machine-integer
// divisors (millisecond durations, SUI counts, and the like).
func (u Uint256) DivUint64(n uint64) Uint256 {
	if n == 0 {
		return Zero
	}
	return Uint256{v: new(big.Int).Div(u.big(), new(big.Int).SetUint64(n))}
}

// MulUint64 is a convenience wrapper around Mul for machine-integer
// multipliers.
func (u Uint256) MulUint64(n uint64) Uint256 {
	return Uint256{v: new(big.Int).Mul(u.big(), new(big.Int).SetUint64(n))}
}

// Min returns the smaller of u and other.
func Min(a, b Uint256) Uint256 {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of u and other.
func Max(a, b Uint256) Uint256 {
	if a.Cmp(b) > 0 {
		return a
	}
	return b
}

// Clamp returns u clamped into [lo, hi].
func Clamp(u, lo, hi Uint256) Uint256 {
	return Max(lo, Min(u, hi))
}

// String renders u as zero-padded 64-character big-endian hex.
func (u Uint256) String() string {
	b := u.Bytes32()
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}

func (u Uint256) big() *big.Int {
	if u.v == nil {
		return new(big.Int)
	}
	return u.v
}

// CompactToBig converts the compact ("bits") representation used in
// Bitcoin-style block headers into a Uint256 target.
func CompactToBig(compact uint32) Uint256 {
	mantissa := compact & 0x007fffff
	isNegative := compact&0x00800000 != 0
	exponent := uint(compact >> 24)

	var bn *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, 8*(exponent-3))
	}

	if isNegative {
		bn.Neg(bn)
	}
	return FromBig(bn)
}

// BigToCompact converts a Uint256 target back into the compact ("bits")
// encoding.
func BigToCompact(u Uint256) uint32 {
	n := u.big()
	if n.Sign() == 0 {
		return 0
	}

	bytes := n.Bytes()
	size := uint32(len(bytes))

	var compact uint32
	if size <= 3 {
		compact = uint32(bytes[0])
		if size > 1 {
			compact <<= 8
			compact |= uint32(bytes[1])
		}
		if size > 2 {
			compact <<= 8
			compact |= uint32(bytes[2])
		}
		compact <<= 8 * (3 - size)
	} else {
		compact = uint32(bytes[0])<<16 | uint32(bytes[1])<<8 | uint32(bytes[2])
	}

	// A mantissa with bit 0x00800000 set would read back as negative:
	// shift it down one byte and grow the exponent instead.
	if compact&0x00800000 != 0 {
		compact >>= 8
		size++
	}

	compact |= size << 24
	if n.Sign() < 0 {
		compact |= 0x00800000
	}
	return compact
}

// Difficulty converts a target into its difficulty multiple:
// MaxTarget / target, the standard diff-1 convention. Used both for
// the PPLNS score formula and for human-readable mining.set_difficulty
// values.
func Difficulty(target Uint256) Uint256 {
	return MaxTarget.Div(target)
}
