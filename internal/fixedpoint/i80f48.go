// Package fixedpoint implements the 128-bit fixed-point number format used by
// the Mango order book and funding parameters: 80 integer bits and 48
// fractional bits, little-endian on the wire.
package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/coldbell/perp-funding/backend/internal/safemath"
)

const FracBits = 48

var (
	one      = new(big.Int).Lsh(big.NewInt(1), FracBits)
	maxBits  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minBits  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	twoTo128 = new(big.Int).Lsh(big.NewInt(1), 128)
)

// I80F48 is a signed fixed-point value: bits / 2^48. The zero value is 0.
type I80F48 struct {
	bits *big.Int
}

func Zero() I80F48 { return I80F48{bits: big.NewInt(0)} }

func One() I80F48 { return I80F48{bits: new(big.Int).Set(one)} }

func FromInt64(v int64) I80F48 {
	return I80F48{bits: new(big.Int).Lsh(big.NewInt(v), FracBits)}
}

// FromBits builds a value from raw bits. The caller guarantees the bits fit
// the signed 128-bit range; out-of-range bits are a programmer error.
func FromBits(bits *big.Int) I80F48 {
	if bits.Cmp(minBits) < 0 || bits.Cmp(maxBits) > 0 {
		panic(fmt.Sprintf("fixedpoint: bits out of range: %s", bits))
	}
	return I80F48{bits: new(big.Int).Set(bits)}
}

// FromLEBytes decodes the on-chain representation: a signed 128-bit integer
// of raw bits, little-endian.
func FromLEBytes(raw [16]byte) I80F48 {
	be := make([]byte, 16)
	for i := range raw {
		be[15-i] = raw[i]
	}
	bits := new(big.Int).SetBytes(be)
	if be[0]&0x80 != 0 {
		bits.Sub(bits, twoTo128)
	}
	return I80F48{bits: bits}
}

func (v I80F48) Bits() *big.Int {
	return new(big.Int).Set(v.norm())
}

func (v I80F48) norm() *big.Int {
	if v.bits == nil {
		return big.NewInt(0)
	}
	return v.bits
}

func (v I80F48) Add(o I80F48) (I80F48, error) {
	return checked(new(big.Int).Add(v.norm(), o.norm()))
}

func (v I80F48) Sub(o I80F48) (I80F48, error) {
	return checked(new(big.Int).Sub(v.norm(), o.norm()))
}

// Mul computes v*o, dropping fractional bits below 2^-48 (arithmetic shift
// semantics, rounding toward negative infinity).
func (v I80F48) Mul(o I80F48) (I80F48, error) {
	prod := new(big.Int).Mul(v.norm(), o.norm())
	return checked(prod.Rsh(prod, FracBits))
}

// Div computes v/o with the same rounding as Mul.
func (v I80F48) Div(o I80F48) (I80F48, error) {
	if o.norm().Sign() == 0 {
		return I80F48{}, safemath.ErrMath
	}
	num := new(big.Int).Lsh(v.norm(), FracBits)
	return checked(floorDiv(num, o.norm()))
}

func (v I80F48) Neg() I80F48 {
	return I80F48{bits: new(big.Int).Neg(v.norm())}
}

func (v I80F48) Cmp(o I80F48) int {
	return v.norm().Cmp(o.norm())
}

func (v I80F48) Sign() int {
	return v.norm().Sign()
}

func (v I80F48) IsZero() bool {
	return v.norm().Sign() == 0
}

// Clamp bounds v to [lo, hi].
func (v I80F48) Clamp(lo, hi I80F48) I80F48 {
	if v.Cmp(lo) < 0 {
		return lo
	}
	if v.Cmp(hi) > 0 {
		return hi
	}
	return v
}

// Int64 returns the integer part, truncating toward zero, failing when the
// integer part does not fit an i64.
func (v I80F48) Int64() (int64, error) {
	q := new(big.Int).Quo(v.norm(), one)
	return safemath.BigToInt64(q)
}

// MulInt64 multiplies by a plain integer without losing fractional bits.
func (v I80F48) MulInt64(x int64) (I80F48, error) {
	return checked(new(big.Int).Mul(v.norm(), big.NewInt(x)))
}

// LEBytes returns the on-chain representation: raw bits as a signed 128-bit
// integer, little-endian.
func (v I80F48) LEBytes() [16]byte {
	tc := new(big.Int).Set(v.norm())
	if tc.Sign() < 0 {
		tc.Add(tc, twoTo128)
	}
	be := tc.FillBytes(make([]byte, 16))

	var out [16]byte
	for i := range out {
		out[i] = be[15-i]
	}
	return out
}

func (v I80F48) String() string {
	f := new(big.Float).SetInt(v.norm())
	f.Quo(f, new(big.Float).SetInt(one))
	return f.Text('f', 12)
}

func checked(bits *big.Int) (I80F48, error) {
	if bits.Cmp(minBits) < 0 || bits.Cmp(maxBits) > 0 {
		return I80F48{}, safemath.ErrMath
	}
	return I80F48{bits: bits}, nil
}

func floorDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 && (r.Sign() < 0) != (b.Sign() < 0) {
		q.Sub(q, big.NewInt(1))
	}
	return q
}
