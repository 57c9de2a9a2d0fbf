// Package safemath provides checked integer arithmetic for the funding math
// paths. Every operation returns ErrMath instead of silently wrapping, so
// callers can surface overflow the same way division by zero is surfaced.
package safemath

import (
	"errors"
	"math/big"
)

var ErrMath = errors.New("math error: overflow or division by zero")

type Signed interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int
}

type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint
}

type Integer interface {
	Signed | Unsigned
}

func Add[T Integer](a, b T) (T, error) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, ErrMath
	}
	return c, nil
}

func Sub[T Integer](a, b T) (T, error) {
	c := a - b
	if (b > 0 && c > a) || (b < 0 && c < a) {
		return 0, ErrMath
	}
	return c, nil
}

func Mul[T Integer](a, b T) (T, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if (isAllOnes(a) && isMinValue(b)) || (isAllOnes(b) && isMinValue(a)) {
		return 0, ErrMath
	}
	c := a * b
	if c/b != a {
		return 0, ErrMath
	}
	return c, nil
}

func Div[T Integer](a, b T) (T, error) {
	if b == 0 {
		return 0, ErrMath
	}
	// signed MinValue / -1 is the one quotient that overflows
	if isSigned[T]() && isAllOnes(b) && isMinValue(a) {
		return 0, ErrMath
	}
	return a / b, nil
}

// Cast converts between integer widths, failing on truncation or sign loss.
func Cast[U Integer, T Integer](v T) (U, error) {
	u := U(v)
	if T(u) != v || (v < 0) != (u < 0) {
		return 0, ErrMath
	}
	return u, nil
}

// isAllOnes reports whether v is -1 for signed types (the only divisor that
// can overflow a division). For unsigned types it matches the max value,
// which only pairs with isMinValue in products that overflow anyway.
func isAllOnes[T Integer](v T) bool {
	return v == ^T(0)
}

func isSigned[T Integer]() bool {
	var zero T
	return ^zero < zero
}

// isMinValue reports whether v is the minimum representable value: the one
// non-zero value that is its own negation in two's complement.
func isMinValue[T Integer](v T) bool {
	return v != 0 && -v == v
}

var (
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// BigToInt64 converts an arbitrary-precision value to i64, failing when the
// value does not fit.
func BigToInt64(v *big.Int) (int64, error) {
	if !v.IsInt64() {
		return 0, ErrMath
	}
	return v.Int64(), nil
}

// BigToUint64 converts an arbitrary-precision value to u64, failing when the
// value does not fit.
func BigToUint64(v *big.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, ErrMath
	}
	return v.Uint64(), nil
}

// CheckI128 verifies the value fits a signed 128-bit integer.
func CheckI128(v *big.Int) (*big.Int, error) {
	if v.Cmp(minI128) < 0 || v.Cmp(maxI128) > 0 {
		return nil, ErrMath
	}
	return v, nil
}

// CheckU128 verifies the value fits an unsigned 128-bit integer.
func CheckU128(v *big.Int) (*big.Int, error) {
	if v.Sign() < 0 || v.Cmp(maxU128) > 0 {
		return nil, ErrMath
	}
	return v, nil
}
