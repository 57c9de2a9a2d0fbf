package safemath

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddOverflow(t *testing.T) {
	got, err := Add(int64(1), int64(2))
	require.NoError(t, err)
	require.Equal(t, int64(3), got)

	_, err = Add(int64(math.MaxInt64), int64(1))
	require.ErrorIs(t, err, ErrMath)

	_, err = Add(int64(math.MinInt64), int64(-1))
	require.ErrorIs(t, err, ErrMath)

	_, err = Add(uint64(math.MaxUint64), uint64(1))
	require.ErrorIs(t, err, ErrMath)
}

func TestSubOverflow(t *testing.T) {
	got, err := Sub(uint16(10), uint16(4))
	require.NoError(t, err)
	require.Equal(t, uint16(6), got)

	_, err = Sub(uint64(0), uint64(1))
	require.ErrorIs(t, err, ErrMath)

	_, err = Sub(int64(math.MinInt64), int64(1))
	require.ErrorIs(t, err, ErrMath)
}

func TestMulOverflow(t *testing.T) {
	got, err := Mul(int64(-3), int64(7))
	require.NoError(t, err)
	require.Equal(t, int64(-21), got)

	_, err = Mul(int64(math.MaxInt64), int64(2))
	require.ErrorIs(t, err, ErrMath)

	_, err = Mul(int64(math.MinInt64), int64(-1))
	require.ErrorIs(t, err, ErrMath)

	got, err = Mul(int64(0), int64(math.MaxInt64))
	require.NoError(t, err)
	require.Zero(t, got)
}

func TestDivByZero(t *testing.T) {
	got, err := Div(int64(-7), int64(2))
	require.NoError(t, err)
	require.Equal(t, int64(-3), got)

	_, err = Div(int64(1), int64(0))
	require.ErrorIs(t, err, ErrMath)

	_, err = Div(int64(math.MinInt64), int64(-1))
	require.ErrorIs(t, err, ErrMath)
}

func TestCast(t *testing.T) {
	got, err := Cast[uint64](int64(12))
	require.NoError(t, err)
	require.Equal(t, uint64(12), got)

	_, err = Cast[uint64](int64(-1))
	require.ErrorIs(t, err, ErrMath)

	_, err = Cast[int8](int64(300))
	require.ErrorIs(t, err, ErrMath)

	_, err = Cast[int64](uint64(math.MaxUint64))
	require.ErrorIs(t, err, ErrMath)
}

func TestU192Bounds(t *testing.T) {
	a := U192FromUint64(math.MaxUint64)
	sq, err := a.Mul(a)
	require.NoError(t, err)

	cubeOverflow, err := sq.Mul(sq)
	require.ErrorIs(t, err, ErrMath)
	require.Zero(t, cubeOverflow.v)

	_, err = sq.Uint64()
	require.ErrorIs(t, err, ErrMath)

	_, err = a.Div(U192FromUint64(0))
	require.ErrorIs(t, err, ErrMath)

	q, err := sq.Div(a)
	require.NoError(t, err)
	u, err := q.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), u)
}

func TestBigBounds(t *testing.T) {
	_, err := BigToInt64(new(big.Int).Lsh(big.NewInt(1), 64))
	require.ErrorIs(t, err, ErrMath)

	v, err := BigToInt64(big.NewInt(-5))
	require.NoError(t, err)
	require.Equal(t, int64(-5), v)

	_, err = CheckI128(new(big.Int).Lsh(big.NewInt(1), 127))
	require.ErrorIs(t, err, ErrMath)

	_, err = CheckU128(big.NewInt(-1))
	require.ErrorIs(t, err, ErrMath)
}
