package fixedpoint

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldbell/perp-funding/backend/internal/safemath"
)

func TestArithmetic(t *testing.T) {
	a := FromInt64(6)
	b := FromInt64(4)

	sum, err := a.Add(b)
	require.NoError(t, err)
	requireEqualsInt(t, 10, sum)

	prod, err := a.Mul(b)
	require.NoError(t, err)
	requireEqualsInt(t, 24, prod)

	quot, err := a.Div(b)
	require.NoError(t, err)
	half, err := quot.MulInt64(2)
	require.NoError(t, err)
	requireEqualsInt(t, 3, half)

	_, err = a.Div(Zero())
	require.ErrorIs(t, err, safemath.ErrMath)
}

func TestInt64Truncation(t *testing.T) {
	v, err := FromInt64(7).Div(FromInt64(2))
	require.NoError(t, err)
	i, err := v.Int64()
	require.NoError(t, err)
	require.Equal(t, int64(3), i)

	n, err := FromInt64(-7).Div(FromInt64(2))
	require.NoError(t, err)
	i, err = n.Int64()
	require.NoError(t, err)
	require.Equal(t, int64(-3), i)
}

func TestLEBytesRoundTrip(t *testing.T) {
	v := FromInt64(-123456789)
	back := FromLEBytes(v.LEBytes())
	require.Zero(t, v.Cmp(back))

	w := FromInt64(42)
	require.Zero(t, w.Cmp(FromLEBytes(w.LEBytes())))
}

func TestClamp(t *testing.T) {
	lo := FromInt64(-2)
	hi := FromInt64(3)

	require.Zero(t, FromInt64(5).Clamp(lo, hi).Cmp(hi))
	require.Zero(t, FromInt64(-9).Clamp(lo, hi).Cmp(lo))
	mid := FromInt64(1)
	require.Zero(t, mid.Clamp(lo, hi).Cmp(mid))
}

func TestPowerOfTen(t *testing.T) {
	requireEqualsInt(t, 1000, PowerOfTen(3))
	requireEqualsInt(t, 1, PowerOfTen(0))

	// 10^-3 bits match the on-chain constant: floor(2^48/1000) + 1.
	want := new(big.Int).Div(new(big.Int).Lsh(big.NewInt(1), 48), big.NewInt(1000))
	want.Add(want, big.NewInt(1))
	require.Zero(t, PowerOfTen(-3).Bits().Cmp(want))

	require.Panics(t, func() { PowerOfTen(13) })
}

func requireEqualsInt(t *testing.T, want int64, got I80F48) {
	t.Helper()
	require.Zero(t, got.Cmp(FromInt64(want)), "want %d, got %s", want, got)
}
