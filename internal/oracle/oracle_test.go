package oracle

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldbell/perp-funding/backend/internal/fixedpoint"
)

func pythAccount(expo int32, price int64, conf uint64, slot uint64) []byte {
	data := make([]byte, minAccountLen)
	binary.LittleEndian.PutUint32(data[offsetMagic:], pythMagic)
	binary.LittleEndian.PutUint32(data[offsetVersion:], pythVersion)
	binary.LittleEndian.PutUint32(data[offsetExpo:], uint32(expo))
	binary.LittleEndian.PutUint64(data[offsetLastSlot:], slot)
	binary.LittleEndian.PutUint64(data[offsetAggPrice:], uint64(price))
	binary.LittleEndian.PutUint64(data[offsetAggConf:], conf)
	binary.LittleEndian.PutUint32(data[offsetAggStatus:], aggStatusTrading)
	return data
}

func TestParsePriceAccount(t *testing.T) {
	price, err := ParsePriceAccount(pythAccount(-8, 5_000_000_000_000, 123, 99))
	require.NoError(t, err)
	require.Equal(t, int32(-8), price.Expo)
	require.Equal(t, int64(5_000_000_000_000), price.Price)
	require.Equal(t, uint64(123), price.Confidence)
	require.Equal(t, uint64(99), price.UpdatedAtSlot)
}

func TestParsePriceAccountRejectsGarbage(t *testing.T) {
	_, err := ParsePriceAccount(make([]byte, 10))
	require.ErrorIs(t, err, ErrInvalidPriceAccount)

	data := pythAccount(-8, 1, 0, 0)
	binary.LittleEndian.PutUint32(data[offsetMagic:], 0xdeadbeef)
	_, err = ParsePriceAccount(data)
	require.ErrorIs(t, err, ErrInvalidPriceAccount)

	data = pythAccount(-8, 1, 0, 0)
	binary.LittleEndian.PutUint32(data[offsetAggStatus:], 0)
	_, err = ParsePriceAccount(data)
	require.ErrorIs(t, err, ErrInvalidPriceAccount)
}

func TestDriftPriceScaling(t *testing.T) {
	// expo -8: 5e12 raw = $50,000 -> 50_000e6 at drift precision
	p := &PriceData{Expo: -8, Price: 5_000_000_000_000}
	scaled, err := p.DriftPrice()
	require.NoError(t, err)
	require.Equal(t, int64(50_000_000_000), scaled)

	// expo -3: raw has fewer decimals than drift, scale up
	p = &PriceData{Expo: -3, Price: 50_000_000}
	scaled, err = p.DriftPrice()
	require.NoError(t, err)
	require.Equal(t, int64(50_000_000_000), scaled)

	// expo -6 passes through
	p = &PriceData{Expo: -6, Price: 50_000_000_000}
	scaled, err = p.DriftPrice()
	require.NoError(t, err)
	require.Equal(t, int64(50_000_000_000), scaled)
}

func TestMangoPriceProjection(t *testing.T) {
	// expo -6, base decimals 6: adjustment is 10^(-6+6-6) = 10^-6
	p := &PriceData{Expo: -6, Price: 10_000_000}
	requireFixedNear(t, fixedpoint.FromInt64(10), p.MangoPrice(6))

	// base decimals 9 shift the price three decimals further down
	thousandth, err := fixedpoint.FromInt64(10).Div(fixedpoint.FromInt64(1000))
	require.NoError(t, err)
	requireFixedNear(t, thousandth, p.MangoPrice(9))
}

// requireFixedNear allows for the deliberate off-by-one-bit rounding the
// on-chain power-of-ten constants carry (well under 1e-7 in value).
func requireFixedNear(t *testing.T, want, got fixedpoint.I80F48) {
	t.Helper()
	diff, err := got.Sub(want)
	require.NoError(t, err)
	bits := diff.Bits().Int64()
	require.LessOrEqual(t, bits, int64(20_000_000), "want %s, got %s", want, got)
	require.GreaterOrEqual(t, bits, int64(-20_000_000), "want %s, got %s", want, got)
}
