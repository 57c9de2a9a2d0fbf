package drift

import (
	"math/big"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/stretchr/testify/require"
)

func TestCalculateWeightedAverage(t *testing.T) {
	got, err := CalculateWeightedAverage(100, 200, 0, 5)
	require.NoError(t, err)
	require.Equal(t, int64(200), got)

	got, err = CalculateWeightedAverage(100, 200, 5, 0)
	require.NoError(t, err)
	require.Equal(t, int64(100), got)

	// truncation bias pulls one unit toward the newer sample
	got, err = CalculateWeightedAverage(100, 200, 3, 2)
	require.NoError(t, err)
	require.Equal(t, int64(141), got)

	got, err = CalculateWeightedAverage(200, 100, 3, 2)
	require.NoError(t, err)
	require.Equal(t, int64(159), got)
}

func TestSanitizeNewPrice(t *testing.T) {
	// zero twap passes through untouched
	got, err := SanitizeNewPrice(123, 0, nil)
	require.NoError(t, err)
	require.Equal(t, int64(123), got)

	// inside the default band (twap/3)
	got, err = SanitizeNewPrice(1_200_000, 1_000_000, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1_200_000), got)

	// outside the band clamps to twap +/- band
	got, err = SanitizeNewPrice(2_000_000, 1_000_000, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1_333_333), got)

	got, err = SanitizeNewPrice(100_000, 1_000_000, nil)
	require.NoError(t, err)
	require.Equal(t, int64(666_667), got)

	// tier-A band is twap/10
	denom := int64(10)
	got, err = SanitizeNewPrice(2_000_000, 1_000_000, &denom)
	require.NoError(t, err)
	require.Equal(t, int64(1_100_000), got)

	// zero denominator disables the band
	zero := int64(0)
	got, err = SanitizeNewPrice(2_000_000, 1_000_000, &zero)
	require.NoError(t, err)
	require.Equal(t, int64(2_000_000), got)
}

func TestNormalizeOraclePrice(t *testing.T) {
	// oracle below reserve: pulled up to oracle+conf, bounded by the 2.5 bps band
	got, err := NormalizeOraclePrice(50_000_000, 1_000, 50_100_000)
	require.NoError(t, err)
	require.Equal(t, int64(50_001_000), got)

	// conf wide enough to reach the band edge
	got, err = NormalizeOraclePrice(50_000_000, 1_000_000, 50_100_000)
	require.NoError(t, err)
	require.Equal(t, int64(50_100_000-50_100_000/4000), got)

	// oracle above reserve
	got, err = NormalizeOraclePrice(50_200_000, 1_000, 50_100_000)
	require.NoError(t, err)
	require.Equal(t, int64(50_200_000-1_000), got)
}

func TestReservePrice(t *testing.T) {
	amm := Amm{
		BaseAssetReserve:  u128(1_000_000_000),
		QuoteAssetReserve: u128(1_000_000_000),
		PegMultiplier:     u128(50_000_000),
	}
	price, err := amm.ReservePrice()
	require.NoError(t, err)
	require.Equal(t, uint64(50_000_000), price)

	amm.QuoteAssetReserve = u128(2_000_000_000)
	price, err = amm.ReservePrice()
	require.NoError(t, err)
	require.Equal(t, uint64(100_000_000), price)

	amm.BaseAssetReserve = u128(0)
	_, err = amm.ReservePrice()
	require.Error(t, err)
}

func TestFundingPaymentInQuotePrecision(t *testing.T) {
	// longs pay a positive rate
	payment, err := CalculateFundingPaymentInQuotePrecision(
		big.NewInt(1_000_000),
		big.NewInt(1_000_000_000),
	)
	require.NoError(t, err)
	require.Equal(t, int64(-1_000), payment.Int64())

	// shorts receive it
	payment, err = CalculateFundingPaymentInQuotePrecision(
		big.NewInt(1_000_000),
		big.NewInt(-1_000_000_000),
	)
	require.NoError(t, err)
	require.Equal(t, int64(1_000), payment.Int64())
}

func TestFundingRateFromPnlLimit(t *testing.T) {
	rate, err := CalculateFundingRateFromPnlLimit(big.NewInt(-1_000), big.NewInt(1_000_000_000))
	require.NoError(t, err)
	require.Equal(t, int64(-999_000), rate.Int64())

	rate, err = CalculateFundingRateFromPnlLimit(big.NewInt(0), big.NewInt(0))
	require.NoError(t, err)
	require.Zero(t, rate.Sign())
}

func testMarket(now int64) *PerpMarket {
	return &PerpMarket{
		MarketIndex:  1,
		ContractTier: ContractTierA,
		Amm: Amm{
			BaseAssetReserve:  u128(1_000_000_000),
			QuoteAssetReserve: u128(1_000_000_000),
			PegMultiplier:     u128(50_000_000),
			HistoricalOracleData: HistoricalOracleData{
				LastOraclePrice:       50_000_000,
				LastOraclePriceTwap:   50_000_000,
				LastOraclePriceTwapTs: now - 60,
			},
			LastMarkPriceTwap:   50_000_000,
			LastMarkPriceTwapTs: now - 60,
			LastBidPriceTwap:    50_400_000,
			LastAskPriceTwap:    50_600_000,
			FundingPeriod:       3600,
		},
	}
}

func TestCalculateFundingRateSignAndBound(t *testing.T) {
	now := int64(1_700_000_000)
	market := testMarket(now)

	apr, err := market.CalculateFundingRate(50_000_000, 1_000, now)
	require.NoError(t, err)

	// mark twaps sit above the oracle twap, so shorts receive
	require.Positive(t, apr)

	// the +/-3% spread clamp bounds the result
	oracleTwap := int64(50_000_000)
	maxSpread := oracleTwap / 33
	maxRate := maxSpread * FundingRateBuffer / 24
	maxAPR := maxRate * 1000 / oracleTwap * 100 * 24 * 365
	require.LessOrEqual(t, apr, maxAPR)
}

func TestCalculateFundingRateLongsReceive(t *testing.T) {
	now := int64(1_700_000_000)
	market := testMarket(now)
	market.Amm.LastBidPriceTwap = 49_400_000
	market.Amm.LastAskPriceTwap = 49_600_000

	apr, err := market.CalculateFundingRate(50_000_000, 1_000, now)
	require.NoError(t, err)
	require.Negative(t, apr)
}

func u128(v uint64) bin.Uint128 {
	var out bin.Uint128
	out.Lo = v
	return out
}
