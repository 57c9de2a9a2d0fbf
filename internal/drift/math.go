package drift

import (
	"math/big"

	"github.com/coldbell/perp-funding/backend/internal/safemath"
)

// Precision constants, expo = -6 unless noted.
const (
	PercentagePrecision = 1_000_000
	PricePrecision      = 1_000_000
	PegPrecision        = 1_000_000
	PriceToPegRatio     = PricePrecision / PegPrecision

	DefaultMaxTwapUpdatePriceBandDenominator = 3

	OneHour   = 3600
	OneMinute = 60

	FundingRateBuffer = 1000

	AmmReservePrecision      = 1_000_000_000
	AmmToQuotePrecisionRatio = AmmReservePrecision / PercentagePrecision
)

var quoteToBaseAmtFundingPrecision = big.NewInt(AmmReservePrecision * FundingRateBuffer)

// NormalizeOraclePrice pulls the oracle toward the reserve price when they
// agree within 2.5 bps, bounded by the oracle's confidence interval. This
// keeps funding reasonable through volatile prints.
func NormalizeOraclePrice(oraclePrice int64, oracleConf uint64, reservePrice uint64) (int64, error) {
	reserve, err := safemath.Cast[int64](reservePrice)
	if err != nil {
		return 0, err
	}
	reserve2p5bps := reserve / 4000
	conf, err := safemath.Cast[int64](oracleConf)
	if err != nil {
		return 0, err
	}

	if reserve > oraclePrice {
		lower, err := safemath.Sub(reserve, reserve2p5bps)
		if err != nil {
			return 0, err
		}
		upper, err := safemath.Add(oraclePrice, conf)
		if err != nil {
			return 0, err
		}
		return min64(max64(lower, oraclePrice), upper), nil
	}

	upper, err := safemath.Add(reserve, reserve2p5bps)
	if err != nil {
		return 0, err
	}
	lower, err := safemath.Sub(oraclePrice, conf)
	if err != nil {
		return 0, err
	}
	return max64(min64(upper, oraclePrice), lower), nil
}

// SanitizeNewPrice caps a single price update to last_twap/denominator.
// A nil denominator selects the default band; zero disables the band.
func SanitizeNewPrice(newPrice, lastPriceTwap int64, clampDenominator *int64) (int64, error) {
	if lastPriceTwap == 0 {
		return newPrice, nil
	}

	spread, err := safemath.Sub(newPrice, lastPriceTwap)
	if err != nil {
		return 0, err
	}

	denom := int64(DefaultMaxTwapUpdatePriceBandDenominator)
	if clampDenominator != nil {
		denom = *clampDenominator
	}
	if denom == 0 {
		return newPrice, nil
	}

	band := lastPriceTwap / denom
	if absInt64(spread) <= absInt64(band) {
		return newPrice, nil
	}
	if newPrice > lastPriceTwap {
		return safemath.Add(lastPriceTwap, band)
	}
	return safemath.Sub(lastPriceTwap, band)
}

// CalculateWeightedAverage blends two samples by integer weights, biasing the
// truncated result toward the newer sample by at most one unit.
func CalculateWeightedAverage(data1, data2, weight1, weight2 int64) (int64, error) {
	if weight1 == 0 {
		return data2, nil
	}
	if weight2 == 0 {
		return data1, nil
	}

	denominator, err := safemath.Add(weight1, weight2)
	if err != nil {
		return 0, err
	}

	prevWeighted := new(big.Int).Mul(big.NewInt(data1), big.NewInt(weight1))
	latestWeighted := new(big.Int).Mul(big.NewInt(data2), big.NewInt(weight2))

	bias := int64(0)
	if weight2 > 1 {
		switch latestWeighted.Cmp(prevWeighted) {
		case -1:
			bias = -1
		case 1:
			bias = 1
		}
	}

	sum := new(big.Int).Add(prevWeighted, latestWeighted)
	twapBig := new(big.Int).Quo(sum, big.NewInt(denominator))
	twap, err := safemath.BigToInt64(twapBig)
	if err != nil {
		return 0, err
	}

	if twap == 0 && bias < 0 {
		return twap, nil
	}
	return safemath.Add(twap, bias)
}

// CalculateNewTwap folds a fresh sample into a sliding-window TWAP.
func CalculateNewTwap(currentPrice, currentTs, lastTwap, lastTs, period int64) (int64, error) {
	sinceLast, err := safemath.Sub(currentTs, lastTs)
	if err != nil {
		return 0, err
	}
	sinceLast = max64(0, sinceLast)
	fromStart, err := safemath.Sub(period, sinceLast)
	if err != nil {
		return 0, err
	}
	fromStart = max64(1, fromStart)

	return CalculateWeightedAverage(currentPrice, lastTwap, sinceLast, fromStart)
}

// calculateFundingPayment returns the quote owed for a funding-rate delta on
// a base position, via a 192-bit product. Positive base positions pay a
// positive rate.
func calculateFundingPayment(fundingRateDelta, baseAssetAmount *big.Int) (*big.Int, error) {
	deltaSign := int64(-1)
	if fundingRateDelta.Sign() > 0 {
		deltaSign = 1
	}

	deltaAbs, err := safemath.U192FromBig(new(big.Int).Abs(fundingRateDelta))
	if err != nil {
		return nil, err
	}
	baseAbs, err := safemath.U192FromBig(new(big.Int).Abs(baseAssetAmount))
	if err != nil {
		return nil, err
	}

	magnitude, err := deltaAbs.Mul(baseAbs)
	if err != nil {
		return nil, err
	}
	magnitude, err = magnitude.Div(safemath.U192FromUint64(PricePrecision))
	if err != nil {
		return nil, err
	}
	magnitude, err = magnitude.Div(safemath.U192FromUint64(FundingRateBuffer))
	if err != nil {
		return nil, err
	}
	payment, err := magnitude.Int128()
	if err != nil {
		return nil, err
	}

	paymentSign := int64(1)
	if baseAssetAmount.Sign() > 0 {
		paymentSign = -1
	}

	payment.Mul(payment, big.NewInt(paymentSign))
	payment.Mul(payment, big.NewInt(deltaSign))
	return safemath.CheckI128(payment)
}

// CalculateFundingPaymentInQuotePrecision rescales the funding payment from
// AMM reserve precision into quote precision.
func CalculateFundingPaymentInQuotePrecision(fundingRateDelta, baseAssetAmount *big.Int) (*big.Int, error) {
	payment, err := calculateFundingPayment(fundingRateDelta, baseAssetAmount)
	if err != nil {
		return nil, err
	}
	return payment.Quo(payment, big.NewInt(AmmToQuotePrecisionRatio)), nil
}

// CalculateFundingRateFromPnlLimit inverts the payment formula: the largest
// rate whose aggregate payment stays within pnlLimit for the given position.
func CalculateFundingRateFromPnlLimit(pnlLimit, baseAssetAmount *big.Int) (*big.Int, error) {
	if baseAssetAmount.Sign() == 0 {
		return big.NewInt(0), nil
	}

	biased := new(big.Int).Set(pnlLimit)
	if biased.Sign() < 0 {
		biased.Add(biased, big.NewInt(1))
	}

	biased.Mul(biased, quoteToBaseAmtFundingPrecision)
	if _, err := safemath.CheckI128(biased); err != nil {
		return nil, err
	}
	return biased.Quo(biased, baseAssetAmount), nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
