package drift

import (
	"math/big"

	"github.com/coldbell/perp-funding/backend/internal/safemath"
)

// calculatePrice computes quote_reserve * peg / base_reserve at price
// precision through a 192-bit intermediate.
func calculatePrice(quoteAssetReserve, baseAssetReserve, pegMultiplier *big.Int) (uint64, error) {
	pegQuote, err := safemath.CheckU128(new(big.Int).Mul(quoteAssetReserve, pegMultiplier))
	if err != nil {
		return 0, err
	}

	wide, err := safemath.U192FromBig(pegQuote)
	if err != nil {
		return 0, err
	}
	wide, err = wide.Mul(safemath.U192FromUint64(PriceToPegRatio))
	if err != nil {
		return 0, err
	}
	base, err := safemath.U192FromBig(baseAssetReserve)
	if err != nil {
		return 0, err
	}
	wide, err = wide.Div(base)
	if err != nil {
		return 0, err
	}
	return wide.Uint64()
}

func (a *Amm) ReservePrice() (uint64, error) {
	return calculatePrice(
		a.QuoteAssetReserve.BigInt(),
		a.BaseAssetReserve.BigInt(),
		a.PegMultiplier.BigInt(),
	)
}

func (a *Amm) BidPrice(reservePrice uint64) (uint64, error) {
	p := new(big.Int).SetUint64(reservePrice)
	p.Mul(p, big.NewInt(PercentagePrecision-int64(a.ShortSpread)))
	p.Div(p, big.NewInt(PercentagePrecision))
	return safemath.BigToUint64(p)
}

func (a *Amm) AskPrice(reservePrice uint64) (uint64, error) {
	p := new(big.Int).SetUint64(reservePrice)
	p.Mul(p, big.NewInt(PercentagePrecision+int64(a.LongSpread)))
	p.Div(p, big.NewInt(PercentagePrecision))
	return safemath.BigToUint64(p)
}

// CalculateOracleTwap normalizes and sanitizes the fresh oracle print, then
// folds it into the historical oracle TWAP.
func (a *Amm) CalculateOracleTwap(
	reservePrice uint64,
	now int64,
	oraclePrice int64,
	oracleConfidence uint64,
	sanitizeClampDenominator *int64,
) (int64, error) {
	normalized, err := NormalizeOraclePrice(oraclePrice, oracleConfidence, reservePrice)
	if err != nil {
		return 0, err
	}

	capped, err := SanitizeNewPrice(
		normalized,
		a.HistoricalOracleData.LastOraclePriceTwap,
		sanitizeClampDenominator,
	)
	if err != nil {
		return 0, err
	}

	if capped <= 0 || normalized <= 0 {
		return a.HistoricalOracleData.LastOraclePriceTwap, nil
	}
	return a.calculateNewOracleTwap(now, capped)
}

func (a *Amm) calculateNewOracleTwap(now int64, oraclePrice int64) (int64, error) {
	lastMarkTwap, err := safemath.Cast[int64](a.LastMarkPriceTwap)
	if err != nil {
		return 0, err
	}
	lastOracleTwap := a.HistoricalOracleData.LastOraclePriceTwap
	period := a.FundingPeriod

	sinceLast, err := safemath.Sub(now, a.HistoricalOracleData.LastOraclePriceTwapTs)
	if err != nil {
		return 0, err
	}
	floor := int64(0)
	if period == 0 {
		floor = 1
	}
	sinceLast = max64(floor, sinceLast)
	fromStart := max64(0, period-sinceLast)

	// An oracle delay shrinks the fresh print toward the mark TWAP.
	interpolated := oraclePrice
	if a.LastMarkPriceTwapTs > a.HistoricalOracleData.LastOraclePriceTwapTs {
		sinceLastValid, err := safemath.Sub(a.LastMarkPriceTwapTs, a.HistoricalOracleData.LastOraclePriceTwapTs)
		if err != nil {
			return 0, err
		}
		fromStartValid := max64(1, period-sinceLastValid)
		interpolated, err = CalculateWeightedAverage(lastMarkTwap, oraclePrice, sinceLastValid, fromStartValid)
		if err != nil {
			return 0, err
		}
	}

	return CalculateWeightedAverage(interpolated, lastOracleTwap, sinceLast, fromStart)
}

// estimateBestBidAsk estimates the touch from the precomputed trade price,
// the last oracle print, and the AMM spread bounds.
func (a *Amm) estimateBestBidAsk(
	ammReservePrice uint64,
	precomputedTradePrice *uint64,
	direction *PositionDirection,
) (uint64, uint64, error) {
	lastOraclePrice := a.HistoricalOracleData.LastOraclePrice
	if lastOraclePrice <= 0 {
		return 0, 0, ErrInvalidOracle
	}
	lastOraclePriceU, err := safemath.Cast[uint64](lastOraclePrice)
	if err != nil {
		return 0, 0, err
	}

	tradePrice := lastOraclePriceU
	if precomputedTradePrice != nil {
		tradePrice = *precomputedTradePrice
	}

	tradePriceI, err := safemath.Cast[int64](tradePrice)
	if err != nil {
		return 0, 0, err
	}
	tradePremium, err := safemath.Sub(tradePriceI, lastOraclePrice)
	if err != nil {
		return 0, 0, err
	}

	ammBidPrice, err := a.BidPrice(ammReservePrice)
	if err != nil {
		return 0, 0, err
	}
	ammAskPrice, err := a.AskPrice(ammReservePrice)
	if err != nil {
		return 0, 0, err
	}

	baseSpread := uint64(a.BaseSpread)

	bestBidEstimate := tradePrice
	if tradePremium > 0 {
		discount := minU64(baseSpread, uint64(a.ShortSpread)/2)
		bestBidEstimate, err = safemath.Sub(lastOraclePriceU, minU64(discount, uint64(tradePremium)))
		if err != nil {
			return 0, 0, err
		}
	}
	bestBidEstimate = maxU64(bestBidEstimate, ammBidPrice)

	bestAskEstimate := tradePrice
	if tradePremium < 0 {
		premium := minU64(baseSpread, uint64(a.LongSpread)/2)
		bestAskEstimate, err = safemath.Add(lastOraclePriceU, minU64(premium, uint64(-tradePremium)))
		if err != nil {
			return 0, 0, err
		}
	}
	bestAskEstimate = minU64(bestAskEstimate, ammAskPrice)

	var bidPrice, askPrice uint64
	switch {
	case direction == nil:
		mid := minU64(maxU64(tradePrice, ammBidPrice), ammAskPrice)
		bidPrice, askPrice = mid, mid
	case *direction == PositionDirectionLong:
		bidPrice = bestBidEstimate
		askPrice = maxU64(tradePrice, bestBidEstimate)
	default:
		bidPrice = minU64(tradePrice, bestAskEstimate)
		askPrice = bestAskEstimate
	}

	if bidPrice > askPrice {
		return 0, 0, ErrInvalidMarkTwapUpdate
	}
	return bidPrice, askPrice, nil
}

// CalculateMarkTwap updates the bid/ask TWAP pair with a fresh trade estimate
// and returns their midpoint.
func (a *Amm) CalculateMarkTwap(
	now int64,
	reservePrice uint64,
	precomputedTradePrice uint64,
	direction *PositionDirection,
	sanitizeClamp *int64,
) (uint64, error) {
	bidPrice, askPrice, err := a.estimateBestBidAsk(reservePrice, &precomputedTradePrice, direction)
	if err != nil {
		return 0, err
	}

	bidPriceI, err := safemath.Cast[int64](bidPrice)
	if err != nil {
		return 0, err
	}
	askPriceI, err := safemath.Cast[int64](askPrice)
	if err != nil {
		return 0, err
	}
	lastBidTwap, err := safemath.Cast[int64](a.LastBidPriceTwap)
	if err != nil {
		return 0, err
	}
	lastAskTwap, err := safemath.Cast[int64](a.LastAskPriceTwap)
	if err != nil {
		return 0, err
	}

	bidCapped, err := SanitizeNewPrice(bidPriceI, lastBidTwap, sanitizeClamp)
	if err != nil {
		return 0, err
	}
	askCapped, err := SanitizeNewPrice(askPriceI, lastAskTwap, sanitizeClamp)
	if err != nil {
		return 0, err
	}
	if bidCapped > askCapped {
		return 0, ErrInvalidMarkTwapUpdate
	}

	// When trades have lagged the oracle TWAP for over a minute (or one
	// sixtieth of the funding period), re-seed the mark TWAPs against the
	// oracle TWAP before applying the fresh update.
	lastValidTradeSinceOracleTwapUpdate, err := safemath.Sub(
		a.HistoricalOracleData.LastOraclePriceTwapTs,
		a.LastMarkPriceTwapTs,
	)
	if err != nil {
		return 0, err
	}

	if lastValidTradeSinceOracleTwapUpdate > max64(a.FundingPeriod/60, OneMinute) {
		fromStartValid := max64(0, a.FundingPeriod-lastValidTradeSinceOracleTwapUpdate)
		lastBidTwap, err = CalculateWeightedAverage(
			a.HistoricalOracleData.LastOraclePriceTwap,
			lastBidTwap,
			lastValidTradeSinceOracleTwapUpdate,
			fromStartValid,
		)
		if err != nil {
			return 0, err
		}
		lastAskTwap, err = CalculateWeightedAverage(
			a.HistoricalOracleData.LastOraclePriceTwap,
			lastAskTwap,
			lastValidTradeSinceOracleTwapUpdate,
			fromStartValid,
		)
		if err != nil {
			return 0, err
		}
	}

	bidTwap, err := CalculateNewTwap(bidCapped, now, lastBidTwap, a.LastMarkPriceTwapTs, a.FundingPeriod)
	if err != nil {
		return 0, err
	}
	askTwap, err := CalculateNewTwap(askCapped, now, lastAskTwap, a.LastMarkPriceTwapTs, a.FundingPeriod)
	if err != nil {
		return 0, err
	}

	sum, err := safemath.Add(bidTwap, askTwap)
	if err != nil {
		return 0, err
	}
	return safemath.Cast[uint64](sum / 2)
}

func (m *PerpMarket) totalFeeLowerBound() *big.Int {
	return new(big.Int).Quo(m.Amm.TotalExchangeFee.BigInt(), big.NewInt(2))
}

func (m *PerpMarket) feePool() *big.Int {
	lowerBound := m.totalFeeLowerBound()
	tfmd := m.Amm.TotalFeeMinusDistribution.BigInt()
	if tfmd.Cmp(lowerBound) > 0 {
		return new(big.Int).Sub(tfmd, lowerBound)
	}
	return big.NewInt(0)
}

// calculateCappedFundingRate bounds protocol-paid funding to a third of the
// current fee pool per period, crediting funding already flowing between
// users against the cap.
func (m *PerpMarket) calculateCappedFundingRate(uncappedFundingPnl, fundingRate *big.Int) (*big.Int, *big.Int, error) {
	feePool := m.feePool()
	pnlLimit := new(big.Int).Neg(new(big.Int).Quo(feePool, big.NewInt(3)))

	cappedFundingPnl := new(big.Int).Set(uncappedFundingPnl)
	if cappedFundingPnl.Cmp(pnlLimit) < 0 {
		cappedFundingPnl.Set(pnlLimit)
	}

	if uncappedFundingPnl.Cmp(pnlLimit) >= 0 {
		return new(big.Int).Set(fundingRate), cappedFundingPnl, nil
	}

	payingSide := m.Amm.BaseAssetAmountShort.BigInt()
	if fundingRate.Sign() > 0 {
		payingSide = m.Amm.BaseAssetAmountLong.BigInt()
	}
	fundingPaymentFromUsers, err := CalculateFundingPaymentInQuotePrecision(fundingRate, payingSide)
	if err != nil {
		return nil, nil, err
	}

	pnlLimit.Sub(pnlLimit, new(big.Int).Abs(fundingPaymentFromUsers))

	receivingSide := m.Amm.BaseAssetAmountShort.BigInt()
	if fundingRate.Sign() < 0 {
		receivingSide = m.Amm.BaseAssetAmountLong.BigInt()
	}
	cappedRate, err := CalculateFundingRateFromPnlLimit(pnlLimit, receivingSide)
	if err != nil {
		return nil, nil, err
	}
	return cappedRate, cappedFundingPnl, nil
}

// calculateFundingRateLongShort splits the raw rate into per-side rates,
// capping the side the protocol would subsidize.
func (m *PerpMarket) calculateFundingRateLongShort(fundingRate *big.Int) (*big.Int, *big.Int, error) {
	settledNetPosition := new(big.Int).Add(
		m.Amm.BaseAssetAmountWithAmm.BigInt(),
		m.Amm.BaseAssetAmountWithUnsettledLp.BigInt(),
	)
	if _, err := safemath.CheckI128(settledNetPosition); err != nil {
		return nil, nil, err
	}

	netPositionPayment, err := CalculateFundingPaymentInQuotePrecision(fundingRate, settledNetPosition)
	if err != nil {
		return nil, nil, err
	}
	uncappedFundingPnl := new(big.Int).Neg(netPositionPayment)

	// Positive pnl means the protocol receives; nothing to cap.
	if uncappedFundingPnl.Sign() >= 0 {
		return new(big.Int).Set(fundingRate), new(big.Int).Set(fundingRate), nil
	}

	cappedRate, cappedFundingPnl, err := m.calculateCappedFundingRate(uncappedFundingPnl, fundingRate)
	if err != nil {
		return nil, nil, err
	}

	newTotalFeeMinusDistributions := new(big.Int).Add(m.Amm.TotalFeeMinusDistribution.BigInt(), cappedFundingPnl)
	if cappedFundingPnl.Sign() != 0 {
		if newTotalFeeMinusDistributions.Cmp(m.totalFeeLowerBound()) < 0 {
			return nil, nil, ErrInvalidFundingProfitability
		}
	}

	fundingRateLong := new(big.Int).Set(fundingRate)
	if fundingRate.Sign() < 0 {
		fundingRateLong.Set(cappedRate)
	}
	fundingRateShort := new(big.Int).Set(fundingRate)
	if fundingRate.Sign() > 0 {
		fundingRateShort.Set(cappedRate)
	}
	return fundingRateLong, fundingRateShort, nil
}

// CalculateFundingRate recomputes the market's instantaneous funding rate
// from first principles and returns it as a signed APR in 1e6 ppm. Negative
// means longs receive.
func (m *PerpMarket) CalculateFundingRate(oraclePrice int64, oracleConfidence uint64, nowTs int64) (int64, error) {
	reservePrice, err := m.Amm.ReservePrice()
	if err != nil {
		return 0, err
	}
	sanitizeClamp := m.sanitizeClampDenominator()

	oracleTwap, err := m.Amm.CalculateOracleTwap(reservePrice, nowTs, oraclePrice, oracleConfidence, sanitizeClamp)
	if err != nil {
		return 0, err
	}

	var executionPremiumPrice uint64
	var executionPremiumDirection *PositionDirection
	switch {
	case m.Amm.LongSpread > m.Amm.ShortSpread:
		executionPremiumPrice, err = m.Amm.AskPrice(reservePrice)
		executionPremiumDirection = directionPtr(PositionDirectionLong)
	case m.Amm.LongSpread < m.Amm.ShortSpread:
		executionPremiumPrice, err = m.Amm.BidPrice(reservePrice)
		executionPremiumDirection = directionPtr(PositionDirectionShort)
	default:
		executionPremiumPrice = reservePrice
	}
	if err != nil {
		return 0, err
	}

	midPriceTwap, err := m.Amm.CalculateMarkTwap(nowTs, reservePrice, executionPremiumPrice, executionPremiumDirection, sanitizeClamp)
	if err != nil {
		return 0, err
	}

	// funding period = 1 hour, window = 1 day; quickly settled funding
	// means a lower payment per interval.
	periodAdjustment := int64(24) * OneHour / max64(OneHour, m.Amm.FundingPeriod)

	midPriceTwapI, err := safemath.Cast[int64](midPriceTwap)
	if err != nil {
		return 0, err
	}
	priceSpread, err := safemath.Sub(midPriceTwapI, oracleTwap)
	if err != nil {
		return 0, err
	}

	// clamp price divergence to 3% for the funding computation
	maxPriceSpread := oracleTwap / 33
	clampedPriceSpread := max64(-maxPriceSpread, min64(priceSpread, maxPriceSpread))

	fundingRateBig := new(big.Int).Mul(big.NewInt(clampedPriceSpread), big.NewInt(FundingRateBuffer))
	fundingRateBig.Quo(fundingRateBig, big.NewInt(periodAdjustment))
	fundingRate, err := safemath.BigToInt64(fundingRateBig)
	if err != nil {
		return 0, err
	}

	fundingRateLong, fundingRateShort, err := m.calculateFundingRateLongShort(big.NewInt(fundingRate))
	if err != nil {
		return 0, err
	}

	fundingDelta := fundingRateLong
	fundingDirection := PositionDirectionLong
	if midPriceTwapI > oracleTwap {
		fundingDelta = fundingRateShort
		fundingDirection = PositionDirectionShort
	}

	// 1e6 precision
	scaled := new(big.Int).Mul(fundingDelta, big.NewInt(1000))
	if oracleTwap == 0 {
		return 0, safemath.ErrMath
	}
	scaled.Quo(scaled, big.NewInt(oracleTwap))
	scaled.Abs(scaled)

	scaled.Mul(scaled, big.NewInt(100))
	scaled.Mul(scaled, big.NewInt(24))
	scaled.Mul(scaled, big.NewInt(365))
	fundingAPR, err := safemath.BigToInt64(scaled)
	if err != nil {
		return 0, err
	}

	if fundingDirection == PositionDirectionLong {
		return -fundingAPR, nil
	}
	return fundingAPR, nil
}

func directionPtr(d PositionDirection) *PositionDirection {
	return &d
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
