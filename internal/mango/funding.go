package mango

import (
	"errors"

	"github.com/coldbell/perp-funding/backend/internal/fixedpoint"
)

var ErrInvalidPrice = errors.New("mango: price conversion failed")

// NativePriceToLot converts a native quote price into price lots:
// native * base_lot_size / quote_lot_size.
func (m *PerpMarket) NativePriceToLot(price fixedpoint.I80F48) (int64, error) {
	scaled, err := price.MulInt64(m.BaseLotSize)
	if err != nil {
		return 0, err
	}
	lots, err := scaled.Div(fixedpoint.FromInt64(m.QuoteLotSize))
	if err != nil {
		return 0, err
	}
	return lots.Int64()
}

// LotToNative converts price lots back to a native quote price:
// lots * quote_lot_size / base_lot_size.
func (m *PerpMarket) LotToNative(priceLots int64) (fixedpoint.I80F48, error) {
	scaled, err := fixedpoint.FromInt64(priceLots).MulInt64(m.QuoteLotSize)
	if err != nil {
		return fixedpoint.I80F48{}, err
	}
	return scaled.Div(fixedpoint.FromInt64(m.BaseLotSize))
}

// LotToUIPrice rescales price lots into a UI price using the market's base
// decimals against the quote's fixed six.
func (m *PerpMarket) LotToUIPrice(priceLots int64) (fixedpoint.I80F48, error) {
	expo := int8(m.BaseDecimals) - QuoteDecimals
	scaled, err := fixedpoint.FromInt64(priceLots).Mul(fixedpoint.PowerOfTen(expo))
	if err != nil {
		return fixedpoint.I80F48{}, err
	}
	scaled, err = scaled.MulInt64(m.QuoteLotSize)
	if err != nil {
		return fixedpoint.I80F48{}, err
	}
	return scaled.Div(fixedpoint.FromInt64(m.BaseLotSize))
}

// CalculateFundingRate probes both book sides at the market's impact
// quantity and derives the instantaneous funding rate from the clamped
// mid-vs-oracle divergence, returned as a signed APR in 1e6 ppm.
func (m *PerpMarket) CalculateFundingRate(
	bids *BookSide,
	asks *BookSide,
	oraclePrice fixedpoint.I80F48,
	nowTs uint64,
) (int64, error) {
	oraclePriceLots, err := m.NativePriceToLot(oraclePrice)
	if err != nil {
		return 0, ErrInvalidPrice
	}

	bid, bidOk := bids.ImpactPrice(m.ImpactQuantity, nowTs, oraclePriceLots)
	ask, askOk := asks.ImpactPrice(m.ImpactQuantity, nowTs, oraclePriceLots)

	minFunding := m.MinFunding.Fixed()
	maxFunding := m.MaxFunding.Fixed()

	var fundingRate fixedpoint.I80F48
	switch {
	case bidOk && askOk:
		// mid-market rate
		midPrice := (bid + ask) / 2
		bookPrice, err := m.LotToNative(midPrice)
		if err != nil {
			return 0, ErrInvalidPrice
		}
		ratio, err := bookPrice.Div(oraclePrice)
		if err != nil {
			return 0, ErrInvalidPrice
		}
		diff, err := ratio.Sub(fixedpoint.One())
		if err != nil {
			return 0, ErrInvalidPrice
		}
		fundingRate = diff.Clamp(minFunding, maxFunding)
	case bidOk:
		fundingRate = maxFunding
	case askOk:
		fundingRate = minFunding
	default:
		fundingRate = fixedpoint.Zero()
	}

	// 1e6 precision
	scaled, err := fundingRate.MulInt64(100_000_000)
	if err != nil {
		return 0, err
	}
	scaled, err = scaled.MulInt64(365)
	if err != nil {
		return 0, err
	}
	return scaled.Int64()
}
