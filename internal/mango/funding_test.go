package mango

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldbell/perp-funding/backend/internal/fixedpoint"
)

func testPerpMarket() *PerpMarket {
	return &PerpMarket{
		PerpMarketIndex: 0,
		BaseDecimals:    6,
		BaseLotSize:     100,
		QuoteLotSize:    10,
		ImpactQuantity:  2,
		MinFunding:      fixedpoint.FromInt64(-1).LEBytes(),
		MaxFunding:      fixedpoint.FromInt64(1).LEBytes(),
	}
}

func symmetricBook(bidLots, askLots uint64) (*BookSide, *BookSide) {
	bids := newBook(OrderTreeTypeBids)
	bids.setRoot(BookSideOrderTreeFixed, bids.leaf(bidLots, 1, 10, 0, 0, -1), 1)

	asks := newBook(OrderTreeTypeAsks)
	asks.setRoot(BookSideOrderTreeFixed, asks.leaf(askLots, 1, 10, 0, 0, -1), 1)

	return bids.side, asks.side
}

func TestFundingRateBalancedBook(t *testing.T) {
	market := testPerpMarket()
	// oracle at native 10 -> 100 lots; book symmetric around it
	bids, asks := symmetricBook(98, 102)

	rate, err := market.CalculateFundingRate(bids, asks, fixedpoint.FromInt64(10), 1000)
	require.NoError(t, err)
	require.Zero(t, rate)
}

func TestFundingRatePremiumBook(t *testing.T) {
	market := testPerpMarket()
	// mid at 104 lots = native 10.4, a 4% premium over the oracle
	bids, asks := symmetricBook(102, 106)

	rate, err := market.CalculateFundingRate(bids, asks, fixedpoint.FromInt64(10), 1000)
	require.NoError(t, err)
	require.Greater(t, rate, int64(1_450_000_000))
	require.Less(t, rate, int64(1_470_000_000))
}

func TestFundingRateOneSidedBook(t *testing.T) {
	market := testPerpMarket()
	bids, asks := symmetricBook(98, 102)
	empty := newBook(OrderTreeTypeAsks).side

	// only bids: clamp to max funding = 100% -> 1e8 * 365
	rate, err := market.CalculateFundingRate(bids, empty, fixedpoint.FromInt64(10), 1000)
	require.NoError(t, err)
	require.Equal(t, int64(36_500_000_000), rate)

	// only asks: min funding
	emptyBids := newBook(OrderTreeTypeBids).side
	rate, err = market.CalculateFundingRate(emptyBids, asks, fixedpoint.FromInt64(10), 1000)
	require.NoError(t, err)
	require.Equal(t, int64(-36_500_000_000), rate)

	// neither side
	rate, err = market.CalculateFundingRate(emptyBids, empty, fixedpoint.FromInt64(10), 1000)
	require.NoError(t, err)
	require.Zero(t, rate)
}

func TestFundingRateClampedToBounds(t *testing.T) {
	market := testPerpMarket()
	market.MinFunding = smallFixed(-5, 100) // -5%
	market.MaxFunding = smallFixed(5, 100)  // +5%

	// 10% premium clamps to max funding
	bids, asks := symmetricBook(108, 112)
	rate, err := market.CalculateFundingRate(bids, asks, fixedpoint.FromInt64(10), 1000)
	require.NoError(t, err)

	maxAPR := int64(5) * 100_000_000 * 365 / 100
	require.LessOrEqual(t, rate, maxAPR)
	require.Greater(t, rate, maxAPR-100)
}

func smallFixed(num, den int64) FixedBytes {
	q, err := fixedpoint.FromInt64(num).Div(fixedpoint.FromInt64(den))
	if err != nil {
		panic(err)
	}
	return q.LEBytes()
}
