// Package drift models the slice of the Drift perpetuals program the funding
// relayer consumes: the AMM reserve state, historical TWAPs, and the
// first-principles funding-rate computation.
package drift

import (
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var ProgramID = solana.MustPublicKeyFromBase58("dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH")

var (
	ErrInvalidOracle               = errors.New("drift: invalid oracle")
	ErrInvalidMarkTwapUpdate       = errors.New("drift: invalid mark twap update detected")
	ErrInvalidFundingProfitability = errors.New("drift: invalid funding profitability")
	ErrUnexpectedAccountData       = errors.New("drift: unexpected account data")
)

const accountDiscriminatorLen = 8

type ContractTier uint8

const (
	ContractTierA ContractTier = iota
	ContractTierB
	ContractTierC
	ContractTierSpeculative
	ContractTierIsolated
)

type PositionDirection uint8

const (
	PositionDirectionLong PositionDirection = iota
	PositionDirectionShort
)

type HistoricalOracleData struct {
	LastOraclePrice       int64
	LastOracleConf        uint64
	LastOracleDelay       int64
	LastOraclePriceTwap   int64
	LastOraclePriceTwapTs int64
}

// Amm carries the reserve, spread, and TWAP state the funding computation
// reads. Reserve quantities and fee totals are 128-bit on chain.
type Amm struct {
	Oracle               solana.PublicKey
	HistoricalOracleData HistoricalOracleData

	BaseAssetReserve  bin.Uint128
	QuoteAssetReserve bin.Uint128
	PegMultiplier     bin.Uint128

	BaseAssetAmountLong            bin.Int128
	BaseAssetAmountShort           bin.Int128
	BaseAssetAmountWithAmm         bin.Int128
	BaseAssetAmountWithUnsettledLp bin.Int128

	TotalExchangeFee          bin.Uint128
	TotalFeeMinusDistribution bin.Int128

	LastBidPriceTwap    uint64
	LastAskPriceTwap    uint64
	LastMarkPriceTwap   uint64
	LastMarkPriceTwapTs int64

	FundingPeriod int64

	BaseSpread  uint32
	LongSpread  uint32
	ShortSpread uint32
}

type PerpMarket struct {
	Pubkey       solana.PublicKey
	Amm          Amm
	MarketIndex  uint16
	ContractTier ContractTier
}

// ParsePerpMarket decodes a perp market account fetched over RPC. The leading
// 8 bytes are the anchor account discriminator.
func ParsePerpMarket(data []byte) (*PerpMarket, error) {
	if len(data) < accountDiscriminatorLen {
		return nil, fmt.Errorf("%w: account too short (%d bytes)", ErrUnexpectedAccountData, len(data))
	}

	market := new(PerpMarket)
	decoder := bin.NewBorshDecoder(data[accountDiscriminatorLen:])
	if err := decoder.Decode(market); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedAccountData, err)
	}
	return market, nil
}

// MarketPDA derives the perp market address for a market index.
func MarketPDA(marketIndex uint16) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{[]byte("perp_market"), u16LE(marketIndex)},
		ProgramID,
	)
}

func u16LE(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

// sanitizeClampDenominator maps a market tier to the clamp denominator used
// when banding single TWAP updates. Nil means the default band.
func (m *PerpMarket) sanitizeClampDenominator() *int64 {
	var d int64
	switch m.ContractTier {
	case ContractTierA:
		d = 10
	case ContractTierB:
		d = 5
	case ContractTierC:
		d = 2
	default:
		return nil
	}
	return &d
}
