// Package oracle decodes pyth price accounts into venue-agnostic snapshots
// and projects them into each venue's native price precision.
package oracle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/coldbell/perp-funding/backend/internal/fixedpoint"
	"github.com/coldbell/perp-funding/backend/internal/mango"
	"github.com/coldbell/perp-funding/backend/internal/safemath"
)

var (
	ErrInvalidPriceData    = errors.New("oracle: invalid price data")
	ErrInvalidPriceAccount = errors.New("oracle: invalid price account")
)

const (
	pythMagic   = 0xa1b2c3d4
	pythVersion = 2

	offsetMagic     = 0
	offsetVersion   = 4
	offsetExpo      = 20
	offsetLastSlot  = 32
	offsetAggPrice  = 208
	offsetAggConf   = 216
	offsetAggStatus = 224

	aggStatusTrading = 1

	minAccountLen = 240

	driftPricePrecision = 1_000_000
)

// PriceData is a point-in-time oracle snapshot.
type PriceData struct {
	Expo          int32
	Price         int64
	Confidence    uint64
	UpdatedAtSlot uint64
	UpdatedAt     time.Time
}

// ParsePriceAccount decodes a pyth price account's aggregate price.
func ParsePriceAccount(data []byte) (*PriceData, error) {
	if len(data) < minAccountLen {
		return nil, fmt.Errorf("%w: account too short (%d bytes)", ErrInvalidPriceAccount, len(data))
	}
	if binary.LittleEndian.Uint32(data[offsetMagic:]) != pythMagic {
		return nil, fmt.Errorf("%w: magic mismatch", ErrInvalidPriceAccount)
	}
	if binary.LittleEndian.Uint32(data[offsetVersion:]) != pythVersion {
		return nil, fmt.Errorf("%w: unsupported version", ErrInvalidPriceAccount)
	}
	if binary.LittleEndian.Uint32(data[offsetAggStatus:]) != aggStatusTrading {
		return nil, fmt.Errorf("%w: aggregate price not trading", ErrInvalidPriceAccount)
	}

	return &PriceData{
		Expo:          int32(binary.LittleEndian.Uint32(data[offsetExpo:])),
		Price:         int64(binary.LittleEndian.Uint64(data[offsetAggPrice:])),
		Confidence:    binary.LittleEndian.Uint64(data[offsetAggConf:]),
		UpdatedAtSlot: binary.LittleEndian.Uint64(data[offsetLastSlot:]),
		UpdatedAt:     time.Now(),
	}, nil
}

// DriftPrice rescales the raw print to drift's fixed 6-decimal precision.
func (p *PriceData) DriftPrice() (int64, error) {
	expo := p.Expo
	if expo < -38 || expo > 38 {
		return 0, ErrInvalidPriceData
	}

	oraclePrecision := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(absInt32(expo))), nil)
	precision := big.NewInt(driftPricePrecision)

	scaled := big.NewInt(p.Price)
	if oraclePrecision.Cmp(precision) > 0 {
		scaleDiv := new(big.Int).Quo(oraclePrecision, precision)
		if scaleDiv.Sign() == 0 {
			return 0, ErrInvalidPriceData
		}
		scaled.Quo(scaled, scaleDiv)
	} else {
		scaleMul := new(big.Int).Quo(precision, oraclePrecision)
		scaled.Mul(scaled, scaleMul)
	}

	price, err := safemath.BigToInt64(scaled)
	if err != nil {
		return 0, ErrInvalidPriceData
	}
	return price, nil
}

// MangoPrice projects the raw print into mango's 128-bit fixed point,
// accounting for the quote's six decimals against the market's base
// decimals.
func (p *PriceData) MangoPrice(baseDecimals uint8) fixedpoint.I80F48 {
	decimals := int8(p.Expo) + mango.QuoteDecimals - int8(baseDecimals)
	adj := fixedpoint.PowerOfTen(decimals)

	scaled, err := fixedpoint.FromInt64(p.Price).Mul(adj)
	if err != nil {
		return fixedpoint.Zero()
	}
	return scaled
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
