// Package dex maps market symbols to venue-local market ids and assembles
// the static address book the relayer works from: market accounts, book
// sides, oracles, and the funding accounts derived for each market.
package dex

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/perp-funding/backend/internal/drift"
	"github.com/coldbell/perp-funding/backend/internal/funding"
	"github.com/coldbell/perp-funding/backend/internal/mango"
)

// ParseMarketsError reports an unknown symbol, naming the venue whose table
// missed.
type ParseMarketsError struct {
	Venue  string
	Symbol string
}

func (e *ParseMarketsError) Error() string {
	return fmt.Sprintf("unable to parse markets: %s (symbol %q)", e.Venue, e.Symbol)
}

var mangoMarketIDs = map[string]uint16{
	"BTC":  0,
	"SOL":  2,
	"ETH":  3,
	"RNDR": 4,
}

var driftMarketIDs = map[string]uint16{
	"SOL":  0,
	"BTC":  1,
	"ETH":  2,
	"RNDR": 12,
}

func ParseMangoMarketIDs(symbols []string) ([]uint16, error) {
	out := make([]uint16, 0, len(symbols))
	for _, symbol := range symbols {
		id, ok := mangoMarketIDs[symbol]
		if !ok {
			return nil, &ParseMarketsError{Venue: "mango", Symbol: symbol}
		}
		out = append(out, id)
	}
	return out, nil
}

func ParseDriftMarketIDs(symbols []string) ([]uint16, error) {
	out := make([]uint16, 0, len(symbols))
	for _, symbol := range symbols {
		id, ok := driftMarketIDs[symbol]
		if !ok {
			return nil, &ParseMarketsError{Venue: "drift", Symbol: symbol}
		}
		out = append(out, id)
	}
	return out, nil
}

// MangoMarketAddresses derives the perp market PDAs for a set of market ids.
func MangoMarketAddresses(marketIDs []uint16) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, 0, len(marketIDs))
	for _, id := range marketIDs {
		address, _, err := mango.MarketPDA(id)
		if err != nil {
			return nil, fmt.Errorf("derive mango market %d: %w", id, err)
		}
		out = append(out, address)
	}
	return out, nil
}

func DriftMarketAddresses(marketIDs []uint16) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, 0, len(marketIDs))
	for _, id := range marketIDs {
		address, _, err := drift.MarketPDA(id)
		if err != nil {
			return nil, fmt.Errorf("derive drift market %d: %w", id, err)
		}
		out = append(out, address)
	}
	return out, nil
}

// BookSideMeta ties a book-side account to its market and side.
type BookSideMeta struct {
	Market  solana.PublicKey
	Address solana.PublicKey
	Side    mango.Side
}

// FundingAccountMeta ties a derived funding account to the market it tracks.
type FundingAccountMeta struct {
	Address     solana.PublicKey
	Market      solana.PublicKey
	MarketIndex uint16
	Exchange    funding.Exchange
}

// StaticAddresses is the fixed set of accounts the relayer snapshots.
// Insertion order is the only ordering guarantee; oracles are deduplicated
// across markets.
type StaticAddresses struct {
	DriftMarkets    []solana.PublicKey
	MangoMarkets    []solana.PublicKey
	MangoBookSides  []BookSideMeta
	Oracles         []solana.PublicKey
	FundingAccounts []FundingAccountMeta
}

func NewStaticAddresses() *StaticAddresses {
	return &StaticAddresses{}
}

func (s *StaticAddresses) insertUniqueOracle(oracle solana.PublicKey) {
	for _, existing := range s.Oracles {
		if existing.Equals(oracle) {
			return
		}
	}
	s.Oracles = append(s.Oracles, oracle)
}

// SetMangoMarkets registers fetched mango markets: their book sides, oracle,
// and the funding account derived for each market index.
func (s *StaticAddresses) SetMangoMarkets(markets []MangoMarketEntry) error {
	for _, entry := range markets {
		s.MangoMarkets = append(s.MangoMarkets, entry.Address)
		s.insertUniqueOracle(entry.Market.Oracle)

		s.MangoBookSides = append(s.MangoBookSides,
			BookSideMeta{Market: entry.Address, Address: entry.Market.Asks, Side: mango.SideAsk},
			BookSideMeta{Market: entry.Address, Address: entry.Market.Bids, Side: mango.SideBid},
		)

		fundingAccount, _, err := funding.PDA(0, entry.Market.PerpMarketIndex, funding.ExchangeMango)
		if err != nil {
			return fmt.Errorf("derive funding account for mango market %d: %w", entry.Market.PerpMarketIndex, err)
		}
		s.FundingAccounts = append(s.FundingAccounts, FundingAccountMeta{
			Address:     fundingAccount,
			Market:      entry.Address,
			MarketIndex: entry.Market.PerpMarketIndex,
			Exchange:    funding.ExchangeMango,
		})
	}
	return nil
}

func (s *StaticAddresses) SetDriftMarkets(markets []DriftMarketEntry) error {
	for _, entry := range markets {
		s.DriftMarkets = append(s.DriftMarkets, entry.Address)
		s.insertUniqueOracle(entry.Market.Amm.Oracle)

		fundingAccount, _, err := funding.PDA(0, entry.Market.MarketIndex, funding.ExchangeDrift)
		if err != nil {
			return fmt.Errorf("derive funding account for drift market %d: %w", entry.Market.MarketIndex, err)
		}
		s.FundingAccounts = append(s.FundingAccounts, FundingAccountMeta{
			Address:     fundingAccount,
			Market:      entry.Address,
			MarketIndex: entry.Market.MarketIndex,
			Exchange:    funding.ExchangeDrift,
		})
	}
	return nil
}

// MangoMarketEntry and DriftMarketEntry pair a fetched market with its
// address.
type MangoMarketEntry struct {
	Address solana.PublicKey
	Market  *mango.PerpMarket
}

type DriftMarketEntry struct {
	Address solana.PublicKey
	Market  *drift.PerpMarket
}
