package dex

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/perp-funding/backend/internal/drift"
	"github.com/coldbell/perp-funding/backend/internal/funding"
	"github.com/coldbell/perp-funding/backend/internal/mango"
)

func TestSymbolTables(t *testing.T) {
	ids, err := ParseMangoMarketIDs([]string{"BTC", "SOL", "ETH", "RNDR"})
	require.NoError(t, err)
	require.Equal(t, []uint16{0, 2, 3, 4}, ids)

	ids, err = ParseDriftMarketIDs([]string{"SOL", "BTC", "ETH", "RNDR"})
	require.NoError(t, err)
	require.Equal(t, []uint16{0, 1, 2, 12}, ids)
}

func TestUnknownSymbolNamesVenue(t *testing.T) {
	_, err := ParseMangoMarketIDs([]string{"DOGE"})
	var parseErr *ParseMarketsError
	require.True(t, errors.As(err, &parseErr))
	require.Equal(t, "mango", parseErr.Venue)

	_, err = ParseDriftMarketIDs([]string{"DOGE"})
	require.True(t, errors.As(err, &parseErr))
	require.Equal(t, "drift", parseErr.Venue)
}

func TestStaticAddressesAssembly(t *testing.T) {
	oracle := solana.NewWallet().PublicKey()
	bids := solana.NewWallet().PublicKey()
	asks := solana.NewWallet().PublicKey()
	mangoMarketAddress := solana.NewWallet().PublicKey()
	driftMarketAddress := solana.NewWallet().PublicKey()

	addresses := NewStaticAddresses()

	err := addresses.SetMangoMarkets([]MangoMarketEntry{{
		Address: mangoMarketAddress,
		Market: &mango.PerpMarket{
			PerpMarketIndex: 2,
			Oracle:          oracle,
			Bids:            bids,
			Asks:            asks,
		},
	}})
	require.NoError(t, err)

	driftMarket := &drift.PerpMarket{MarketIndex: 0}
	driftMarket.Amm.Oracle = oracle
	err = addresses.SetDriftMarkets([]DriftMarketEntry{{
		Address: driftMarketAddress,
		Market:  driftMarket,
	}})
	require.NoError(t, err)

	// the shared oracle is registered once
	require.Len(t, addresses.Oracles, 1)
	require.Len(t, addresses.MangoBookSides, 2)
	require.Equal(t, mango.SideAsk, addresses.MangoBookSides[0].Side)
	require.Equal(t, mango.SideBid, addresses.MangoBookSides[1].Side)

	require.Len(t, addresses.FundingAccounts, 2)
	mangoFunding, _, err := funding.PDA(0, 2, funding.ExchangeMango)
	require.NoError(t, err)
	require.True(t, addresses.FundingAccounts[0].Address.Equals(mangoFunding))
	require.Equal(t, funding.ExchangeMango, addresses.FundingAccounts[0].Exchange)

	driftFunding, _, err := funding.PDA(0, 0, funding.ExchangeDrift)
	require.NoError(t, err)
	require.True(t, addresses.FundingAccounts[1].Address.Equals(driftFunding))
}
