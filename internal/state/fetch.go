package state

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/perp-funding/backend/internal/dex"
	"github.com/coldbell/perp-funding/backend/internal/drift"
	"github.com/coldbell/perp-funding/backend/internal/mango"
)

// FetchDriftMarkets loads and decodes the given drift perp market accounts.
// Every address must exist.
func FetchDriftMarkets(
	ctx context.Context,
	fetcher AccountFetcher,
	commitment rpc.CommitmentType,
	addresses []solana.PublicKey,
) ([]dex.DriftMarketEntry, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	result, err := fetcher.GetMultipleAccountsWithOpts(ctx, addresses, &rpc.GetMultipleAccountsOpts{Commitment: commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch drift markets: %w", err)
	}

	out := make([]dex.DriftMarketEntry, 0, len(addresses))
	for i, account := range result.Value {
		if account == nil {
			return nil, fmt.Errorf("%w: drift market %s does not exist", ErrUnableToFetchAccount, addresses[i])
		}
		market, err := drift.ParsePerpMarket(account.Data.GetBinary())
		if err != nil {
			return nil, fmt.Errorf("decode drift market %s: %w", addresses[i], err)
		}
		out = append(out, dex.DriftMarketEntry{Address: addresses[i], Market: market})
	}
	return out, nil
}

// FetchMangoMarkets loads and decodes the given mango perp market accounts.
// Every address must exist.
func FetchMangoMarkets(
	ctx context.Context,
	fetcher AccountFetcher,
	commitment rpc.CommitmentType,
	addresses []solana.PublicKey,
) ([]dex.MangoMarketEntry, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	result, err := fetcher.GetMultipleAccountsWithOpts(ctx, addresses, &rpc.GetMultipleAccountsOpts{Commitment: commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch mango markets: %w", err)
	}

	out := make([]dex.MangoMarketEntry, 0, len(addresses))
	for i, account := range result.Value {
		if account == nil {
			return nil, fmt.Errorf("%w: mango market %s does not exist", ErrUnableToFetchAccount, addresses[i])
		}
		market, err := mango.ParsePerpMarket(account.Data.GetBinary())
		if err != nil {
			return nil, fmt.Errorf("decode mango market %s: %w", addresses[i], err)
		}
		out = append(out, dex.MangoMarketEntry{Address: addresses[i], Market: market})
	}
	return out, nil
}
