// Package state holds the relayer's in-memory snapshots of venue accounts:
// drift markets, mango markets, book sides, and oracles. Each collection is
// guarded by its own reader/writer mutex so snapshot refreshes never block
// concurrent reads, and the write lock is held only for the final bulk
// assignment, not across the RPC fetch.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/perp-funding/backend/internal/dex"
	"github.com/coldbell/perp-funding/backend/internal/drift"
	"github.com/coldbell/perp-funding/backend/internal/mango"
	"github.com/coldbell/perp-funding/backend/internal/oracle"
)

var ErrUnableToFetchAccount = errors.New("state: unable to fetch account")

// AccountFetcher is the slice of the RPC client the cache needs. *rpc.Client
// satisfies it.
type AccountFetcher interface {
	GetMultipleAccountsWithOpts(
		ctx context.Context,
		accounts []solana.PublicKey,
		opts *rpc.GetMultipleAccountsOpts,
	) (*rpc.GetMultipleAccountsResult, error)
}

type driftMarketEntry struct {
	address solana.PublicKey
	market  *drift.PerpMarket
}

type mangoMarketEntry struct {
	address solana.PublicKey
	market  *mango.PerpMarket
}

type bookSideEntry struct {
	address solana.PublicKey
	side    *mango.BookSide
}

type oracleEntry struct {
	address solana.PublicKey
	price   oracle.PriceData
}

type State struct {
	rpc        AccountFetcher
	commitment rpc.CommitmentType

	StaticAddresses *dex.StaticAddresses

	driftMu      sync.RWMutex
	driftMarkets []driftMarketEntry

	mangoMu      sync.RWMutex
	mangoMarkets []mangoMarketEntry

	bookMu    sync.RWMutex
	bookSides []bookSideEntry

	oracleMu sync.RWMutex
	oracles  []oracleEntry
}

func New(fetcher AccountFetcher, commitment rpc.CommitmentType, staticAddresses *dex.StaticAddresses) *State {
	return &State{
		rpc:             fetcher,
		commitment:      commitment,
		StaticAddresses: staticAddresses,
	}
}

func (s *State) fetchAccounts(ctx context.Context, keys []solana.PublicKey) ([]*rpc.Account, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	result, err := s.rpc.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{
		Commitment: s.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("getMultipleAccounts: %w", err)
	}
	if len(result.Value) != len(keys) {
		return nil, fmt.Errorf("%w: expected %d accounts, got %d", ErrUnableToFetchAccount, len(keys), len(result.Value))
	}
	return result.Value, nil
}

func (s *State) UpdateDriftMarkets(ctx context.Context) error {
	keys := s.StaticAddresses.DriftMarkets
	accounts, err := s.fetchAccounts(ctx, keys)
	if err != nil {
		return err
	}

	parsed := make([]driftMarketEntry, 0, len(keys))
	for i, account := range accounts {
		if account == nil {
			return fmt.Errorf("%w: drift market %s does not exist", ErrUnableToFetchAccount, keys[i])
		}
		market, err := drift.ParsePerpMarket(account.Data.GetBinary())
		if err != nil {
			return fmt.Errorf("decode drift market %s: %w", keys[i], err)
		}
		parsed = append(parsed, driftMarketEntry{address: keys[i], market: market})
	}

	s.driftMu.Lock()
	s.driftMarkets = parsed
	s.driftMu.Unlock()
	return nil
}

func (s *State) UpdateMangoMarkets(ctx context.Context) error {
	keys := s.StaticAddresses.MangoMarkets
	accounts, err := s.fetchAccounts(ctx, keys)
	if err != nil {
		return err
	}

	parsed := make([]mangoMarketEntry, 0, len(keys))
	for i, account := range accounts {
		if account == nil {
			return fmt.Errorf("%w: mango market %s does not exist", ErrUnableToFetchAccount, keys[i])
		}
		market, err := mango.ParsePerpMarket(account.Data.GetBinary())
		if err != nil {
			return fmt.Errorf("decode mango market %s: %w", keys[i], err)
		}
		parsed = append(parsed, mangoMarketEntry{address: keys[i], market: market})
	}

	s.mangoMu.Lock()
	s.mangoMarkets = parsed
	s.mangoMu.Unlock()
	return nil
}

func (s *State) UpdateBookSides(ctx context.Context) error {
	metas := s.StaticAddresses.MangoBookSides
	keys := make([]solana.PublicKey, 0, len(metas))
	for _, meta := range metas {
		keys = append(keys, meta.Address)
	}

	accounts, err := s.fetchAccounts(ctx, keys)
	if err != nil {
		return err
	}

	parsed := make([]bookSideEntry, 0, len(keys))
	for i, account := range accounts {
		if account == nil {
			return fmt.Errorf("%w: mango book side %s does not exist", ErrUnableToFetchAccount, keys[i])
		}
		side, err := mango.ParseBookSide(account.Data.GetBinary())
		if err != nil {
			return fmt.Errorf("decode mango book side %s: %w", keys[i], err)
		}
		parsed = append(parsed, bookSideEntry{address: keys[i], side: side})
	}

	s.bookMu.Lock()
	s.bookSides = parsed
	s.bookMu.Unlock()
	return nil
}

func (s *State) UpdateOracles(ctx context.Context) error {
	keys := s.StaticAddresses.Oracles
	accounts, err := s.fetchAccounts(ctx, keys)
	if err != nil {
		return err
	}

	parsed := make([]oracleEntry, 0, len(keys))
	for i, account := range accounts {
		if account == nil {
			return fmt.Errorf("%w: oracle %s does not exist", ErrUnableToFetchAccount, keys[i])
		}
		price, err := oracle.ParsePriceAccount(account.Data.GetBinary())
		if err != nil {
			// an unreadable oracle is dropped from this refresh; markets
			// referencing it skip their snapshot
			continue
		}
		parsed = append(parsed, oracleEntry{address: keys[i], price: *price})
	}

	s.oracleMu.Lock()
	s.oracles = parsed
	s.oracleMu.Unlock()
	return nil
}

// RefreshForFundingSnapshot fans out all four collection refreshes
// concurrently. Partial success is not acceptable: any failure aborts the
// refresh and surfaces a single error.
func (s *State) RefreshForFundingSnapshot(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.UpdateDriftMarkets(groupCtx) })
	group.Go(func() error { return s.UpdateMangoMarkets(groupCtx) })
	group.Go(func() error { return s.UpdateBookSides(groupCtx) })
	group.Go(func() error { return s.UpdateOracles(groupCtx) })
	return group.Wait()
}

// SetDriftMarkets seeds the drift collection from an initial fetch.
func (s *State) SetDriftMarkets(entries []dex.DriftMarketEntry) {
	parsed := make([]driftMarketEntry, 0, len(entries))
	for _, entry := range entries {
		parsed = append(parsed, driftMarketEntry{address: entry.Address, market: entry.Market})
	}
	s.driftMu.Lock()
	s.driftMarkets = parsed
	s.driftMu.Unlock()
}

// SetMangoMarkets seeds the mango collection from an initial fetch.
func (s *State) SetMangoMarkets(entries []dex.MangoMarketEntry) {
	parsed := make([]mangoMarketEntry, 0, len(entries))
	for _, entry := range entries {
		parsed = append(parsed, mangoMarketEntry{address: entry.Address, market: entry.Market})
	}
	s.mangoMu.Lock()
	s.mangoMarkets = parsed
	s.mangoMu.Unlock()
}

// GetDriftMarketAndOracle returns copies of the market snapshot and its
// oracle, or false when either is missing.
func (s *State) GetDriftMarketAndOracle(marketAddress solana.PublicKey) (*drift.PerpMarket, *oracle.PriceData, bool) {
	s.driftMu.RLock()
	var market *drift.PerpMarket
	for _, entry := range s.driftMarkets {
		if entry.address.Equals(marketAddress) {
			copied := *entry.market
			market = &copied
			break
		}
	}
	s.driftMu.RUnlock()
	if market == nil {
		return nil, nil, false
	}

	price, ok := s.getOracle(market.Amm.Oracle)
	if !ok {
		return nil, nil, false
	}
	return market, price, true
}

// GetMangoMarketWithComponents returns copies of the market, both book
// sides, and the oracle, or false when any piece is missing.
func (s *State) GetMangoMarketWithComponents(marketAddress solana.PublicKey) (*mango.PerpMarket, *mango.BookSide, *mango.BookSide, *oracle.PriceData, bool) {
	s.mangoMu.RLock()
	var market *mango.PerpMarket
	for _, entry := range s.mangoMarkets {
		if entry.address.Equals(marketAddress) {
			copied := *entry.market
			market = &copied
			break
		}
	}
	s.mangoMu.RUnlock()
	if market == nil {
		return nil, nil, nil, nil, false
	}

	price, ok := s.getOracle(market.Oracle)
	if !ok {
		return nil, nil, nil, nil, false
	}

	s.bookMu.RLock()
	var bids, asks *mango.BookSide
	for _, entry := range s.bookSides {
		if entry.address.Equals(market.Bids) {
			copied := *entry.side
			bids = &copied
		}
		if entry.address.Equals(market.Asks) {
			copied := *entry.side
			asks = &copied
		}
	}
	s.bookMu.RUnlock()

	if bids == nil || asks == nil {
		return nil, nil, nil, nil, false
	}
	return market, bids, asks, price, true
}

func (s *State) getOracle(address solana.PublicKey) (*oracle.PriceData, bool) {
	s.oracleMu.RLock()
	defer s.oracleMu.RUnlock()
	for _, entry := range s.oracles {
		if entry.address.Equals(address) {
			copied := entry.price
			return &copied, true
		}
	}
	return nil, false
}
