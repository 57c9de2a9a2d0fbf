package relayer

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/perp-funding/backend/internal/dex"
	"github.com/coldbell/perp-funding/backend/internal/funding"
	"github.com/coldbell/perp-funding/backend/internal/state"
)

// Defaults applied when bootstrapping funding accounts that do not exist
// yet.
const (
	defaultUpdateFrequencySecs    = 120
	defaultStalenessThresholdSecs = 600
	defaultPeriodLength           = 5
	defaultDataPointsCount        = 30
)

// InitializeFundingAccountsIfNeeded creates any funding account that is
// missing or zero-length, chunked ten instructions per transaction and
// force-sent.
func (s *Service) InitializeFundingAccountsIfNeeded(
	ctx context.Context,
	fetcher state.AccountFetcher,
	commitment rpc.CommitmentType,
	metas []dex.FundingAccountMeta,
) error {
	if len(metas) == 0 {
		return nil
	}

	keys := make([]solana.PublicKey, 0, len(metas))
	for _, meta := range metas {
		keys = append(keys, meta.Address)
	}
	result, err := fetcher.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{Commitment: commitment})
	if err != nil {
		return fmt.Errorf("fetch funding accounts: %w", err)
	}
	if len(result.Value) != len(keys) {
		return fmt.Errorf("%w: expected %d funding accounts, got %d", state.ErrUnableToFetchAccount, len(keys), len(result.Value))
	}

	var uninitialized []dex.FundingAccountMeta
	for i, account := range result.Value {
		if account == nil || len(account.Data.GetBinary()) == 0 {
			uninitialized = append(uninitialized, metas[i])
		}
	}
	if len(uninitialized) == 0 {
		return nil
	}
	s.logger.Info("initializing funding accounts", "count", len(uninitialized))

	for start := 0; start < len(uninitialized); start += maxInstructionsPerTx {
		end := start + maxInstructionsPerTx
		if end > len(uninitialized) {
			end = len(uninitialized)
		}

		instructions := make([]solana.Instruction, 0, end-start)
		for _, meta := range uninitialized[start:end] {
			instructions = append(instructions, funding.NewInitializeInstruction(
				funding.InitializeAccounts{
					Authority:      s.submitter.Signer(),
					FundingAccount: meta.Address,
				},
				&funding.InitializeFundingAccount{
					ID:                     0,
					Exchange:               meta.Exchange,
					MarketIndex:            meta.MarketIndex,
					UpdateFrequencySecs:    defaultUpdateFrequencySecs,
					StalenessThresholdSecs: defaultStalenessThresholdSecs,
					PeriodLength:           defaultPeriodLength,
					DataPointsCount:        defaultDataPointsCount,
				},
			))
		}

		if _, err := s.submitter.ForceSend(ctx, instructions, nil); err != nil {
			return err
		}
	}
	return nil
}

// BuildCache seeds the market cache from the on-chain funding accounts.
// Every configured account must exist by now; an update frequency below the
// snapshot interval would size the ring to zero, so it is rejected at
// startup.
func (s *Service) BuildCache(
	ctx context.Context,
	fetcher state.AccountFetcher,
	commitment rpc.CommitmentType,
	metas []dex.FundingAccountMeta,
) error {
	if len(metas) == 0 {
		return nil
	}

	keys := make([]solana.PublicKey, 0, len(metas))
	for _, meta := range metas {
		keys = append(keys, meta.Address)
	}
	result, err := fetcher.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{Commitment: commitment})
	if err != nil {
		return fmt.Errorf("fetch funding accounts: %w", err)
	}
	if len(result.Value) != len(keys) {
		return fmt.Errorf("%w: expected %d funding accounts, got %d", state.ErrUnableToFetchAccount, len(keys), len(result.Value))
	}

	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	s.cache.markets = s.cache.markets[:0]

	for i, account := range result.Value {
		meta := metas[i]
		if account == nil {
			return fmt.Errorf("%w: funding account %s does not exist", state.ErrUnableToFetchAccount, meta.Address)
		}
		parsed, err := funding.ParseAccount(account.Data.GetBinary())
		if err != nil {
			return fmt.Errorf("decode funding account %s: %w", meta.Address, err)
		}

		if parsed.Config.UpdateFrequencySecs < uint64(SnapshotInterval/time.Second) {
			return fmt.Errorf("%w: account %s configured with %ds",
				ErrUpdateFrequencyTooLow, meta.Address, parsed.Config.UpdateFrequencySecs)
		}

		s.cache.markets = append(s.cache.markets, &marketFundingCache{
			fundingAccount:      meta.Address,
			market:              meta.Market,
			marketIndex:         meta.MarketIndex,
			exchange:            parsed.Exchange,
			updateFrequencySecs: parsed.Config.UpdateFrequencySecs,
			lastAccountUpdateAt: time.Now(),
		})
	}
	return nil
}

// MarketStatus is a read-only view of one market cache entry, served by the
// status API.
type MarketStatus struct {
	FundingAccount string `json:"funding_account"`
	Market         string `json:"market"`
	MarketIndex    uint16 `json:"market_index"`
	Exchange       string `json:"exchange"`
	Snapshots      int    `json:"snapshots"`
	Capacity       int    `json:"capacity"`
	LastPublishAt  int64  `json:"last_publish_at"`
}

func (s *Service) MarketStatuses() []MarketStatus {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()

	out := make([]MarketStatus, 0, len(s.cache.markets))
	for _, marketCache := range s.cache.markets {
		out = append(out, MarketStatus{
			FundingAccount: marketCache.fundingAccount.String(),
			Market:         marketCache.market.String(),
			MarketIndex:    marketCache.marketIndex,
			Exchange:       marketCache.exchange.String(),
			Snapshots:      len(marketCache.fundingSnapshots),
			Capacity:       marketCache.capacity(),
			LastPublishAt:  marketCache.lastAccountUpdateAt.Unix(),
		})
	}
	return out
}
