// Package relayer runs the funding pipeline: a snapshot task recomputing
// venue funding rates from refreshed account state, and a publish task
// averaging the snapshots into on-chain funding account updates.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/perp-funding/backend/internal/drift"
	"github.com/coldbell/perp-funding/backend/internal/funding"
	"github.com/coldbell/perp-funding/backend/internal/history"
	"github.com/coldbell/perp-funding/backend/internal/mango"
	"github.com/coldbell/perp-funding/backend/internal/oracle"
	"github.com/coldbell/perp-funding/backend/internal/txclient"
)

const (
	SnapshotInterval = 30 * time.Second
	PublishInterval  = 10 * time.Second

	// hard chunk bound: per-transaction cost and account counts derive
	// from it
	maxInstructionsPerTx = 10

	timeoutRetries = 2

	warmupDelay = 5 * time.Second
)

var (
	ErrServiceShutdownUnexpectedly = errors.New("relayer: service shutdown unexpectedly")
	ErrUpdateFrequencyTooLow       = errors.New("relayer: funding account update frequency below snapshot interval")
)

// Submitter is the transaction surface the relayer drives; implemented by
// txclient.Client.
type Submitter interface {
	Signer() solana.PublicKey
	BuildSignedTransaction(ctx context.Context, instructions []solana.Instruction, alts map[solana.PublicKey]solana.PublicKeySlice) (*solana.Transaction, error)
	SendAndConfirm(ctx context.Context, tx *solana.Transaction) (*txclient.Result, error)
	ForceSend(ctx context.Context, instructions []solana.Instruction, alts map[solana.PublicKey]solana.PublicKeySlice) (*txclient.Result, error)
}

// VenueState is the snapshot surface the relayer reads; implemented by
// state.State.
type VenueState interface {
	RefreshForFundingSnapshot(ctx context.Context) error
	GetDriftMarketAndOracle(market solana.PublicKey) (*drift.PerpMarket, *oracle.PriceData, bool)
	GetMangoMarketWithComponents(market solana.PublicKey) (*mango.PerpMarket, *mango.BookSide, *mango.BookSide, *oracle.PriceData, bool)
}

// HistoryRecorder persists successfully published updates. Optional.
type HistoryRecorder interface {
	RecordFundingUpdates(ctx context.Context, updates []history.FundingUpdate) error
}

type Service struct {
	submitter Submitter
	state     VenueState
	store     HistoryRecorder
	logger    *slog.Logger

	// guarded by the market cache passed between the two tasks
	cache *sharedCache
}

func NewService(submitter Submitter, venueState VenueState, store HistoryRecorder, logger *slog.Logger) *Service {
	return &Service{
		submitter: submitter,
		state:     venueState,
		store:     store,
		logger:    logger,
		cache:     newSharedCache(),
	}
}

// Run warms up briefly so the state cache sees at least one refresh, then
// drives the snapshot and publish tasks until either returns.
func (s *Service) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(warmupDelay):
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.snapshotLoop(groupCtx) })
	group.Go(func() error { return s.publishLoop(groupCtx) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrServiceShutdownUnexpectedly, err)
	}
	return ctx.Err()
}

func (s *Service) snapshotLoop(ctx context.Context) error {
	for {
		if err := s.snapshotOnce(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(SnapshotInterval):
		}
	}
}

// snapshotOnce refreshes venue state and recomputes one funding-rate sample
// per market. Compute failures are logged and skipped; the refresh itself
// failing aborts the pass so the next cycle retries.
func (s *Service) snapshotOnce(ctx context.Context) error {
	s.logger.Info("taking funding snapshot")

	if err := s.state.RefreshForFundingSnapshot(ctx); err != nil {
		s.logger.Error("venue state refresh failed", "err", err)
		return nil
	}

	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()

	for _, marketCache := range s.cache.markets {
		switch marketCache.exchange {
		case funding.ExchangeDrift:
			s.snapshotDriftMarket(marketCache)
		case funding.ExchangeMango:
			s.snapshotMangoMarket(marketCache)
		}
	}
	return nil
}

func (s *Service) snapshotDriftMarket(marketCache *marketFundingCache) {
	market, price, ok := s.state.GetDriftMarketAndOracle(marketCache.market)
	if !ok {
		s.logger.Warn("drift market snapshot unavailable", "market", marketCache.market)
		return
	}

	driftPrice, err := price.DriftPrice()
	if err != nil {
		s.logger.Warn("invalid oracle price data for drift market",
			"market_index", market.MarketIndex,
			"oracle", market.Amm.Oracle,
			"err", err,
		)
		return
	}

	rate, err := market.CalculateFundingRate(driftPrice, price.Confidence, 0)
	if err != nil {
		s.logger.Warn("unable to calculate drift funding rate",
			"market_index", market.MarketIndex,
			"oracle", market.Amm.Oracle,
			"err", err,
		)
		return
	}
	marketCache.insertFundingRate(rate)
}

func (s *Service) snapshotMangoMarket(marketCache *marketFundingCache) {
	market, bids, asks, price, ok := s.state.GetMangoMarketWithComponents(marketCache.market)
	if !ok {
		s.logger.Warn("mango market snapshot unavailable", "market", marketCache.market)
		return
	}

	mangoPrice := price.MangoPrice(market.BaseDecimals)
	nowTs := uint64(time.Now().Unix())

	rate, err := market.CalculateFundingRate(bids, asks, mangoPrice, nowTs)
	if err != nil {
		s.logger.Warn("unable to calculate mango funding rate",
			"market_index", market.PerpMarketIndex,
			"oracle", market.Oracle,
			"err", err,
		)
		return
	}
	marketCache.insertFundingRate(rate)
}

func (s *Service) publishLoop(ctx context.Context) error {
	for {
		if err := s.publishOnce(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(PublishInterval):
		}
	}
}

type pendingUpdate struct {
	market      solana.PublicKey
	marketIndex uint16
	exchange    funding.Exchange
	rate        int64
	instruction solana.Instruction
}

// publishOnce collects due markets, chunks their update instructions, and
// submits each chunk. The cache lock is never held across a confirmation
// wait.
func (s *Service) publishOnce(ctx context.Context) error {
	s.cache.mu.Lock()
	pending := make([]pendingUpdate, 0, len(s.cache.markets))
	for _, marketCache := range s.cache.markets {
		if time.Since(marketCache.lastAccountUpdateAt) < time.Duration(marketCache.updateFrequencySecs)*time.Second {
			continue
		}
		rate, ok := marketCache.averageFundingRate()
		if !ok {
			continue
		}

		s.logger.Info("funding account due for update",
			"exchange", marketCache.exchange.String(),
			"market_index", marketCache.marketIndex,
			"funding_rate", rate,
		)
		pending = append(pending, pendingUpdate{
			market:      marketCache.market,
			marketIndex: marketCache.marketIndex,
			exchange:    marketCache.exchange,
			rate:        rate,
			instruction: funding.NewUpdateInstruction(funding.UpdateAccounts{
				Authority:      s.submitter.Signer(),
				FundingAccount: marketCache.fundingAccount,
			}, rate),
		})
	}
	s.cache.mu.Unlock()

	for start := 0; start < len(pending); start += maxInstructionsPerTx {
		end := start + maxInstructionsPerTx
		if end > len(pending) {
			end = len(pending)
		}
		if err := s.publishChunk(ctx, pending[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) publishChunk(ctx context.Context, chunk []pendingUpdate) error {
	instructions := make([]solana.Instruction, 0, len(chunk))
	for _, update := range chunk {
		instructions = append(instructions, update.instruction)
	}

	// signed once; timeouts resend the same transaction
	tx, err := s.submitter.BuildSignedTransaction(ctx, instructions, nil)
	if err != nil {
		s.logger.Error("unable to build funding update transaction", "err", err)
		return nil
	}

	retries := 0
	for {
		if retries == timeoutRetries {
			s.logger.Warn("unable to update funding accounts chunk", "instructions", len(chunk))
			return nil
		}

		result, err := s.submitter.SendAndConfirm(ctx, tx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Error("funding update submission failed", "err", err)
			return nil
		}

		switch result.Status {
		case txclient.StatusTimeout:
			retries++
			continue
		case txclient.StatusError:
			s.logger.Error("funding accounts update error",
				"signature", result.Signature,
				"err", result.TxErr,
			)
			return nil
		case txclient.StatusSuccess:
			s.markPublished(ctx, chunk, result.Signature)
			s.logger.Info("successfully updated funding accounts", "signature", result.Signature)
			return nil
		}
	}
}

// markPublished bumps the publish timestamp of exactly the chunk's markets
// and records the updates when a history store is attached.
func (s *Service) markPublished(ctx context.Context, chunk []pendingUpdate, signature solana.Signature) {
	now := time.Now()

	s.cache.mu.Lock()
	for _, update := range chunk {
		for _, marketCache := range s.cache.markets {
			if marketCache.market.Equals(update.market) {
				marketCache.lastAccountUpdateAt = now
				break
			}
		}
	}
	s.cache.mu.Unlock()

	if s.store == nil {
		return
	}
	updates := make([]history.FundingUpdate, 0, len(chunk))
	for _, update := range chunk {
		updates = append(updates, history.FundingUpdate{
			Exchange:    update.exchange.String(),
			MarketIndex: update.marketIndex,
			FundingRate: update.rate,
			Signature:   signature.String(),
			PublishedAt: now.Unix(),
		})
	}
	if err := s.store.RecordFundingUpdates(ctx, updates); err != nil {
		s.logger.Warn("unable to record funding updates", "err", err)
	}
}
