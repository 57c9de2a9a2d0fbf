// Package bot consumes the published funding EMAs: it mirrors the funding
// program's accounts over the websocket stream and periodically surfaces the
// largest cross-venue funding divergence. Entry and exit live elsewhere;
// this service only detects and logs.
package bot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/perp-funding/backend/internal/funding"
	"github.com/coldbell/perp-funding/backend/internal/state"
	"github.com/coldbell/perp-funding/backend/internal/wsrpc"
)

const (
	// thresholds in signed percentage with 6 implicit decimals
	openDiffThresholdPct  = int64(20 * 1_000_000)
	closeDiffThresholdPct = int64(10 * 1_000_000)

	scanInterval        = 5 * time.Minute
	resubscribeInterval = 3 * time.Second
)

type Service struct {
	ws         *wsrpc.Client
	rpc        state.AccountFetcher
	commitment rpc.CommitmentType
	logger     *slog.Logger

	driftMarketIDs []uint16
	mangoMarketIDs []uint16

	mu              sync.Mutex
	fundingAccounts map[solana.PublicKey]*funding.Account
}

func NewService(
	ws *wsrpc.Client,
	fetcher state.AccountFetcher,
	commitment rpc.CommitmentType,
	driftMarketIDs []uint16,
	mangoMarketIDs []uint16,
	logger *slog.Logger,
) *Service {
	return &Service{
		ws:              ws,
		rpc:             fetcher,
		commitment:      commitment,
		logger:          logger,
		driftMarketIDs:  driftMarketIDs,
		mangoMarketIDs:  mangoMarketIDs,
		fundingAccounts: make(map[solana.PublicKey]*funding.Account),
	}
}

// Run seeds the funding account mirror, keeps it live off the websocket
// stream, and scans for divergences every five minutes.
func (s *Service) Run(ctx context.Context) error {
	if err := s.seedFundingAccounts(ctx); err != nil {
		return err
	}

	go s.consumeFundingStream(ctx)

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		s.scanOnce()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) seedFundingAccounts(ctx context.Context) error {
	keys := make([]solana.PublicKey, 0, len(s.driftMarketIDs)+len(s.mangoMarketIDs))
	for _, id := range s.driftMarketIDs {
		address, _, err := funding.PDA(0, id, funding.ExchangeDrift)
		if err != nil {
			return fmt.Errorf("derive drift funding account %d: %w", id, err)
		}
		keys = append(keys, address)
	}
	for _, id := range s.mangoMarketIDs {
		address, _, err := funding.PDA(0, id, funding.ExchangeMango)
		if err != nil {
			return fmt.Errorf("derive mango funding account %d: %w", id, err)
		}
		keys = append(keys, address)
	}
	if len(keys) == 0 {
		return nil
	}

	result, err := s.rpc.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{Commitment: s.commitment})
	if err != nil {
		return fmt.Errorf("fetch funding accounts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, account := range result.Value {
		if account == nil {
			s.logger.Warn("funding account does not exist yet", "address", keys[i])
			continue
		}
		parsed, err := funding.ParseAccount(account.Data.GetBinary())
		if err != nil {
			s.logger.Warn("unable to decode funding account", "address", keys[i], "err", err)
			continue
		}
		s.fundingAccounts[keys[i]] = parsed
	}
	return nil
}

// consumeFundingStream keeps a program subscription alive. The websocket
// client does not re-issue subscriptions after a reconnect, so a closed
// stream triggers a fresh subscribe here.
func (s *Service) consumeFundingStream(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		subscriptionID, stream, err := s.ws.ProgramSubscribe(ctx, funding.ProgramID.String(), map[string]any{
			"encoding":   "base64",
			"commitment": string(s.commitment),
		})
		if err != nil {
			s.logger.Warn("funding program subscribe failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeInterval):
			}
			continue
		}
		s.logger.Info("subscribed to funding program accounts", "subscription", subscriptionID)

		s.drainFundingStream(ctx, stream)
	}
}

func (s *Service) drainFundingStream(ctx context.Context, stream <-chan json.RawMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-stream:
			if !ok {
				s.logger.Warn("funding account stream closed, resubscribing")
				return
			}
			if err := s.applyAccountNotification(payload); err != nil {
				s.logger.Warn("unable to apply funding account notification", "err", err)
			}
		}
	}
}

type keyedAccountNotification struct {
	Value struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data []string `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

func (s *Service) applyAccountNotification(payload json.RawMessage) error {
	var notification keyedAccountNotification
	if err := json.Unmarshal(payload, &notification); err != nil {
		return err
	}
	if len(notification.Value.Account.Data) == 0 {
		return fmt.Errorf("missing account data")
	}

	address, err := solana.PublicKeyFromBase58(notification.Value.Pubkey)
	if err != nil {
		return fmt.Errorf("invalid account pubkey: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(notification.Value.Account.Data[0])
	if err != nil {
		return fmt.Errorf("decode account data: %w", err)
	}
	parsed, err := funding.ParseAccount(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.fundingAccounts[address] = parsed
	s.mu.Unlock()
	return nil
}

// scanOnce pairs drift and mango markets positionally and logs the highest
// EMA divergence beyond the open threshold.
func (s *Service) scanOnce() {
	type opportunity struct {
		driftMarketIndex uint16
		mangoMarketIndex uint16
		diff             int64
	}
	var highest *opportunity

	s.mu.Lock()
	byMarket := make(map[string]*funding.Account, len(s.fundingAccounts))
	for _, account := range s.fundingAccounts {
		byMarket[accountKey(account.Exchange, account.MarketIndex)] = account
	}
	s.mu.Unlock()

	for i, driftID := range s.driftMarketIDs {
		if i >= len(s.mangoMarketIDs) {
			break
		}
		mangoID := s.mangoMarketIDs[i]

		driftAccount := byMarket[accountKey(funding.ExchangeDrift, driftID)]
		mangoAccount := byMarket[accountKey(funding.ExchangeMango, mangoID)]
		if driftAccount == nil || mangoAccount == nil {
			s.logger.Warn("missing funding accounts", "drift_market", driftID, "mango_market", mangoID)
			continue
		}
		if driftAccount.FundingEma == nil || mangoAccount.FundingEma == nil {
			s.logger.Warn("funding accounts stale",
				"drift_market", driftID,
				"mango_market", mangoID,
			)
			continue
		}

		diff := *driftAccount.FundingEma - *mangoAccount.FundingEma
		s.logger.Info("funding emas",
			"drift_market", driftID,
			"drift_ema", *driftAccount.FundingEma,
			"mango_market", mangoID,
			"mango_ema", *mangoAccount.FundingEma,
			"diff", diff,
		)

		if diff > openDiffThresholdPct && (highest == nil || diff > highest.diff) {
			highest = &opportunity{driftMarketIndex: driftID, mangoMarketIndex: mangoID, diff: diff}
		}
	}

	if highest == nil {
		s.logger.Info("arbitrage opportunity does not exist")
		return
	}
	s.logger.Info("funding divergence above open threshold",
		"drift_market", highest.driftMarketIndex,
		"mango_market", highest.mangoMarketIndex,
		"diff", highest.diff,
		"close_threshold", closeDiffThresholdPct,
	)
}

func accountKey(exchange funding.Exchange, marketIndex uint16) string {
	return fmt.Sprintf("%s:%d", exchange, marketIndex)
}
