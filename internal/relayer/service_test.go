package relayer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/perp-funding/backend/internal/dex"
	"github.com/coldbell/perp-funding/backend/internal/funding"
	"github.com/coldbell/perp-funding/backend/internal/txclient"
)

type fakeSubmitter struct {
	signer solana.PublicKey

	builds     int
	chunkSizes []int

	results []*txclient.Result
	sends   int

	forceSendSizes []int
}

func (f *fakeSubmitter) Signer() solana.PublicKey { return f.signer }

func (f *fakeSubmitter) BuildSignedTransaction(_ context.Context, instructions []solana.Instruction, _ map[solana.PublicKey]solana.PublicKeySlice) (*solana.Transaction, error) {
	f.builds++
	f.chunkSizes = append(f.chunkSizes, len(instructions))
	return &solana.Transaction{}, nil
}

func (f *fakeSubmitter) SendAndConfirm(context.Context, *solana.Transaction) (*txclient.Result, error) {
	if f.sends >= len(f.results) {
		return &txclient.Result{Status: txclient.StatusSuccess}, nil
	}
	result := f.results[f.sends]
	f.sends++
	return result, nil
}

func (f *fakeSubmitter) ForceSend(_ context.Context, instructions []solana.Instruction, _ map[solana.PublicKey]solana.PublicKeySlice) (*txclient.Result, error) {
	f.forceSendSizes = append(f.forceSendSizes, len(instructions))
	return &txclient.Result{Status: txclient.StatusSuccess}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(submitter Submitter) *Service {
	return NewService(submitter, nil, nil, testLogger())
}

func fullMarketCache(i int) *marketFundingCache {
	return &marketFundingCache{
		fundingAccount:      solana.NewWallet().PublicKey(),
		market:              solana.NewWallet().PublicKey(),
		marketIndex:         uint16(i),
		exchange:            funding.ExchangeDrift,
		updateFrequencySecs: 60,
		fundingSnapshots:    []int64{int64(i) * 100, int64(i) * 200},
		lastAccountUpdateAt: time.Now().Add(-2 * time.Minute),
	}
}

func TestPublishChunking(t *testing.T) {
	submitter := &fakeSubmitter{
		signer: solana.NewWallet().PublicKey(),
		results: []*txclient.Result{
			// first chunk times out once, then lands
			{Status: txclient.StatusTimeout},
			{Status: txclient.StatusSuccess, Signature: solana.Signature{1}},
			// second chunk fails terminally
			{Status: txclient.StatusError, Signature: solana.Signature{2}, TxErr: "custom error"},
			// third chunk lands
			{Status: txclient.StatusSuccess, Signature: solana.Signature{3}},
		},
	}
	service := newTestService(submitter)

	for i := 0; i < 23; i++ {
		service.cache.markets = append(service.cache.markets, fullMarketCache(i))
	}

	require.NoError(t, service.publishOnce(context.Background()))

	// 23 due markets produce 3 transactions, each signed exactly once
	require.Equal(t, 3, submitter.builds)
	require.Equal(t, []int{10, 10, 3}, submitter.chunkSizes)
	require.Equal(t, 4, submitter.sends)

	// only the successful chunks' markets were bumped
	for i, marketCache := range service.cache.markets {
		bumped := time.Since(marketCache.lastAccountUpdateAt) < time.Minute
		if i < 10 || i >= 20 {
			require.True(t, bumped, "market %d should be bumped", i)
		} else {
			require.False(t, bumped, "market %d belongs to the failed chunk", i)
		}
	}
}

func TestPublishSkipsPartialRingsAndFreshMarkets(t *testing.T) {
	submitter := &fakeSubmitter{signer: solana.NewWallet().PublicKey()}
	service := newTestService(submitter)

	partial := fullMarketCache(0)
	partial.fundingSnapshots = partial.fundingSnapshots[:1]

	fresh := fullMarketCache(1)
	fresh.lastAccountUpdateAt = time.Now()

	due := fullMarketCache(2)

	service.cache.markets = []*marketFundingCache{partial, fresh, due}

	require.NoError(t, service.publishOnce(context.Background()))
	require.Equal(t, []int{1}, submitter.chunkSizes)
}

func TestPublishAbandonsChunkAfterRepeatedTimeouts(t *testing.T) {
	submitter := &fakeSubmitter{
		signer: solana.NewWallet().PublicKey(),
		results: []*txclient.Result{
			{Status: txclient.StatusTimeout},
			{Status: txclient.StatusTimeout},
		},
	}
	service := newTestService(submitter)
	service.cache.markets = []*marketFundingCache{fullMarketCache(0)}

	require.NoError(t, service.publishOnce(context.Background()))

	require.Equal(t, 1, submitter.builds)
	require.Equal(t, 2, submitter.sends)
	require.False(t, time.Since(service.cache.markets[0].lastAccountUpdateAt) < time.Minute)
}

func TestMarketCacheRing(t *testing.T) {
	cache := &marketFundingCache{updateFrequencySecs: 120}
	require.Equal(t, 4, cache.capacity())

	_, ok := cache.averageFundingRate()
	require.False(t, ok)

	for _, rate := range []int64{10, 20, 30, 40} {
		cache.insertFundingRate(rate)
	}
	average, ok := cache.averageFundingRate()
	require.True(t, ok)
	require.Equal(t, int64(25), average)

	// FIFO: the oldest snapshot drops first
	cache.insertFundingRate(50)
	require.Equal(t, []int64{20, 30, 40, 50}, cache.fundingSnapshots)
	average, ok = cache.averageFundingRate()
	require.True(t, ok)
	require.Equal(t, int64(35), average)
}

type fakeFetcher struct {
	requests [][]solana.PublicKey
}

func (f *fakeFetcher) GetMultipleAccountsWithOpts(_ context.Context, keys []solana.PublicKey, _ *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error) {
	f.requests = append(f.requests, keys)
	return &rpc.GetMultipleAccountsResult{Value: make([]*rpc.Account, len(keys))}, nil
}

func buildTestMetas(t *testing.T, n int) []dex.FundingAccountMeta {
	t.Helper()
	metas := make([]dex.FundingAccountMeta, 0, n)
	for i := 0; i < n; i++ {
		address, _, err := funding.PDA(0, uint16(i), funding.ExchangeDrift)
		require.NoError(t, err)
		metas = append(metas, dex.FundingAccountMeta{
			Address:     address,
			Market:      solana.NewWallet().PublicKey(),
			MarketIndex: uint16(i),
			Exchange:    funding.ExchangeDrift,
		})
	}
	return metas
}

func TestInitializeFundingAccountsChunksByTen(t *testing.T) {
	submitter := &fakeSubmitter{signer: solana.NewWallet().PublicKey()}
	service := newTestService(submitter)
	fetcher := &fakeFetcher{}

	err := service.InitializeFundingAccountsIfNeeded(
		context.Background(),
		fetcher,
		rpc.CommitmentConfirmed,
		buildTestMetas(t, 23),
	)
	require.NoError(t, err)

	// every account was missing, so all 23 initializations went out in
	// chunks of ten
	require.Equal(t, []int{10, 10, 3}, submitter.forceSendSizes)
	require.Len(t, fetcher.requests, 1)
	require.Len(t, fetcher.requests[0], 23)
}
