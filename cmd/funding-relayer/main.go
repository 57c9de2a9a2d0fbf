package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/gagliardetto/solana-go/rpc"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/perp-funding/backend/internal/apiserver"
	"github.com/coldbell/perp-funding/backend/internal/bot"
	"github.com/coldbell/perp-funding/backend/internal/config"
	"github.com/coldbell/perp-funding/backend/internal/dex"
	"github.com/coldbell/perp-funding/backend/internal/drift"
	"github.com/coldbell/perp-funding/backend/internal/funding"
	"github.com/coldbell/perp-funding/backend/internal/history"
	"github.com/coldbell/perp-funding/backend/internal/logging"
	"github.com/coldbell/perp-funding/backend/internal/mango"
	"github.com/coldbell/perp-funding/backend/internal/relayer"
	"github.com/coldbell/perp-funding/backend/internal/state"
	"github.com/coldbell/perp-funding/backend/internal/txclient"
	"github.com/coldbell/perp-funding/backend/internal/wsrpc"
)

func main() {
	root := &cobra.Command{
		Use:           "funding-relayer",
		Short:         "Cross-venue perpetual funding oracle and relayer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var outputDir string
	findCmd := &cobra.Command{
		Use:   "find-funding-accounts",
		Short: "List all funding accounts grouped by authority",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFindFundingAccounts(cmd.Context(), outputDir)
		},
	}
	findCmd.Flags().StringVar(&outputDir, "output-dir", ".", "directory the account list is written to")
	root.AddCommand(findCmd)

	root.AddCommand(&cobra.Command{
		Use:   "funding-client [markets...]",
		Short: "Run the funding snapshot and publish pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFundingClient(cmd.Context(), args)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "bot [markets...]",
		Short: "Watch published funding EMAs for cross-venue divergence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), args)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Printf("%+v\n", err)
		os.Exit(1)
	}
}

type runtime struct {
	cfg       config.RelayerConfig
	logger    *slog.Logger
	closeLogs func() error
	rpc       *rpc.Client
}

func newRuntime(serviceName string) (*runtime, error) {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadRelayerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		return nil, err
	}

	logger, closeLogs, err := logging.New(serviceName, cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		return nil, err
	}

	if err := applyProgramOverrides(cfg.Programs); err != nil {
		_ = closeLogs()
		return nil, err
	}

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		closeLogs: closeLogs,
		rpc:       rpc.New(cfg.RPCURL),
	}, nil
}

func applyProgramOverrides(overrides config.ProgramOverrides) error {
	var err error
	if funding.ProgramID, err = config.ParsePubkey(overrides.FundingProgramID, funding.ProgramID); err != nil {
		return err
	}
	if drift.ProgramID, err = config.ParsePubkey(overrides.DriftProgramID, drift.ProgramID); err != nil {
		return err
	}
	if mango.ProgramID, err = config.ParsePubkey(overrides.MangoProgramID, mango.ProgramID); err != nil {
		return err
	}
	if mango.GroupID, err = config.ParsePubkey(overrides.MangoGroupID, mango.GroupID); err != nil {
		return err
	}
	return nil
}

func (r *runtime) markets(args []string) []string {
	if len(args) > 0 {
		return args
	}
	return r.cfg.Markets
}

func runFindFundingAccounts(ctx context.Context, outputDir string) error {
	rt, err := newRuntime("find-funding-accounts")
	if err != nil {
		return err
	}
	defer func() { _ = rt.closeLogs() }()

	accounts, err := rt.rpc.GetProgramAccountsWithOpts(ctx, funding.ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: rt.cfg.Commitment,
	})
	if err != nil {
		return fmt.Errorf("getProgramAccounts for funding program: %w", err)
	}

	accountsByAuthority := make(map[string][]string)
	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		parsed, err := funding.ParseAccount(item.Account.Data.GetBinary())
		if err != nil {
			rt.logger.Warn("invalid funding account", "address", item.Pubkey, "err", err)
			continue
		}
		line := fmt.Sprintf("%s: %d %d %s (%d)",
			item.Pubkey, parsed.ID, parsed.MarketIndex, parsed.Exchange, uint8(parsed.Exchange))
		authority := parsed.Authority.String()
		accountsByAuthority[authority] = append(accountsByAuthority[authority], line)
	}

	var output strings.Builder
	output.WriteString("<account_address>: <id> <market_index> <exchange> (<exchange_discriminant>)\n")

	authorities := make([]string, 0, len(accountsByAuthority))
	for authority := range accountsByAuthority {
		authorities = append(authorities, authority)
	}
	sort.Strings(authorities)
	for _, authority := range authorities {
		output.WriteString(fmt.Sprintf("\nAuthority: %s\n", authority))
		output.WriteString("--------------------------------\n")
		for _, line := range accountsByAuthority[authority] {
			output.WriteString(line)
			output.WriteByte('\n')
		}
	}

	outputPath := filepath.Join(outputDir, "funding_accounts.txt")
	if err := os.WriteFile(outputPath, []byte(output.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outputPath, err)
	}

	rt.logger.Info("found funding accounts", "count", len(accounts), "output", outputPath)
	return nil
}

func runFundingClient(ctx context.Context, args []string) error {
	rt, err := newRuntime("funding-client")
	if err != nil {
		return err
	}
	defer func() { _ = rt.closeLogs() }()

	symbols := rt.markets(args)
	mangoIDs, err := dex.ParseMangoMarketIDs(symbols)
	if err != nil {
		return err
	}
	driftIDs, err := dex.ParseDriftMarketIDs(symbols)
	if err != nil {
		return err
	}

	mangoAddresses, err := dex.MangoMarketAddresses(mangoIDs)
	if err != nil {
		return err
	}
	driftAddresses, err := dex.DriftMarketAddresses(driftIDs)
	if err != nil {
		return err
	}

	mangoMarkets, err := state.FetchMangoMarkets(ctx, rt.rpc, rt.cfg.Commitment, mangoAddresses)
	if err != nil {
		return err
	}
	driftMarkets, err := state.FetchDriftMarkets(ctx, rt.rpc, rt.cfg.Commitment, driftAddresses)
	if err != nil {
		return err
	}

	staticAddresses := dex.NewStaticAddresses()
	if err := staticAddresses.SetMangoMarkets(mangoMarkets); err != nil {
		return err
	}
	if err := staticAddresses.SetDriftMarkets(driftMarkets); err != nil {
		return err
	}

	venueState := state.New(rt.rpc, rt.cfg.Commitment, staticAddresses)
	venueState.SetMangoMarkets(mangoMarkets)
	venueState.SetDriftMarkets(driftMarkets)

	var store relayer.HistoryRecorder
	if rt.cfg.DBDSN != "" {
		historyStore, err := history.NewStore(rt.cfg.DBDSN)
		if err != nil {
			return err
		}
		defer func() { _ = historyStore.Close() }()
		store = historyStore
		rt.logger.Info("funding update history enabled")
	}

	submitter := txclient.New(rt.rpc, rt.cfg.Signer, rt.logger)
	service := relayer.NewService(submitter, venueState, store, rt.logger)

	if err := service.InitializeFundingAccountsIfNeeded(ctx, rt.rpc, rt.cfg.Commitment, staticAddresses.FundingAccounts); err != nil {
		return err
	}
	if err := service.BuildCache(ctx, rt.rpc, rt.cfg.Commitment, staticAddresses.FundingAccounts); err != nil {
		return err
	}

	rt.logger.Info("funding client started",
		"rpc", rt.cfg.RPCURL,
		"markets", symbols,
		"authority", rt.cfg.Signer.PublicKey(),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return service.Run(groupCtx) })
	if rt.cfg.APIListenAddr != "" {
		statusAPI := apiserver.New(rt.cfg.APIListenAddr, service, rt.logger)
		group.Go(func() error { return statusAPI.Run(groupCtx) })
	}

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		rt.logger.Error("funding client exited", "err", err)
		return relayer.ErrServiceShutdownUnexpectedly
	}
	return nil
}

func runBot(ctx context.Context, args []string) error {
	rt, err := newRuntime("bot")
	if err != nil {
		return err
	}
	defer func() { _ = rt.closeLogs() }()

	symbols := rt.markets(args)
	mangoIDs, err := dex.ParseMangoMarketIDs(symbols)
	if err != nil {
		return err
	}
	driftIDs, err := dex.ParseDriftMarketIDs(symbols)
	if err != nil {
		return err
	}

	wsClient := wsrpc.NewClient(rt.cfg.WSURL, rt.logger)
	botService := bot.NewService(wsClient, rt.rpc, rt.cfg.Commitment, driftIDs, mangoIDs, rt.logger)

	rt.logger.Info("bot started", "ws", rt.cfg.WSURL, "markets", symbols)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return wsClient.Run(groupCtx) })
	group.Go(func() error { return botService.Run(groupCtx) })

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		rt.logger.Error("bot exited", "err", err)
		return relayer.ErrServiceShutdownUnexpectedly
	}
	return nil
}
