package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/alejandrodnm/polyladder/config"
	"github.com/alejandrodnm/polyladder/internal/adapters/notify"
	"github.com/alejandrodnm/polyladder/internal/adapters/polymarket"
	"github.com/alejandrodnm/polyladder/internal/adapters/storage"
	"github.com/alejandrodnm/polyladder/internal/application/engine"
	"github.com/alejandrodnm/polyladder/internal/domain"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full status table (default: compact 1-line)")
	markets := flag.Int("markets", 0, "override max supervised markets")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *markets > 0 {
		cfg.Engine.MaxMarkets = *markets
	}
	setupLogger(cfg.Log)

	slog.Info("polyladder starting",
		"config", *configPath,
		"tick", cfg.TickInterval(),
		"max_markets", cfg.Engine.MaxMarkets,
		"global_cap", fmt.Sprintf("$%.2f", cfg.Capital.GlobalCapUSDC),
		"policy", cfg.Risk.Policy,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *table); err != nil && ctx.Err() == nil {
		slog.Error("engine exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("polyladder stopped cleanly")
}

func run(ctx context.Context, cfg *config.Config, table bool) error {
	clientCfg := polymarket.ClientConfig{
		CLOBBase:     cfg.API.CLOBBase,
		GammaBase:    cfg.API.GammaBase,
		DataAPIBase:  cfg.API.DataAPIBase,
		SubgraphBase: cfg.API.SubgraphBase,
	}

	authClient, err := polymarket.NewAuthClient(clientCfg, cfg.Wallet.PrivateKey)
	if err != nil {
		return fmt.Errorf("auth client: %w", err)
	}
	if err := authClient.EnsureCreds(ctx); err != nil {
		return fmt.Errorf("derive API credentials — check POLYGON_PRIVATE_KEY: %w", err)
	}
	slog.Info("authenticated with Polymarket CLOB", "address", authClient.Address())

	venue, err := polymarket.NewTradingClient(authClient, cfg.API.PolygonRPC)
	if err != nil {
		return fmt.Errorf("trading client: %w", err)
	}

	if cfg.API.PolygonRPC != "" {
		if balance, berr := venue.USDCBalance(ctx); berr != nil {
			slog.Warn("could not read on-chain balance", "err", berr)
		} else {
			slog.Info("wallet balance", "usdc", fmt.Sprintf("$%.2f", balance))
			if balance < cfg.Capital.GlobalCapUSDC {
				slog.Warn("balance below configured global cap",
					"balance", fmt.Sprintf("$%.2f", balance),
					"cap", fmt.Sprintf("$%.2f", cfg.Capital.GlobalCapUSDC))
			}
		}
	}

	journal, err := storage.NewSQLiteJournal(cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer journal.Close()

	stream := polymarket.NewUserStream(authClient, cfg.API.WSBase)
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("user stream: %w", err)
	}

	feed := polymarket.NewFeed(authClient.Client)
	notifier := notify.NewConsole(table)

	eng := engine.NewEngine(engineConfig(cfg), venue, feed, stream, journal, notifier)

	if err := activateMarkets(ctx, cfg, authClient.Client, eng); err != nil {
		return err
	}

	return eng.Run(ctx)
}

// activateMarkets discovers reward markets and activates the top ones by
// daily reward rate, up to the configured maximum.
func activateMarkets(ctx context.Context, cfg *config.Config, client *polymarket.Client, eng *engine.Engine) error {
	boundaries := domain.TierBoundaries{
		SmallMin:  cfg.Ladder.SmallTierMinTick,
		MediumMin: cfg.Ladder.MediumTierMinTick,
	}

	discoverCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	markets, err := client.FetchRewardMarkets(discoverCtx, boundaries)
	if err != nil {
		return fmt.Errorf("discover markets: %w", err)
	}

	sort.Slice(markets, func(i, j int) bool {
		return markets[i].RewardRate > markets[j].RewardRate
	})

	policy, err := domain.ParsePolicy(cfg.Risk.Policy)
	if err != nil {
		return fmt.Errorf("risk policy: %w", err)
	}
	activated := 0
	for _, m := range markets {
		if activated >= cfg.Engine.MaxMarkets {
			break
		}
		if m.RewardRate < cfg.Engine.MinRewardRate {
			break // sorted descending, nothing below qualifies either
		}
		if err := eng.Activate(ctx, m, policy); err != nil {
			slog.Warn("market activation failed",
				"market", domain.TruncateQuestion(m.Question, m.ConditionID, 40), "err", err)
			continue
		}
		activated++
	}

	if activated == 0 {
		return fmt.Errorf("no markets qualified for activation (min reward rate %.2f)", cfg.Engine.MinRewardRate)
	}
	slog.Info("markets activated", "count", activated, "candidates", len(markets))
	return nil
}

func engineConfig(cfg *config.Config) engine.EngineConfig {
	return engine.EngineConfig{
		Allocation: engine.AllocationConfig{
			GlobalCap:            cfg.Capital.GlobalCapUSDC,
			PerMarketCap:         cfg.Capital.PerMarketCapUSDC,
			DiminishOpenInterest: cfg.Capital.DiminishOpenInterest,
			DiminishScale:        cfg.Capital.DiminishScale,
		},
		Supervisor: engine.SupervisorConfig{
			TickInterval:        cfg.TickInterval(),
			SplitPrimary:        cfg.Ladder.SplitPrimary,
			MaxIncentiveSpread:  cfg.Ladder.MaxIncentiveSpread,
			VolatilityThreshold: cfg.Engine.VolatilityThreshold,
			VolatilityCooldown:  time.Duration(cfg.Engine.VolatilityCooldownMins) * time.Minute,
			InactivityThreshold: cfg.InactivityThreshold(),
			PauseOnReject:       time.Duration(cfg.Risk.PauseOnRejectMins) * time.Minute,
			Risk: engine.RiskReactorConfig{
				UnwindTimeout:          cfg.UnwindTimeout(),
				UnwindOffsetIncrements: cfg.Risk.UnwindOffsetTicks,
			},
			Crossing: engine.CrossingConfig{
				Threshold: cfg.Engine.CrossingThreshold,
				ClipSize:  cfg.Engine.CrossingClipSize,
			},
		},
		FairWindow:     time.Duration(cfg.Engine.FairWindowDays) * 24 * time.Hour,
		FairMinTrades:  cfg.Engine.FairMinTrades,
		ReportInterval: cfg.ReportInterval(),
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
