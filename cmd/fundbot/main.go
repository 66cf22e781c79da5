package main

import (
	"context"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"

	"fundbot/internal/accounts"
	"fundbot/internal/bot"
	"fundbot/internal/broadcast"
	"fundbot/internal/config"
	"fundbot/internal/database"
	"fundbot/internal/funding"
	"fundbot/internal/gatekeeper"
	"fundbot/internal/gateway"
	"fundbot/internal/ledger"
	"fundbot/internal/logger"
	"fundbot/internal/pool"
	"fundbot/internal/referral"
	"fundbot/internal/session"
	"fundbot/internal/settings"
	"fundbot/internal/status"
	"fundbot/internal/utils"
)

func main() {
	// Load Configuration
	cfg := config.LoadConfig()

	zl, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("Could not build logger: %v", err)
	}
	defer zl.Sync()

	if cfg.FundBotToken == "" {
		zl.Fatal("FUND_BOT_TOKEN is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Database
	db, err := database.ConnectPostgres(cfg, zl)
	if err != nil {
		zl.Fatal("Could not connect to database", zap.Error(err))
	}

	// Connect to Redis
	rdb, err := database.ConnectRedis(cfg, zl)
	if err != nil {
		zl.Fatal("Could not connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	tg, err := telego.NewBot(cfg.FundBotToken)
	if err != nil {
		zl.Fatal("Could not create telegram bot", zap.Error(err))
	}
	gw, err := gateway.New(ctx, tg, cfg.AddMemberDelay, zl.Named("gateway"))
	if err != nil {
		zl.Fatal("Could not reach telegram", zap.Error(err))
	}

	store := settings.NewStore(db, map[string]string{
		settings.KeyMemberPrice:    strconv.FormatInt(cfg.DefaultMemberPrice, 10),
		settings.KeyReferralReward: strconv.FormatInt(cfg.DefaultReferralReward, 10),
		settings.KeyFundingEnabled: "true",
	})
	accts := accounts.NewService(db, cfg.AdminIDs, cfg.TrialDays)
	ldg := ledger.New(db)
	numbers := pool.New(db)
	refs := referral.NewRegistry(db, ldg, store, cfg.DefaultReferralReward)
	gate := gatekeeper.New(db, gw, accts.IsAdmin, zl.Named("gatekeeper"))

	orch := funding.New(funding.Deps{
		DB:       db,
		Ledger:   ldg,
		Pool:     numbers,
		Accounts: accts,
		Settings: store,
		Resolver: gw,
		Adder:    gw,
		Notifier: gw,
		Log:      zl.Named("funding"),
	}, funding.Options{
		Workers:            cfg.FundingWorkers,
		DefaultMemberPrice: cfg.DefaultMemberPrice,
		Pace:               funding.RandomPace(cfg.PaceMin, cfg.PaceMax),
	})
	resumed, err := orch.Resume(ctx)
	if err != nil {
		zl.Error("Could not resume funding requests", zap.Error(err))
	}
	zl.Info("Funding requests resumed", zap.Int("count", resumed))

	b, err := bot.NewBot(ctx, bot.Deps{
		Gateway:     gw,
		Accounts:    accts,
		Ledger:      ldg,
		Referral:    refs,
		Funding:     orch,
		Gatekeeper:  gate,
		Pool:        numbers,
		Settings:    store,
		Sessions:    session.NewStore(rdb, "fundbot", cfg.SessionTTL),
		Broadcaster: broadcast.New(gw, cfg.BroadcastPerSec, zl.Named("broadcast")),
		Log:         zl.Named("bot"),
	})
	if err != nil {
		zl.Fatal("Could not start bot", zap.Error(err))
	}

	allowed, err := utils.ParseCIDRs(cfg.StatusAllowedIP)
	if err != nil {
		zl.Fatal("Invalid STATUS_ALLOWED_CIDRS", zap.Error(err))
	}
	router := status.SetupRouter(allowed, map[string]status.StatsFunc{
		"accounts": func(ctx context.Context) (any, error) { return accts.Stats(ctx) },
		"pool":     func(ctx context.Context) (any, error) { return numbers.Stats(ctx) },
		"funding":  func(ctx context.Context) (any, error) { return orch.Stats(ctx) },
	}, zl.Named("status"))
	go func() {
		if err := status.Serve(ctx, cfg.StatusAddr, router, zl.Named("status")); err != nil {
			zl.Error("Status server stopped", zap.Error(err))
		}
	}()

	zl.Info("Service started successfully")
	if err := b.Start(ctx); err != nil {
		zl.Error("Bot stopped", zap.Error(err))
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Funding loops did not stop in time", zap.Error(err))
	}
	zl.Info("Service stopped")
}
