package main

import (
	"context"
	"log"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"

	"fundbot/internal/accounts"
	"fundbot/internal/broadcast"
	"fundbot/internal/config"
	"fundbot/internal/database"
	"fundbot/internal/gateway"
	"fundbot/internal/logger"
	"fundbot/internal/modbot"
	"fundbot/internal/moderation"
	"fundbot/internal/session"
	"fundbot/internal/settings"
	"fundbot/internal/status"
	"fundbot/internal/utils"
	"fundbot/internal/worker"
)

func main() {
	cfg := config.LoadConfig()

	zl, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("Could not build logger: %v", err)
	}
	defer zl.Sync()

	if cfg.ModBotToken == "" {
		zl.Fatal("MOD_BOT_TOKEN is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(cfg, zl)
	if err != nil {
		zl.Fatal("Could not connect to database", zap.Error(err))
	}
	rdb, err := database.ConnectRedis(cfg, zl)
	if err != nil {
		zl.Fatal("Could not connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	tg, err := telego.NewBot(cfg.ModBotToken)
	if err != nil {
		zl.Fatal("Could not create telegram bot", zap.Error(err))
	}
	gw, err := gateway.New(ctx, tg, cfg.AddMemberDelay, zl.Named("gateway"))
	if err != nil {
		zl.Fatal("Could not reach telegram", zap.Error(err))
	}

	store := settings.NewStore(db, map[string]string{
		settings.KeyVIPPrice: strconv.FormatInt(cfg.DefaultVIPPrice, 10),
	})
	accts := accounts.NewService(db, cfg.AdminIDs, cfg.TrialDays)
	mod := moderation.NewService(db, moderation.Limits{Free: cfg.MaxFreeChannels, VIP: cfg.MaxVIPChannels})

	checker := worker.NewChecker(mod, rdb, gw, zl.Named("worker"), cfg.ExpiryCheckEvery)
	go checker.Start(ctx)

	allowed, err := utils.ParseCIDRs(cfg.StatusAllowedIP)
	if err != nil {
		zl.Fatal("Invalid STATUS_ALLOWED_CIDRS", zap.Error(err))
	}
	router := status.SetupRouter(allowed, map[string]status.StatsFunc{
		"moderation": func(ctx context.Context) (any, error) { return mod.Stats(ctx) },
	}, zl.Named("status"))
	go func() {
		if err := status.Serve(ctx, cfg.StatusAddr, router, zl.Named("status")); err != nil {
			zl.Error("Status server stopped", zap.Error(err))
		}
	}()

	b := modbot.NewBot(modbot.Deps{
		Gateway:     gw,
		Accounts:    accts,
		Moderation:  mod,
		Settings:    store,
		Sessions:    session.NewStore(rdb, "modbot", cfg.SessionTTL),
		Broadcaster: broadcast.New(gw, cfg.BroadcastPerSec, zl.Named("broadcast")),
		VIPPrice:    cfg.DefaultVIPPrice,
		Log:         zl.Named("bot"),
	})

	zl.Info("Service started successfully")
	if err := b.Start(ctx); err != nil {
		zl.Error("Bot stopped", zap.Error(err))
	}
	<-ctx.Done()
	zl.Info("Service stopped")
}
