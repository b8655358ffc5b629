package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/GrammarBot/internal/admin"
	"github.com/digkill/GrammarBot/internal/config"
	"github.com/digkill/GrammarBot/internal/database"
	"github.com/digkill/GrammarBot/internal/grammar"
	"github.com/digkill/GrammarBot/internal/repository"
	"github.com/digkill/GrammarBot/internal/service"
	"github.com/digkill/GrammarBot/internal/storage"
	"github.com/digkill/GrammarBot/internal/telegram"
	"github.com/digkill/GrammarBot/pkg/clock"
	"github.com/digkill/GrammarBot/pkg/logger"
)

// flagsLoadTimeout bounds the start-up flag fetch; on timeout the defaults apply.
const flagsLoadTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()
	clk := clock.Real{}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	userRepo := repository.NewUserRepository(db)
	kvRepo := repository.NewKVRepository(db)
	eventRepo := repository.NewEventRepository(db)
	promoRepo := repository.NewPromoRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	productRepo := repository.NewProductRepository(db)

	// Remote flags are read once per process start.
	var flagStore *storage.FlagStore
	var flagSource service.FlagSource
	if cfg.FlagsConfigured() {
		flagStore, err = storage.NewFlagStore(storage.Config{
			Endpoint:     cfg.FlagsS3Endpoint,
			Region:       cfg.FlagsS3Region,
			AccessKey:    cfg.FlagsS3AccessKey,
			SecretKey:    cfg.FlagsS3SecretKey,
			Bucket:       cfg.FlagsS3Bucket,
			Key:          cfg.FlagsS3Key,
			UsePathStyle: cfg.FlagsS3UsePathStyle,
		})
		if err != nil {
			logr.Warn("flag store unavailable", "err", err)
		} else {
			flagSource = flagStore
		}
	}
	flags := service.NewFeatureFlagsCache(flagSource, logr)
	flagsCtx, cancelFlags := context.WithTimeout(ctx, flagsLoadTimeout)
	flags.LoadFlags(flagsCtx)
	cancelFlags()

	userService := service.NewUserService(userRepo)
	productService := service.NewProductService(cfg, productRepo)
	billingService := service.NewBillingService(cfg, paymentRepo, userRepo, productService, clk, logr)
	if err := billingService.Activate(ctx, cfg.BillingKey); err != nil {
		logr.Warn("billing disabled, every chat is treated as free", "err", err)
	}
	promoService := service.NewPromoService(promoRepo, billingService, clk, cfg.PromoPremiumDays)
	analytics := service.NewAnalyticsService(eventRepo, logr, clk)

	sessions := service.NewSessionManager(
		func(userID int64) service.KeyValueStore { return kvRepo.Scope(userID) },
		billingService,
		flags,
		grammar.NewClient(cfg, logr),
		analytics,
		service.SessionConfig{
			RetentionDays:     cfg.UsageRetentionDays,
			CorrectionTimeout: cfg.CorrectionTimeout,
			ReviewURL:         cfg.ReviewURL,
		},
		clk,
		logr,
	)
	defer sessions.Close()

	bot := telegram.NewBot(cfg, botAPI, logr, userService, sessions, flags, billingService, promoService, clk)

	deps := admin.Deps{
		Users:    userService,
		Products: productService,
		Promos:   promoService,
		Billing:  billingService,
		Stats:    eventRepo,
		Bot:      botAPI,
	}
	if flagStore != nil {
		deps.Flags = flagStore
	}
	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, deps)
	go func() {
		if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("admin server stopped", "err", err)
		}
	}()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}
	analytics.Wait()
}
