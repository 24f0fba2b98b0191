package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tg_member_bot/internal/broadcast"
	"tg_member_bot/internal/catalog"
	"tg_member_bot/internal/chat"
	"tg_member_bot/internal/config"
	"tg_member_bot/internal/domain"
	"tg_member_bot/internal/feature/admin"
	"tg_member_bot/internal/httpapi"
	"tg_member_bot/internal/ledger"
	"tg_member_bot/internal/linking"
	"tg_member_bot/internal/logging"
	"tg_member_bot/internal/mailer"
	"tg_member_bot/internal/scheduler"
	"tg_member_bot/internal/session"
	"tg_member_bot/internal/store"
	"tg_member_bot/internal/telegram"
	"tg_member_bot/internal/tokens"
)

const (
	mongoConnectTimeout    = 10 * time.Second
	mongoIndexTimeout      = 5 * time.Second
	mongoDisconnectTimeout = 5 * time.Second
	redisConnectTimeout    = 5 * time.Second
	adminBootstrapTimeout  = 5 * time.Second
	shutdownTimeout        = 10 * time.Second

	pendingListLimit = 20
)

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logging.WithContext(logging.Context{Event: "startup"}).
		WithField("mongo_db", cfg.MongoDB).
		Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		fatal(logger, "mongo connection error", err)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	err = mongoManager.EnsureIndexes(indexCtx)
	cancelIndexes()
	if err != nil {
		fatal(logger, "mongo index setup error", err)
	}

	logger.WithField("event", "mongo_indexes").Info("ensured mongo indexes")

	if cfg.AdminEmail != "" {
		registrar := admin.NewRegistrar(mongoManager.Admins(), logger)
		adminCtx, cancelAdmin := context.WithTimeout(context.Background(), adminBootstrapTimeout)
		err := registrar.EnsureAdmin(adminCtx, cfg.AdminEmail, cfg.AdminName, cfg.GroupInviteLink)
		cancelAdmin()
		if err != nil {
			fatal(logger, "admin bootstrap error", err)
		}
	}

	tokenStore, selections, redisClient := buildSessionStores(cfg, logger)

	directory := domain.NewAccountDirectory(mongoManager.Members(), mongoManager.Admins())
	payments := domain.NewPaymentRepository(mongoManager.Payments())
	stats := store.NewStatsProvider(mongoManager.Members(), mongoManager.Payments())
	linker := linking.NewService(tokenStore, directory, logger)

	tgClient, err := telegram.NewClient(cfg, logger)
	if err != nil {
		fatal(logger, "telegram client setup error", err)
	}

	paymentLedger := ledger.New(payments, directory, mailer.NewLogMailer(logger), logger,
		ledger.WithCurrency(cfg.PaymentCurrency),
		ledger.WithNotifier(tgClient),
	)
	engine := broadcast.NewEngine(directory, tgClient, tgClient, cfg.BroadcastGroupID, cfg.GroupInviteLink, logger)

	var redeemer chat.Redeemer = linker
	if cfg.ValidationAPIURL != "" {
		remote, err := httpapi.NewClient(cfg.ValidationAPIURL, cfg.TransportTimeout, logger)
		if err != nil {
			fatal(logger, "validation client setup error", err)
		}
		redeemer = remote
		logger.WithFields(logging.Fields{
			"event": "redeem_remote",
			"url":   cfg.ValidationAPIURL,
		}).Info("redeeming tokens through validation api")
	}

	dispatcher, err := chat.NewDispatcher(chat.Deps{
		Directory:     directory,
		Redeemer:      redeemer,
		Ledger:        paymentLedger,
		Broadcaster:   engine,
		Subscriptions: payments,
		Stats:         stats,
		Selections:    selections,
		Catalog:       catalog.Default(),
		Messenger:     tgClient,
		Settings: chat.Settings{
			BroadcastGroupID:    cfg.BroadcastGroupID,
			BotUsername:         cfg.BotUsername,
			TutorialURL:         cfg.TutorialURL,
			PaymentCurrency:     cfg.PaymentCurrency,
			PaymentInstructions: cfg.PaymentInstructions,
			PendingLimit:        pendingListLimit,
		},
		Logger: logger,
	})
	if err != nil {
		fatal(logger, "dispatcher setup error", err)
	}
	tgClient.Attach(dispatcher)

	hour, minute, err := config.ParseClock(cfg.ExpiryCheckAt)
	if err != nil {
		fatal(logger, "expiry schedule error", err)
	}
	expiry := scheduler.New(payments, directory, tgClient, hour, minute, cfg.Location(), logger)

	apiServer := httpapi.NewServer(cfg.HTTPPort, cfg.JWTSecret, linker, linker, mongoManager, logger)

	logger.WithField("event", "services_ready").Info("services initialized")

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.Background())

	tgDone := make(chan struct{})
	go func() {
		tgClient.Start(runCtx)
		close(tgDone)
	}()

	schedulerDone := make(chan struct{})
	go func() {
		if err := expiry.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.WithError(err).WithField("event", "expiry_stopped").Error("expiration scheduler stopped")
		}
		close(schedulerDone)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- apiServer.ListenAndServe()
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping services")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	case err := <-httpErr:
		if err != nil {
			logger.WithError(err).WithField("event", "http_stopped_early").Error("http server stopped before shutdown signal")
		}
	}

	cancelRun()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).WithField("event", "http_shutdown").Error("http server shutdown error")
	}
	for name, done := range map[string]chan struct{}{"telegram": tgDone, "scheduler": schedulerDone} {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.WithFields(logging.Fields{
				"event":     "shutdown_timeout",
				"component": name,
			}).Warn("timed out waiting for component to stop")
		}
	}
	cancelShutdown()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.WithError(err).Error("redis close error")
		}
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(closeCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelClose()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}

// buildSessionStores returns Redis-backed token and selection stores when
// REDIS_URL is set and in-memory ones otherwise. In-memory stores only work
// for a single bot process.
func buildSessionStores(cfg config.Config, logger *logrus.Entry) (tokens.Store, session.Selections, *redis.Client) {
	if cfg.RedisURL == "" {
		logger.WithField("event", "session_memory").Warn("REDIS_URL not set; using in-memory token and selection stores")
		return tokens.NewMemoryStore(), session.NewMemorySelections(session.DefaultTTL), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	client, err := store.ConnectRedis(ctx, cfg.RedisURL)
	cancel()
	if err != nil {
		fatal(logger, "redis connection error", err)
	}

	logger.WithField("event", "redis_connect").Info("connected to redis")
	return tokens.NewRedisStore(client), session.NewRedisSelections(client, session.DefaultTTL), client
}

func fatal(logger *logrus.Entry, msg string, err error) {
	logger.WithError(err).Error(msg)
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
