package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/api"
	"github.com/TambongStercy/SBC-MS-sub009/internal/api/middleware"
	"github.com/TambongStercy/SBC-MS-sub009/internal/config"
	"github.com/TambongStercy/SBC-MS-sub009/internal/db"
	"github.com/TambongStercy/SBC-MS-sub009/internal/dedup"
	"github.com/TambongStercy/SBC-MS-sub009/internal/models"
	"github.com/TambongStercy/SBC-MS-sub009/internal/observability"
	"github.com/TambongStercy/SBC-MS-sub009/internal/otp"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider/cinetpay"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider/feexpay"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider/nowpayments"
	"github.com/TambongStercy/SBC-MS-sub009/internal/repository"
	"github.com/TambongStercy/SBC-MS-sub009/internal/service"
	"github.com/TambongStercy/SBC-MS-sub009/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run bootstraps the HTTP server and reconciliation worker, blocking until
// shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	store := service.NewSQLStore(repository.NewStore(pool))
	registry := newProviderRegistry(cfg)
	notifier := &logNotifier{}

	otpStore := otp.NewStore(redisClient)
	dedupStore := dedup.NewStore(redisClient, cfg.WebhookDedupTTL)

	applier := service.NewStatusApplier(store, notifier)
	withdrawalSvc := service.NewWithdrawalService(store, registry, applier, otpStore, notifier, cfg.OTPTTL)
	webhookSvc := service.NewWebhookService(store, registry, applier, dedupStore)
	reconciliationSvc := service.NewReconciliationService(store, registry, applier, service.ReconciliationConfig{
		OTPStaleAfter:       cfg.OTPStaleAfter,
		ApprovalExpireAfter: cfg.ApprovalExpireAfter,
		BatchSize:           cfg.ReconcileBatchSize,
		CallDelay:           cfg.ReconcileCallDelay,
	})

	reconciliationWorker := worker.NewReconciliationWorker(reconciliationSvc).WithInterval(cfg.ReconcileInterval)
	stopWorker := reconciliationWorker.Run(ctx)
	logger.Info("reconciliation worker started",
		zap.Duration("interval", cfg.ReconcileInterval),
		zap.Int("batch", cfg.ReconcileBatchSize),
	)

	router := api.NewRouter(cfg, logger, pool, redisClient, withdrawalSvc, webhookSvc)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping reconciliation worker")
	stopWorker()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func newProviderRegistry(cfg *config.Config) *provider.Registry {
	return provider.NewRegistry(
		cinetpay.New(cinetpay.Config{
			BaseURL:   cfg.CinetPayBaseURL,
			APIKey:    cfg.CinetPayAPIKey,
			Password:  cfg.CinetPayPassword,
			NotifyURL: cfg.CinetPayNotifyURL,
		}),
		feexpay.New(feexpay.Config{
			BaseURL: cfg.FeexPayBaseURL,
			APIKey:  cfg.FeexPayAPIKey,
			ShopID:  cfg.FeexPayShopID,
		}),
		nowpayments.New(nowpayments.Config{
			BaseURL:  cfg.NowPaymentsBaseURL,
			APIKey:   cfg.NowPaymentsAPIKey,
			Email:    cfg.NowPaymentsEmail,
			Password: cfg.NowPaymentsPassword,
		}),
	)
}

// logNotifier stands in for the notification microservice. Delivery is a
// separate system; the engine only emits the events.
type logNotifier struct{}

func (logNotifier) NotifyWithdrawalOTP(ctx context.Context, t *models.Transaction, code string) {
	zap.L().Info("withdrawal verification code issued",
		zap.String("transaction_id", t.ID.String()),
		zap.String("user_id", t.UserID.String()),
	)
}

func (logNotifier) NotifyWithdrawalCompleted(ctx context.Context, t *models.Transaction) {
	zap.L().Info("withdrawal completed notification",
		zap.String("transaction_id", t.ID.String()),
		zap.String("user_id", t.UserID.String()),
		zap.Int64("amount_micros", t.AmountMicros),
		zap.String("currency", t.Currency),
	)
}

func (logNotifier) NotifyWithdrawalFailed(ctx context.Context, t *models.Transaction, reason string) {
	zap.L().Info("withdrawal failed notification",
		zap.String("transaction_id", t.ID.String()),
		zap.String("user_id", t.UserID.String()),
		zap.String("reason", reason),
	)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
