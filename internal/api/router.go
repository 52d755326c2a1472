package api

import (
	"net/http"

	"github.com/TambongStercy/SBC-MS-sub009/internal/api/handler"
	"github.com/TambongStercy/SBC-MS-sub009/internal/api/middleware"
	"github.com/TambongStercy/SBC-MS-sub009/internal/api/spec"
	"github.com/TambongStercy/SBC-MS-sub009/internal/config"
	"github.com/TambongStercy/SBC-MS-sub009/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Router wires handlers, middleware and services into the HTTP surface.
type Router struct {
	cfg           *config.Config
	logger        *zap.Logger
	db            *pgxpool.Pool
	redis         redis.Cmdable
	withdrawalSvc *service.WithdrawalService
	webhookSvc    *service.WebhookService
}

func NewRouter(
	cfg *config.Config,
	logger *zap.Logger,
	db *pgxpool.Pool,
	redisClient redis.Cmdable,
	withdrawalSvc *service.WithdrawalService,
	webhookSvc *service.WebhookService,
) *Router {
	return &Router{
		cfg:           cfg,
		logger:        logger,
		db:            db,
		redis:         redisClient,
		withdrawalSvc: withdrawalSvc,
		webhookSvc:    webhookSvc,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))

	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	withdrawalHandler := handler.NewWithdrawalHandler(api.withdrawalSvc)
	webhookHandler := handler.NewWebhookHandler(api.webhookSvc)

	// Operational endpoints.
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())

	// Provider callbacks authenticate by payload content, not by JWT.
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Post("/v1/webhooks/{provider}", webhookHandler.HandleProviderWebhook)
	})

	// User routes.
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Post("/v1/withdrawals", withdrawalHandler.CreateWithdrawal)
		r.Post("/v1/withdrawals/{id}/confirm", withdrawalHandler.ConfirmOTP)
		r.Get("/v1/withdrawals/{id}", withdrawalHandler.GetWithdrawal)
	})

	// Admin approval gateway.
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.RequireRole("admin"))
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Get("/v1/admin/withdrawals", withdrawalHandler.ListPending)
		r.Get("/v1/admin/withdrawals/stats", withdrawalHandler.Stats)
		r.Get("/v1/admin/withdrawals/{id}", withdrawalHandler.GetWithdrawal)
		r.Post("/v1/admin/withdrawals/bulk-approve", withdrawalHandler.BulkApprove)
		r.Post("/v1/admin/withdrawals/{id}/approve", withdrawalHandler.Approve)
		r.Post("/v1/admin/withdrawals/{id}/reject", withdrawalHandler.Reject)
		r.Get("/v1/admin/withdrawals/{id}/audit", withdrawalHandler.AuditTrail)
	})

	return r
}
