package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/mesa-payments/api/controllers"
	txcontrollers "github.com/angelmondragon/mesa-payments/api/controllers/transactions"
	webhookcontrollers "github.com/angelmondragon/mesa-payments/api/controllers/webhooks"
	"github.com/angelmondragon/mesa-payments/api/middleware"
	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/db"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	pkgredis "github.com/angelmondragon/mesa-payments/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *pkgredis.Client,
	transactionService txcontrollers.Service,
	ingestor webhookcontrollers.Ingestor,
	gatherer prometheus.Gatherer,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	// A nil *redis.Client must reach the middleware as a nil interface.
	var (
		redisPinger controllers.Pinger
		idemStore   pkgredis.IdempotencyStore
		rateStore   middleware.RateLimiterStore
	)
	if redisClient != nil {
		redisPinger, idemStore, rateStore = redisClient, redisClient, redisClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisPinger))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	idempotent := middleware.Idempotency(idemStore, logg)
	pollPolicy := middleware.NewRateLimitPolicy("poll", cfg.RateLimit.PollWindow, cfg.RateLimit.PollLimit).
		PerParam("transactionId")

	r.Route("/api/v1", func(r chi.Router) {
		// Provider notifications skip the idempotency cache; deduplication
		// happens on the canonical status.
		r.Post("/webhooks/{gateway}", webhookcontrollers.Receive(ingestor, logg))

		r.Route("/restaurants/{restaurantId}", func(r chi.Router) {
			r.With(idempotent).Post("/checkouts", txcontrollers.CreateCheckout(transactionService, logg))
			r.Get("/transactions", txcontrollers.ListTransactions(transactionService, logg))
		})

		r.Route("/transactions/{transactionId}", func(r chi.Router) {
			r.Get("/", txcontrollers.GetTransaction(transactionService, logg))
			r.With(idempotent).Post("/confirm", txcontrollers.ConfirmTransaction(transactionService, logg))
			r.With(middleware.RateLimit(pollPolicy, rateStore, logg)).Post("/poll", txcontrollers.PollTransaction(transactionService, logg))
			r.With(idempotent).Post("/refunds", txcontrollers.RefundTransaction(transactionService, logg))
		})
	})

	return r
}
