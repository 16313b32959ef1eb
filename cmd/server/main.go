package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/adforge/backend/internal/audit"
	"github.com/adforge/backend/internal/config"
	"github.com/adforge/backend/internal/database"
	"github.com/adforge/backend/internal/handlers"
	"github.com/adforge/backend/internal/ledger"
	mW "github.com/adforge/backend/internal/middleware"
	"github.com/adforge/backend/internal/services"
)

func main() {
	configFile := flag.String("config", ".env", "path to the .env config file")
	flag.Parse()

	config.Init(*configFile)
	viper.SetDefault("server.port", "8080")

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	genCfg := config.LoadGenerationConfig()
	pricingCfg := config.LoadPricingConfig()
	paymentsCfg := config.LoadPaymentsConfig()
	storageCfg := config.LoadStorageConfig()

	jwtSecret := viper.GetString("jwt.secret_key")
	if jwtSecret == "" {
		logrus.Fatal("[SERVER] JWT_SECRET_KEY is required")
	}

	auditLogger := audit.NewAuditLogger(nil)
	store := ledger.NewPostgresStore(db)

	priceSource := services.NewCachedPriceConfigSource(services.NewPostgresPriceConfigSource(db), redisClient, pricingCfg.CacheTTL)
	pricing := services.NewPricingEngine(priceSource, pricingCfg)

	var gaps services.GapRecorder
	if redisClient != nil {
		gaps = services.NewRedisGapQueue(redisClient)
	}
	saga := services.NewCreditSaga(pricing, store, auditLogger, gaps)

	storage := services.NewLocalImageStore(storageCfg.Root, storageCfg.PublicBaseURL)
	adService := services.NewAdService(db, storage)
	limiter := services.NewRateLimiter(redisClient, "generate_ad", genCfg.MaxRequestsPerDay)
	generationService := services.NewGenerationService(saga, adService, services.NewOpenAIClient(config.LoadOpenAIConfig()), storage, limiter, genCfg)

	var verifier *services.WebhookVerifier
	if paymentsCfg.WebhookSecret != "" {
		v, err := services.NewWebhookVerifier(paymentsCfg.WebhookSecret, paymentsCfg.WebhookSkew)
		if err != nil {
			logrus.WithError(err).Fatal("[SERVER] Invalid payments webhook secret")
		}
		verifier = v
	} else {
		logrus.Warn("[SERVER] PAYMENTS_WEBHOOK_SECRET not set, webhooks will be rejected")
	}
	if len(paymentsCfg.Plans) == 0 {
		logrus.Warn("[SERVER] PAYMENTS_PLANS is empty, every payment will fail with unknown plan")
	}
	paymentService := services.NewPaymentService(db, store, services.NewDodoClient(paymentsCfg), verifier, paymentsCfg.Plans, auditLogger)

	adHandler := handlers.NewAdHandler(generationService, adService, genCfg.MaxImageSize)
	creditsHandler := handlers.NewCreditsHandler(store, saga, generationService)
	paymentHandler := handlers.NewPaymentHandler(paymentService)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "webhook-id", "webhook-signature", "webhook-timestamp"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if err := db.PingContext(r.Context()); err != nil {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	r.Handle("/static/ads/*", http.StripPrefix("/static/ads/", mW.StaticFileServer(storageCfg.Root)))

	r.Route("/api/v1", func(r chi.Router) {
		// Generation calls the image API and can run for minutes.
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware(jwtSecret))
			r.Use(middleware.Timeout(5 * time.Minute))
			adHandler.Routes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware(jwtSecret))
			r.Use(middleware.Timeout(60 * time.Second))
			creditsHandler.Routes(r)
		})

		// Webhooks arrive without a user token.
		r.Group(func(r chi.Router) {
			r.Use(mW.OptionalAuth(jwtSecret))
			r.Use(middleware.Timeout(60 * time.Second))
			paymentHandler.Routes(r)
		})
	})

	server := &http.Server{
		Addr:         ":" + viper.GetString("server.port"),
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 6 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.WithField("addr", server.Addr).Info("[SERVER] Starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("[SERVER] Failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("[SERVER] Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Fatal("[SERVER] Forced to shutdown")
	}

	logrus.Info("[SERVER] Stopped")
}
