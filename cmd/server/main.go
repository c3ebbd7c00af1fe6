package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/api"
	"github.com/finbase/marketsync/internal/config"
	"github.com/finbase/marketsync/internal/database"
	"github.com/finbase/marketsync/internal/kvcache"
	"github.com/finbase/marketsync/internal/marketdata"
	"github.com/finbase/marketsync/internal/repository"
	"github.com/finbase/marketsync/internal/scheduler"
	"github.com/finbase/marketsync/internal/service"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Open database connection and apply migrations
	db, err := database.Open(cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logger.Info().Str("database", cfg.Database.URL).Msg("connected to database")

	// External KV cache (no-op when disabled)
	cache := kvcache.New(cfg.Redis, logger)
	defer cache.Close()

	// Provider adapters; missing credentials disable the adapter
	httpClient := marketdata.NewHTTPClient()
	manager := marketdata.NewManager(logger)

	manager.Register(marketdata.NewYahooChart(httpClient, logger))
	manager.Register(marketdata.NewYahooSummary(httpClient, logger))

	if cfg.Providers.PolygonAPIKey != "" {
		manager.Register(marketdata.NewPolygon(httpClient, cfg.Providers.PolygonAPIKey, logger))
	} else {
		logger.Warn().Msg("POLYGON_API_KEY not set, polygon adapter disabled")
	}

	var alphaVantage *marketdata.AlphaVantage
	if cfg.Providers.AlphaVantageAPIKey != "" {
		alphaVantage = marketdata.NewAlphaVantage(httpClient, cfg.Providers.AlphaVantageAPIKey,
			cfg.Providers.AlphaVantageRequestsPerMin, cfg.Providers.AlphaVantageDebug, logger)
		manager.Register(alphaVantage)
	} else {
		logger.Warn().Msg("ALPHA_VANTAGE_API_KEY not set, alphavantage adapter disabled")
	}

	// Create repositories
	securityRepo := repository.NewSecurityRepository(db)
	priceHistoryRepo := repository.NewPriceHistoryRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	userRepo := repository.NewUserRepository(db)
	portfolioHistoryRepo := repository.NewPortfolioHistoryRepository(db)
	eventRepo := repository.NewSystemEventRepository(db)
	trackingRepo := repository.NewUpdateTrackingRepository(db)

	// Create services
	systemService := service.NewSystemService(db)
	eventService := service.NewEventService(eventRepo, logger)
	lockService := service.NewLockService(trackingRepo, logger)
	updaterService := service.NewUpdaterService(
		manager,
		alphaVantage,
		securityRepo,
		priceHistoryRepo,
		accountRepo,
		eventService,
		lockService,
		cache,
		logger,
	)
	portfolioService := service.NewPortfolioService(
		userRepo,
		accountRepo,
		portfolioHistoryRepo,
		eventService,
		lockService,
		cache,
		logger,
	)
	consistencyService := service.NewConsistencyService(
		securityRepo,
		priceHistoryRepo,
		accountRepo,
		trackingRepo,
		eventService,
		logger,
	)

	// Background scheduler
	sched, err := scheduler.New(cfg.Scheduler, updaterService, portfolioService, lockService, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create scheduler")
	}
	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	if err := sched.Start(schedCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	// Create router
	router := api.NewRouter(systemService, eventService, updaterService, portfolioService, consistencyService, cfg, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	cancelSched()
	sched.Stop()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server exited")
}
