package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/internal/api/handlers"
	"github.com/chat-sentinel/backend/internal/cache"
	"github.com/chat-sentinel/backend/internal/health"
	"github.com/chat-sentinel/backend/internal/knowledge"
	"github.com/chat-sentinel/backend/internal/metrics"
	mwratelimit "github.com/chat-sentinel/backend/internal/middleware/ratelimit"
	"github.com/chat-sentinel/backend/internal/middleware/security"
	"github.com/chat-sentinel/backend/internal/middleware/validation"
	"github.com/chat-sentinel/backend/internal/orchestrator"
	"github.com/chat-sentinel/backend/internal/pipeline"
	"github.com/chat-sentinel/backend/internal/provider"
	"github.com/chat-sentinel/backend/internal/ratelimit"
	"github.com/chat-sentinel/backend/internal/storage/sqlite"
	"github.com/chat-sentinel/backend/pkg/circuitbreaker"
	"github.com/chat-sentinel/backend/pkg/config"
	appLogger "github.com/chat-sentinel/backend/pkg/logger"
	"github.com/chat-sentinel/backend/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Chat Sentinel API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	searcher, err := knowledge.NewSQLiteSearcher(sqliteClient.DB(), cfg.Knowledge.MinReliability)
	if err != nil {
		appLogger.Fatal("Failed to create knowledge searcher", zap.Error(err))
	}
	if err := searcher.SeedDefaults(context.Background()); err != nil {
		appLogger.Warn("Failed to seed knowledge base", zap.Error(err))
	}

	// The cache is an optimization; the service stays up without redis.
	var responseCache *cache.ResponseCache
	responseCache, err = cache.NewResponseCache(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		time.Duration(cfg.Cache.TTLSec)*time.Second,
	)
	if err != nil {
		appLogger.Warn("Response cache unavailable, continuing without caching", zap.Error(err))
		responseCache = nil
	} else {
		defer responseCache.Close()
	}

	registry := provider.NewRegistry()
	tracker := ratelimit.NewTracker(ratelimit.Config{Logger: appLogger.GetLogger()})

	for _, pc := range cfg.Providers {
		p, err := buildProvider(pc)
		if err != nil {
			appLogger.Warn("Skipping provider", zap.String("provider", pc.Name), zap.Error(err))
			continue
		}

		breaker := circuitbreaker.New(pc.Name, circuitbreaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         time.Duration(cfg.Breaker.CooldownSec) * time.Second,
			MaxCooldown:      time.Duration(cfg.Breaker.MaxCooldownSec) * time.Second,
			Logger:           appLogger.GetLogger(),
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				metrics.CircuitState.WithLabelValues(name).Set(float64(to))
			},
		})

		registry.Register(p, pc.Priority, breaker)
		tracker.Configure(pc.Name, ratelimit.Limits{PerMinute: pc.RPM, PerDay: pc.RPD})
	}

	if len(registry.Status()) == 0 {
		appLogger.Fatal("No providers configured")
	}

	aggregator := health.NewAggregator(registry, health.Config{
		WindowSize: cfg.Health.WindowSize,
		Schedule:   cfg.Health.SnapshotSchedule,
		Thresholds: health.Thresholds{
			HallucinationRate: cfg.Health.HallucinationAlert,
			FailureRate:       cfg.Health.FailureRateAlert,
			LowScoreAverage:   cfg.Health.LowScoreAlert,
		},
	})
	if err := aggregator.Start(); err != nil {
		appLogger.Fatal("Failed to start health aggregator", zap.Error(err))
	}
	defer aggregator.Stop()

	orch := orchestrator.New(registry, tracker, responseCache, aggregator, retry.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialDelay:   time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		Multiplier:     cfg.Retry.Multiplier,
		JitterFraction: cfg.Retry.JitterFraction,
		Logger:         appLogger.GetLogger(),
	})

	inputValidator := pipeline.NewInputValidator(cfg.Pipeline.MaxMessageLength, responseCache)
	grounder := pipeline.NewGrounder(searcher, sqliteClient, cfg.Pipeline.ContextTokens, cfg.Knowledge.MaxResults, cfg.Pipeline.HistoryDepth)
	validator := pipeline.NewValidator(pipeline.CheckWeights{
		Factual:      cfg.Pipeline.FactualWeight,
		Logical:      cfg.Pipeline.LogicalWeight,
		Completeness: cfg.Pipeline.CompletenessWeight,
		Consistency:  cfg.Pipeline.ConsistencyWeight,
	})
	monitor := pipeline.NewMonitor(aggregator)

	pipe := pipeline.New(pipeline.Config{
		MaxConcurrent:    int(cfg.Server.MaxConcurrent),
		RequestTimeout:   time.Duration(cfg.Server.RequestTimeout) * time.Second,
		MaxMessageLength: cfg.Pipeline.MaxMessageLength,
		QualityThreshold: cfg.Pipeline.QualityThreshold,
	}, inputValidator, grounder, orch, validator, monitor, sqliteClient)

	collector := pipeline.NewCollector(sqliteClient, responseCache, cfg.Pipeline.FeedbackBuffer, cfg.Pipeline.AggregateSchedule)
	if err := collector.Start(); err != nil {
		appLogger.Fatal("Failed to start feedback collector", zap.Error(err))
	}
	defer collector.Stop()

	// Degraded providers get a probe on a schedule; a passing health
	// check returns them to the eligible set.
	healthCron := cron.New()
	if _, err := healthCron.AddFunc("@every 2m", func() {
		probeDegraded(registry)
	}); err != nil {
		appLogger.Fatal("Failed to schedule provider recovery probe", zap.Error(err))
	}
	healthCron.Start()
	defer healthCron.Stop()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	clientLimiter := mwratelimit.New(mwratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.ClientRPM,
		Logger:               appLogger.GetLogger(),
	})
	defer clientLimiter.Stop()

	chatHandler := handlers.NewChatHandler(pipe)
	feedbackHandler := handlers.NewFeedbackHandler(collector)
	healthHandler := handlers.NewHealthHandler(aggregator)
	historyHandler := handlers.NewHistoryHandler(sqliteClient)

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Use(clientLimiter.Middleware())
	api.Use(validation.Middleware(validation.Config{
		MaxMessageLength: cfg.Pipeline.MaxMessageLength,
		Logger:           appLogger.GetLogger(),
	}))

	api.Post("/chat", chatHandler.HandleChat)
	api.Post("/feedback", feedbackHandler.HandleFeedback)
	api.Get("/feedback/patterns", feedbackHandler.GetPatterns)
	api.Get("/history", historyHandler.HandleHistory)
	api.Get("/health", healthHandler.HandleHealth)
	api.Get("/ready", healthHandler.HandleReady)

	api.Use("/health/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/health/stream", websocket.New(healthHandler.HandleHealthStream))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}

func buildProvider(pc config.ProviderConfig) (provider.Provider, error) {
	switch pc.Type {
	case "openai":
		if pc.APIKey == "" {
			return nil, fmt.Errorf("provider %s has no API key", pc.Name)
		}
		return provider.NewOpenAIProvider(pc.Name, pc.APIKey, pc.Model, pc.Temperature, pc.MaxTokens, pc.Timeout()), nil
	case "anthropic":
		if pc.APIKey == "" {
			return nil, fmt.Errorf("provider %s has no API key", pc.Name)
		}
		return provider.NewAnthropicProvider(pc.Name, pc.APIKey, pc.Model, pc.MaxTokens, pc.Timeout()), nil
	case "static":
		return provider.NewStaticProvider(pc.Name, ""), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

func probeDegraded(registry *provider.Registry) {
	for _, status := range registry.Status() {
		if !status.Degraded {
			continue
		}
		d, ok := registry.Get(status.Name)
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := d.Provider.HealthCheck(ctx)
		cancel()

		if err != nil {
			appLogger.Debug("Degraded provider still failing health check",
				zap.String("provider", status.Name),
				zap.Error(err),
			)
			continue
		}

		registry.ClearDegraded(status.Name)
		appLogger.Info("Provider recovered, restored to rotation", zap.String("provider", status.Name))
	}
}
