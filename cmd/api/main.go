package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/episignal/backend/internal/api/handlers"
	"github.com/episignal/backend/internal/eios"
	"github.com/episignal/backend/internal/evaluation"
	"github.com/episignal/backend/internal/llm"
	"github.com/episignal/backend/internal/metrics"
	"github.com/episignal/backend/internal/middleware/ratelimit"
	"github.com/episignal/backend/internal/middleware/security"
	"github.com/episignal/backend/internal/pipeline"
	"github.com/episignal/backend/internal/scheduler"
	"github.com/episignal/backend/internal/storage/sqlite"
	"github.com/episignal/backend/pkg/config"
	appLogger "github.com/episignal/backend/pkg/logger"
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

	appLogger.Info("Starting EpiSignal API Server")

	metrics.Init()

	store, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer store.Close()

	err = store.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	eiosClient := eios.NewClient(eios.Options{
		BaseURL:         cfg.EIOS.BaseURL,
		TenantID:        cfg.EIOS.TenantID,
		ClientID:        cfg.EIOS.ClientID,
		ClientSecret:    cfg.EIOS.ClientSecret,
		Scope:           cfg.EIOS.Scope,
		BoardPageSize:   cfg.EIOS.BoardPageSize,
		ArticlePageSize: cfg.EIOS.ArticlePageSize,
		MaxArticles:     cfg.EIOS.MaxArticles,
		Timeout:         time.Duration(cfg.EIOS.TimeoutSec) * time.Second,
	})

	// Stored model override, when an operator saved one, wins over the
	// deployment default at startup.
	model := cfg.LLM.Model
	if stored, err := store.GetConfigValue(context.Background(), handlers.ConfigKeyAIModel); err == nil && stored != "" {
		model = stored
	}

	llmClient := llm.NewClient(llm.Options{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       model,
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
		MaxTokens:   cfg.LLM.MaxTokens,
		TimeoutSec:  cfg.LLM.TimeoutSec,
	})

	evaluator := &storedPromptEvaluator{
		store:     store,
		completer: llmClient,
	}

	runner := pipeline.NewRunner(eiosClient, evaluator, store, cfg.Pipeline.ProviderRate)

	trigger := func(ctx context.Context, tags []string, windowHours int) (*pipeline.RunSummary, error) {
		if len(tags) == 0 {
			stored, err := store.GetConfigValue(ctx, handlers.ConfigKeyTags)
			if err != nil {
				return nil, fmt.Errorf("failed to load tag config: %w", err)
			}
			if stored == "" {
				stored = cfg.Pipeline.DefaultTags
			}
			tags = splitTags(stored)
		}
		if windowHours <= 0 {
			windowHours = cfg.Pipeline.FetchWindowHours
		}

		now := time.Now().UTC()
		return runner.Run(ctx, pipeline.RunConfig{
			Tags: tags,
			Window: eios.Window{
				Start: now.Add(-time.Duration(windowHours) * time.Hour),
				End:   now,
			},
			MaxItems:    cfg.Pipeline.MaxItems,
			Concurrency: cfg.Pipeline.Concurrency,
			MaxErrors:   cfg.Pipeline.MaxErrorEntries,
		})
	}

	sched := scheduler.New(
		time.Duration(cfg.Scheduler.IntervalMinutes)*time.Minute,
		func(ctx context.Context) {
			if _, err := trigger(ctx, nil, 0); err != nil {
				appLogger.Error("Scheduled run failed", zap.Error(err))
			}
		},
	)
	if cfg.Scheduler.Enabled {
		sched.Start()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: 120,
		Logger:            appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(limiter.Middleware())

	signalsHandler := handlers.NewSignalsHandler(store, cfg.Pipeline.DefaultTags)
	pipelineHandler := handlers.NewPipelineHandler(trigger)
	schedulerHandler := handlers.NewSchedulerHandler(sched, runner.Running)

	api := app.Group("/api/v1")

	api.Post("/articles/fetch", pipelineHandler.FetchArticles)

	api.Get("/signals/processed", signalsHandler.ListProcessed)
	api.Get("/signals/tags", signalsHandler.GetTags)
	api.Post("/signals/tags", signalsHandler.SaveTags)
	api.Get("/signals/config", signalsHandler.GetAIConfig)
	api.Post("/signals/config", signalsHandler.SaveAIConfig)
	api.Get("/signals/counts", signalsHandler.Counts)
	api.Get("/signals/stats", signalsHandler.Stats)
	api.Get("/signals/countries", signalsHandler.Countries)
	api.Get("/signals/hazards", signalsHandler.Hazards)
	api.Post("/signals/discard-non-flagged", signalsHandler.DiscardNonFlagged)
	api.Post("/signals/batch-action", signalsHandler.BatchAction)
	api.Post("/signals/cleanup/preview", signalsHandler.CleanupPreview)
	api.Post("/signals/cleanup", signalsHandler.Cleanup)
	api.Post("/signals/export-csv", signalsHandler.ExportCSV)
	api.Post("/signals/:id/flag", signalsHandler.Flag)
	api.Post("/signals/:id/discard", signalsHandler.Discard)

	api.Post("/scheduler/start", schedulerHandler.Start)
	api.Post("/scheduler/stop", schedulerHandler.Stop)
	api.Get("/scheduler/status", schedulerHandler.Status)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

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
	sched.Stop()
	app.Shutdown()
	appLogger.Info("Server stopped")
}

// storedPromptEvaluator resolves the prompt template from app_config on
// every evaluation, so a saved template applies to the next run without
// a restart.
type storedPromptEvaluator struct {
	store     *sqlite.Client
	completer evaluation.Completer
}

func (e *storedPromptEvaluator) Evaluate(ctx context.Context, article eios.Article) (*evaluation.Result, error) {
	template, err := e.store.GetConfigValue(ctx, handlers.ConfigKeyPromptTemplate)
	if err != nil {
		appLogger.Warn("Failed to load prompt template, using default", zap.Error(err))
		template = ""
	}
	return evaluation.NewEvaluator(e.completer, template).Evaluate(ctx, article)
}

func splitTags(raw string) []string {
	var tags []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}) {
		if part != "" {
			tags = append(tags, part)
		}
	}
	return tags
}
