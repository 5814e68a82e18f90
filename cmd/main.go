package main

import (
	"context"
	"fmt"
	"os"

	"github.com/atlaslearn/masterygraph-backend/internal/clients/redis"
	"github.com/atlaslearn/masterygraph-backend/internal/db"
	"github.com/atlaslearn/masterygraph-backend/internal/handlers"
	"github.com/atlaslearn/masterygraph-backend/internal/observability"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/tuning"
	"github.com/atlaslearn/masterygraph-backend/internal/repos"
	"github.com/atlaslearn/masterygraph-backend/internal/server"
	"github.com/atlaslearn/masterygraph-backend/internal/services"
	"github.com/atlaslearn/masterygraph-backend/internal/sse"
	"github.com/atlaslearn/masterygraph-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	// Tracing
	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "masterygraph",
		Environment: os.Getenv("APP_ENV"),
		Version:     os.Getenv("APP_VERSION"),
	})
	defer func() { _ = shutdownOTel(ctx) }()

	// Tuning
	tuningPath := utils.GetEnv("TUNING_CONFIG_PATH", "", log)
	cfg, err := tuning.Load(tuningPath)
	if err != nil {
		log.Error("Failed to load tuning config", "error", err)
		os.Exit(1)
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	collectionRepo := repos.NewCollectionRepo(thePG, log)
	conceptRepo := repos.NewConceptRepo(thePG, log)
	edgeRepo := repos.NewDependencyEdgeRepo(thePG, log)
	problemRepo := repos.NewPracticeProblemRepo(thePG, log)
	attemptRepo := repos.NewAttemptRepo(thePG, log)
	masteryRepo := repos.NewMasteryStatusRepo(thePG, log)
	reviewRepo := repos.NewReviewScheduleRepo(thePG, log)
	runRepo := repos.NewExtractionRunRepo(thePG, log)

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewSSEHub(log)

	// Notify bus: optional, for fanning SSE events across instances.
	var notifyBus redis.NotifyBus
	if os.Getenv("REDIS_ADDR") != "" {
		notifyBus, err = redis.NewNotifyBus(log)
		if err != nil {
			log.Error("Could not init NotifyBus", "error", err)
			os.Exit(1)
		}
		if err := notifyBus.StartForwarder(ctx, sseHub.Broadcast); err != nil {
			log.Error("Could not start notify forwarder", "error", err)
			os.Exit(1)
		}
	}

	// Services
	log.Info("Setting up Services from main...")
	aiClient, err := services.NewAIClient(log)
	if err != nil {
		log.Error("Could not init AIClient", "error", err)
		os.Exit(1)
	}
	sandboxClient, err := services.NewSandboxClient(log)
	if err != nil {
		log.Error("Could not init SandboxClient", "error", err)
		os.Exit(1)
	}

	extractionService := services.NewExtractionService(
		thePG,
		collectionRepo,
		conceptRepo,
		edgeRepo,
		attemptRepo,
		runRepo,
		aiClient,
		sseHub,
		notifyBus,
		log,
	)
	extractionService.StartWorker(ctx)

	graphService := services.NewGraphService(thePG, collectionRepo, conceptRepo, edgeRepo, masteryRepo, log)
	masteryService := services.NewMasteryService(thePG, conceptRepo, problemRepo, attemptRepo, masteryRepo, reviewRepo, cfg, sseHub, notifyBus, log)
	practiceService := services.NewPracticeService(thePG, conceptRepo, problemRepo, aiClient, sandboxClient, masteryService, log)
	reviewService := services.NewReviewService(thePG, reviewRepo, problemRepo, conceptRepo, cfg, sseHub, notifyBus, log)
	reviewService.StartSweep(ctx)
	retentionService := services.NewRetentionService(thePG, collectionRepo, conceptRepo, problemRepo, masteryRepo, reviewRepo, cfg, log)

	// Handlers
	log.Info("Setting up handlers from main...")
	extractionHandler := handlers.NewExtractionHandler(extractionService)
	graphHandler := handlers.NewGraphHandler(graphService)
	practiceHandler := handlers.NewPracticeHandler(practiceService, masteryService)
	reviewHandler := handlers.NewReviewHandler(reviewService)
	retentionHandler := handlers.NewRetentionHandler(retentionService)
	sseHandler := handlers.NewSSEHandler(sseHub)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		ExtractionHandler: extractionHandler,
		GraphHandler:      graphHandler,
		PracticeHandler:   practiceHandler,
		ReviewHandler:     reviewHandler,
		RetentionHandler:  retentionHandler,
		SSEHandler:        sseHandler,
		TracingEnabled:    os.Getenv("OTEL_ENABLED") == "true",
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
