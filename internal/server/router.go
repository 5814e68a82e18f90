package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/atlaslearn/masterygraph-backend/internal/handlers"
	"github.com/atlaslearn/masterygraph-backend/internal/middleware"
)

type RouterConfig struct {
	ExtractionHandler *handlers.ExtractionHandler
	GraphHandler      *handlers.GraphHandler
	PracticeHandler   *handlers.PracticeHandler
	ReviewHandler     *handlers.ReviewHandler
	RetentionHandler  *handlers.RetentionHandler
	SSEHandler        *handlers.SSEHandler
	TracingEnabled    bool
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("masterygraph"))
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Learner-ID"},
		AllowCredentials: true,
	}))

	router.Use(middleware.LearnerIdentity())

	router.GET("/healthcheck", handlers.HealthCheck)
	router.GET("/sse/stream", cfg.SSEHandler.Stream)

	api := router.Group("/api")
	{
		// Extraction
		api.POST("/extractions", cfg.ExtractionHandler.Extract)
		api.GET("/extractions/:id", cfg.ExtractionHandler.GetRun)
		api.GET("/collections/:id/extractions/latest", cfg.ExtractionHandler.LatestRun)

		// Graph
		api.GET("/collections/:id/graph", cfg.GraphHandler.GetGraph)
		api.GET("/collections/:id/unlocked", cfg.GraphHandler.UnlockedConcepts)
		api.POST("/edges", cfg.GraphHandler.InsertEdge)

		// Practice
		api.POST("/concepts/:id/problems", cfg.PracticeHandler.GenerateProblems)
		api.GET("/concepts/:id/problems", cfg.PracticeHandler.ListProblems)
		api.GET("/concepts/:id/mastery", cfg.PracticeHandler.GetMastery)
		api.GET("/concepts/:id/attempts", cfg.PracticeHandler.AttemptHistory)
		api.POST("/problems/:id/attempts", cfg.PracticeHandler.SubmitAttempt)

		// Review
		api.POST("/problems/:id/reviews", cfg.ReviewHandler.RecordReview)
		api.GET("/reviews/due", cfg.ReviewHandler.DueReviews)
		api.GET("/reviews", cfg.ReviewHandler.ListSchedules)

		// Retention
		api.GET("/collections/:id/retention", cfg.RetentionHandler.CognitiveStrength)
	}

	return router
}
