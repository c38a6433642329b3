package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/slack-go/slack"

	"github.com/doppelhq/doppel/internal/config"
	"github.com/doppelhq/doppel/internal/dedup"
	"github.com/doppelhq/doppel/internal/handlers"
	"github.com/doppelhq/doppel/internal/log"
	"github.com/doppelhq/doppel/internal/middleware"
	"github.com/doppelhq/doppel/internal/services"
)

// App holds the wired services and handlers.
type App struct {
	config             *config.Config
	slackService       *services.SlackService
	llmService         *services.LLMService
	composioService    *services.ComposioService
	agentDataService   *services.AgentDataService
	webhookHandler     *handlers.WebhookHandler
	connectionsHandler *handlers.ConnectionsHandler
}

func main() {
	cfg := config.Load()

	log.Setup(cfg.LogLevel, cfg.GinMode == "release")
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()

	log.Info(ctx, "Connecting to Firestore",
		"project_id", cfg.FirestoreProjectID,
		"database_id", cfg.FirestoreDatabaseID,
	)
	firestoreClient, err := firestore.NewClientWithDatabase(ctx, cfg.FirestoreProjectID, cfg.FirestoreDatabaseID)
	if err != nil {
		log.Error(ctx, "Failed to create Firestore client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := firestoreClient.Close(); err != nil {
			log.Error(ctx, "Error closing Firestore client", "error", err)
		}
	}()

	slackService := services.NewSlackService(slack.New(cfg.SlackBotToken))
	llmService := services.NewLLMService(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.AnswerMaxTokens, cfg.AnswerTemperature)
	composioService := services.NewComposioService(cfg.ComposioBaseURL, cfg.ComposioAPIKey)
	agentDataService := services.NewAgentDataService(firestoreClient)

	dedupCache := dedup.New(cfg.DedupCapacity, cfg.DedupTTL, clock.New())
	answerHandler := handlers.NewAnswerHandler(slackService, llmService, agentDataService)

	app := &App{
		config:             cfg,
		slackService:       slackService,
		llmService:         llmService,
		composioService:    composioService,
		agentDataService:   agentDataService,
		webhookHandler:     handlers.NewWebhookHandler(dedupCache, answerHandler, slackService, cfg),
		connectionsHandler: handlers.NewConnectionsHandler(composioService),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.LoggingMiddleware())

	router.POST("/webhooks/slack", app.webhookHandler.HandleWebhook)
	router.GET("/api/connections/status", app.connectionsHandler.HandleStatus)
	router.GET("/api/connections/initiate", app.connectionsHandler.HandleInitiate)
	router.DELETE("/api/connections/:id", app.connectionsHandler.HandleDisconnect)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	log.Info(ctx, "Starting server", "port", cfg.Port)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Server exited gracefully")
}
