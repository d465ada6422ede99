package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/stwalsh4118/atlas/listings/internal/config"
	"github.com/stwalsh4118/atlas/listings/internal/database"
	apierrors "github.com/stwalsh4118/atlas/listings/internal/errors"
	"github.com/stwalsh4118/atlas/listings/internal/handlers"
	"github.com/stwalsh4118/atlas/listings/internal/logger"
	"github.com/stwalsh4118/atlas/listings/internal/middleware"
	"github.com/stwalsh4118/atlas/listings/internal/monitoring"
	"github.com/stwalsh4118/atlas/listings/internal/repository"
	"github.com/stwalsh4118/atlas/listings/internal/services"
	"github.com/stwalsh4118/atlas/listings/internal/tagging"
)

const (
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Env)
	log.Info("Starting listings service", map[string]interface{}{
		"version":     handlers.APIVersion,
		"environment": cfg.Server.Env,
		"port":        cfg.Server.Port,
	})

	metrics := monitoring.NewMetrics()

	rules, err := tagging.Load(cfg.Tagging.RulesFile)
	if err != nil {
		log.Fatal("Failed to load tagging rules", err, map[string]interface{}{
			"file": cfg.Tagging.RulesFile,
		})
	}

	ctx := context.Background()
	db, err := database.New(ctx, cfg.Database.Params(),
		database.WithMaxAttempts(cfg.Database.ConnectAttempts),
		database.WithBackoff(cfg.Database.ConnectBackoff),
		database.WithLogger(log),
		database.WithMetrics(metrics),
	)
	if err != nil {
		log.Fatal("Failed to connect to database", err, map[string]interface{}{
			"host": cfg.Database.Host,
			"port": cfg.Database.Port,
			"name": cfg.Database.Name,
		})
	}

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatal("Failed to migrate schema", err, nil)
		}
		log.Info("Schema is up to date", nil)
	}

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := apierrors.RegisterTranslations(v); err != nil {
			log.Warn("Validation messages will not be translated", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// RequestID -> Logger -> Recovery -> Metrics -> CORS
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Metrics(metrics))
	router.Use(middleware.CORS(cfg.CORS.Origins))

	listingRepo := repository.NewListingRepository(db, rules, log)
	if err := listingRepo.VerifyTagRules(ctx); err != nil {
		log.Fatal("Tagging rules rejected by database", err, map[string]interface{}{
			"file": cfg.Tagging.RulesFile,
		})
	}
	scrapeLogRepo := repository.NewScrapeLogRepository(db)
	ingestService := services.NewIngestService(listingRepo, scrapeLogRepo, db, metrics, log)

	healthHandler := handlers.NewHealthHandler(ingestService, cfg.Server.Env, rules.Len())
	router.GET("/health", healthHandler.Health)
	router.GET("/health/ready", healthHandler.Ready)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	ingestHandler := handlers.NewIngestHandler(ingestService)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/info", healthHandler.Info)

		sessions := v1.Group("/sessions")
		{
			sessions.POST("", ingestHandler.StartSession)
			sessions.POST("/:id/listings", ingestHandler.Ingest)
			sessions.GET("/:id/stats", ingestHandler.SessionStats)
			sessions.POST("/:id/finish", ingestHandler.FinishSession)
			sessions.POST("/:id/abort", ingestHandler.AbortSession)
		}

		listings := v1.Group("/listings")
		{
			listings.GET("/:id", ingestHandler.GetListing)
			listings.POST("/tags", ingestHandler.ApplyTags)
			listings.POST("/tags/preview", ingestHandler.PreviewTags)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Server listening", map[string]interface{}{
			"addr": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed to start", err, nil)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", err, map[string]interface{}{
			"timeout": shutdownTimeout.String(),
		})
	}

	if err := db.Close(shutdownCtx); err != nil {
		log.Error("Failed to close database connection", err, nil)
	}

	log.Info("Server exited", nil)
}
