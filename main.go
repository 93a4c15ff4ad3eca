package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"regtech-pipeline/internal/config"
	"regtech-pipeline/internal/handlers"
	"regtech-pipeline/internal/pkg/logger"
	"regtech-pipeline/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	appLogger.Info("Starting regtech pipeline", "environment", cfg.Environment)

	redisService, err := services.NewRedisService(cfg.Redis, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize Redis service", "error", err)
	}
	defer redisService.Close()

	geminiService, err := services.NewGeminiService(cfg.Gemini, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize Gemini service", "error", err)
	}

	searchService, err := services.NewSearchService(cfg.Tavily, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize search service", "error", err)
	}

	reportService := services.NewReportService(cfg.Report, appLogger)
	emailService := services.NewEmailService(cfg.SMTP, appLogger)

	orchestrator := services.NewOrchestrator(
		geminiService,
		searchService,
		redisService,
		reportService,
		emailService,
		cfg.Pipeline,
		appLogger,
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	handler := handlers.NewAnalysisHandler(orchestrator, appLogger,
		handlers.DependencyCheck{Name: "redis", Check: redisService.HealthCheck},
		handlers.DependencyCheck{Name: "gemini", Check: geminiService.HealthCheck},
		handlers.DependencyCheck{Name: "tavily", Check: searchService.HealthCheck},
	)
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		appLogger.Info("HTTP server listening", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("HTTP server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Graceful shutdown failed", "error", err)
	}

	appLogger.Info("Shutdown complete")
}
