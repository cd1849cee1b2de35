package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/docflow-ai/platform/pkg/attachment"
	"github.com/docflow-ai/platform/pkg/common/config"
	"github.com/docflow-ai/platform/pkg/common/database"
	"github.com/docflow-ai/platform/pkg/common/logger"
	"github.com/docflow-ai/platform/pkg/extraction"
	"github.com/docflow-ai/platform/pkg/history"
	"github.com/docflow-ai/platform/pkg/notify"
	"github.com/docflow-ai/platform/pkg/process"
	"github.com/docflow-ai/platform/pkg/queue"
	"github.com/docflow-ai/platform/pkg/workflow"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.NewPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := database.NewRedis(ctx, cfg)
	defer redisClient.Close()

	processRepo := process.NewRepository(db, cfg.MaxAttempts)
	historyRepo := history.NewRepository(db)
	extractionRepo := extraction.NewRepository(db)
	attachmentRepo := attachment.NewRepository(db)
	dispatcher := queue.NewDispatcher(queue.NewRedisBroker(redisClient), db)

	if err := processRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate process tables")
	}
	if err := historyRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate history tables")
	}
	if err := extractionRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate extraction tables")
	}
	if err := attachmentRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate attachment tables")
	}
	if err := dispatcher.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate queue job tables")
	}

	rules, err := extraction.LoadRules(cfg.RulesPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load validation rules")
	}

	signer := workflow.NewTokenSigner(cfg.EngineSecret, cfg.FileTokenTTL)
	engine := workflow.NewClient(cfg, signer)
	notifier := notify.New(cfg.KafkaBrokers, cfg.KafkaEventTopic, dispatcher)
	defer notifier.Close()

	blobStore := attachment.NewDiskStore(cfg.StorageDir)

	svc := process.NewService(processRepo, attachmentRepo, extractionRepo, historyRepo, engine, dispatcher, notifier, rules, cfg.DefaultPriority)

	processHandler := process.NewHandler(svc)
	attachmentHandler := attachment.NewHandler(attachmentRepo, blobStore, signer, processRepo, historyRepo)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	processHandler.Register(api)
	attachmentHandler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Orchestrator Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Orchestrator Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Orchestrator Service stopped")
}
