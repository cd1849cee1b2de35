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
	"github.com/docflow-ai/platform/pkg/webhook"
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

	notifier := notify.New(cfg.KafkaBrokers, cfg.KafkaEventTopic, dispatcher)
	defer notifier.Close()

	signer := workflow.NewTokenSigner(cfg.EngineSecret, cfg.FileTokenTTL)
	engine := workflow.NewClient(cfg, signer)
	blobStore := attachment.NewDiskStore(cfg.StorageDir)

	ingestor := webhook.NewIngestor(processRepo, extractionRepo, attachmentRepo, blobStore, historyRepo, notifier)
	handler := webhook.NewHandler(ingestor, engine, cfg.EngineSecret != "")

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	handler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.WebhookPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.WebhookPort,
		}).Info("Webhook Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Webhook Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Webhook Service stopped")
}
