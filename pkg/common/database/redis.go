package database

import (
	"context"
	"fmt"
	"time"

	"github.com/docflow-ai/platform/pkg/common/config"
	"github.com/docflow-ai/platform/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

// NewRedis constructs a Redis client for the queue broker. A failed ping is
// logged but not fatal: the dispatcher degrades to "not connected" and
// publish attempts surface retryable errors instead of crashing callers.
func NewRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Log.WithError(err).Error("Failed to connect to Redis")
	} else {
		logger.Log.Info("Connected to Redis")
	}

	return client
}
