package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	ServerPort   string
	ServerHost   string
	WebhookPort  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Public base URL of this system, used to build callback/serve URLs
	// handed to the external workflow engine.
	AppBaseURL string

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis (queue broker)
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka (notification events)
	KafkaBrokers    []string
	KafkaEventTopic string

	// External workflow engine
	EngineBaseURL    string
	EngineWebhookURL string
	EngineAPIKey     string
	EngineSecret     string
	EngineTimeout    time.Duration

	// Orchestration
	MaxAttempts     int
	DefaultPriority int
	FileTokenTTL    time.Duration

	// Attachments
	StorageDir string

	// Optional yaml override for the field validation rules.
	RulesPath string
}

func Load() *Config {
	engineBase := getEnv("ENGINE_BASE_URL", "http://localhost:5678")

	return &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		WebhookPort:  getEnv("WEBHOOK_PORT", "8082"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),

		AppBaseURL: getEnv("APP_BASE_URL", "http://localhost:8080"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "docflow"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "docflow123"),
		PostgresDB:       getEnv("POSTGRES_DB", "docflow"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:    getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaEventTopic: getEnv("KAFKA_EVENT_TOPIC", "docflow.process-events"),

		EngineBaseURL:    engineBase,
		EngineWebhookURL: getEnv("ENGINE_WEBHOOK_URL", engineBase+"/webhook"),
		EngineAPIKey:     getEnv("ENGINE_API_KEY", ""),
		EngineSecret:     getEnv("ENGINE_WEBHOOK_SECRET", ""),
		EngineTimeout:    getDuration("ENGINE_TIMEOUT", 30*time.Second),

		MaxAttempts:     getIntEnv("MAX_ATTEMPTS", 3),
		DefaultPriority: getIntEnv("DEFAULT_PRIORITY", 5),
		FileTokenTTL:    getDuration("FILE_TOKEN_TTL", time.Hour),

		StorageDir: getEnv("STORAGE_DIR", "storage/processes"),

		RulesPath: getEnv("RULES_PATH", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
