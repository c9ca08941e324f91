package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendKafka    = "kafka"
)

type Config struct {
	ServiceName string
	LogLevel    string
	HTTPPort    string
	ObsHTTPAddr string
	GRPCAddr    string

	StoreBackend       string
	DatabaseURL        string
	DatabaseID         string
	MessagesCollection string
	CallsCollection    string

	FeedBackend  string
	RedisAddr    string
	KafkaBrokers []string
	KafkaTopic   string

	OutboxBatchSize int
	OutboxPollDelay time.Duration

	PageSize   int
	MediaAppID string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	RateLimitRequests int
	RateLimitWindow   time.Duration

	TracingEnabled bool
	JaegerURL      string
}

func Load() *Config {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "peersync"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTPPort:    fixPort(getEnv("HTTP_PORT", ":8085")),
		ObsHTTPAddr: fixPort(getEnv("HTTP_ADDR", ":8095")),
		GRPCAddr:    fixPort(getEnv("GRPC_ADDR", ":50060")),

		StoreBackend:       getEnv("STORE_BACKEND", BackendMemory),
		DatabaseID:         getEnv("DATABASE_ID", "main"),
		MessagesCollection: getEnv("MESSAGES_COLLECTION", "messages"),
		CallsCollection:    getEnv("CALLS_COLLECTION", "calls"),

		FeedBackend:  getEnv("FEED_BACKEND", BackendMemory),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers: strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "document-changes"),

		OutboxBatchSize: getEnvInt("OUTBOX_BATCH_SIZE", 100),
		OutboxPollDelay: getEnvDuration("OUTBOX_POLL_DELAY", 2*time.Second),

		PageSize:   getEnvInt("PAGE_SIZE", 20),
		MediaAppID: getEnv("MEDIA_APP_ID", "peersync-dev"),

		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		JWTIssuer:   getEnv("JWT_ISSUER", "realchat-auth"),
		JWTAudience: getEnv("JWT_AUDIENCE", "realchat-clients"),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		JaegerURL:      getEnv("JAEGER_URL", "http://localhost:14268/api/traces"),
	}

	if cfg.StoreBackend == BackendPostgres {
		cfg.DatabaseURL = mustEnv("DATABASE_URL")
	}

	return cfg
}

func fixPort(port string) string {
	if port != "" && !strings.Contains(port, ":") {
		return ":" + port
	}
	return port
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true"
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("config: invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("missing required env: %s", k)
	}
	return v
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
