package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	MetricsPort int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Decoder     DecoderConfig
	Pipeline    PipelineConfig
	TimeRange   TimeRangeConfig
	Detection   DetectionConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	NotifyExchange   string
	NotifyRoutingKey string
	DeadRoutingKey   string
	DLQQueue         string
	PrefetchCount    int
}

// DecoderConfig bounds tenant-authored decoder execution
type DecoderConfig struct {
	Timeout      time.Duration
	MaxCallStack int
}

// PipelineConfig holds ingestion pipeline settings
type PipelineConfig struct {
	FlushSize         int
	FlushInterval     time.Duration
	CounterMaxRetries int
	AppendMaxRetries  int
}

// TimeRangeConfig bounds accepted reading timestamps
type TimeRangeConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DetectionConfig holds read-side detection settings
type DetectionConfig struct {
	HighConsumptionMultiplier float64
	TrailingHours             int
	OfflineWindowHours        int
	SweepInterval             time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "water-metering-worker"),
		MetricsPort: getEnvAsInt("METRICS_PORT", 8081),
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvAsInt("DATABASE_MAX_CONNS", 8),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "water-metering.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "water-metering.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "meter.telemetry.raw"),
			NotifyExchange:   getEnv("RABBITMQ_NOTIFY_EXCHANGE", "water-metering.worker.events.exchange"),
			NotifyRoutingKey: getEnv("RABBITMQ_NOTIFY_ROUTING_KEY", "meter.reading.processed"),
			DeadRoutingKey:   getEnv("RABBITMQ_DEAD_ROUTING_KEY", "meter.reading.dead"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "water-metering.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 32),
		},
		Decoder: DecoderConfig{
			Timeout:      getEnvAsDuration("DECODER_TIMEOUT", 100*time.Millisecond),
			MaxCallStack: getEnvAsInt("DECODER_MAX_CALL_STACK", 512),
		},
		Pipeline: PipelineConfig{
			FlushSize:         getEnvAsInt("PIPELINE_FLUSH_SIZE", 64),
			FlushInterval:     getEnvAsDuration("PIPELINE_FLUSH_INTERVAL", 500*time.Millisecond),
			CounterMaxRetries: getEnvAsInt("PIPELINE_COUNTER_MAX_RETRIES", 5),
			AppendMaxRetries:  getEnvAsInt("PIPELINE_APPEND_MAX_RETRIES", 3),
		},
		TimeRange: TimeRangeConfig{
			MaxAge:    getEnvAsDuration("TIME_MAX_AGE", 365*24*time.Hour),
			MaxFuture: getEnvAsDuration("TIME_MAX_FUTURE", time.Hour),
		},
		Detection: DetectionConfig{
			HighConsumptionMultiplier: getEnvAsFloat("DETECTION_HIGH_CONSUMPTION_MULTIPLIER", 2.0),
			TrailingHours:             getEnvAsInt("DETECTION_TRAILING_HOURS", 6),
			OfflineWindowHours:        getEnvAsInt("DETECTION_OFFLINE_WINDOW_HOURS", 24),
			SweepInterval:             getEnvAsDuration("DETECTION_SWEEP_INTERVAL", time.Hour),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
