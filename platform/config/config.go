// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// RedisConfig provides the Redis connection used for streams, the topic index,
// the scheduled message registry and the event type cache.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
}

// SchedulerConfig provides settings for the asynq client and worker.
type SchedulerConfig interface {
	RedisConfig
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// DomainStoreConfig provides settings for the HTTP domain/configuration store.
type DomainStoreConfig interface {
	GetDomainStoreURL() string
	GetDomainStoreUsername() string
	GetDomainStorePassword() string
	GetDomainStoreTimeout() time.Duration
	GetDomainStoreRateLimit() float64
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
}

// HookAuthConfig provides the shared secret used to verify service tokens
// presented to the hook endpoints.
type HookAuthConfig interface {
	GetHookJWTSecret() string
}

// EventGenConfig provides naming and tuning for the trigger pipeline.
type EventGenConfig interface {
	GetTopicStreamPrefix() string
	GetEvaluatorGroup() string
	GetCacheGroup() string
	GetTriggerResponsesStream() string
	GetEventLogStream() string
	GetConsumerName() string
	GetReadBlock() time.Duration
	GetMetricsAddr() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                    string
	HTTPAddr               string
	MetricsAddr            string
	DatabaseURL            string
	RedisURL               string
	RedisTLSInsecure       bool
	AsynqQueueName         string
	AsynqConcurrency       int
	CORSAllowAll           bool
	CORSOrigins            []string
	DomainStoreURL         string
	DomainStoreUsername    string
	DomainStorePassword    string
	DomainStoreTimeout     time.Duration
	DomainStoreRateLimit   float64
	HookJWTSecret          string
	TopicStreamPrefix      string `yaml:"topic_stream_prefix"`
	EvaluatorGroup         string `yaml:"evaluator_group"`
	CacheGroup             string `yaml:"cache_group"`
	TriggerResponsesStream string `yaml:"trigger_responses_stream"`
	EventLogStream         string `yaml:"event_log_stream"`
	ConsumerName           string `yaml:"consumer_name"`
	ReadBlock              time.Duration
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// RedisConfig implementation
func (c *Config) GetRedisURL() string        { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool  { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string  { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int   { return c.AsynqConcurrency }

// DomainStoreConfig implementation
func (c *Config) GetDomainStoreURL() string            { return c.DomainStoreURL }
func (c *Config) GetDomainStoreUsername() string       { return c.DomainStoreUsername }
func (c *Config) GetDomainStorePassword() string       { return c.DomainStorePassword }
func (c *Config) GetDomainStoreTimeout() time.Duration { return c.DomainStoreTimeout }
func (c *Config) GetDomainStoreRateLimit() float64     { return c.DomainStoreRateLimit }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }

// HookAuthConfig implementation
func (c *Config) GetHookJWTSecret() string { return c.HookJWTSecret }

// EventGenConfig implementation
func (c *Config) GetTopicStreamPrefix() string      { return c.TopicStreamPrefix }
func (c *Config) GetEvaluatorGroup() string         { return c.EvaluatorGroup }
func (c *Config) GetCacheGroup() string             { return c.CacheGroup }
func (c *Config) GetTriggerResponsesStream() string { return c.TriggerResponsesStream }
func (c *Config) GetEventLogStream() string         { return c.EventLogStream }
func (c *Config) GetConsumerName() string           { return c.ConsumerName }
func (c *Config) GetReadBlock() time.Duration       { return c.ReadBlock }
func (c *Config) GetMetricsAddr() string            { return c.MetricsAddr }

// Load reads configuration from environment variables. When
// EVENTGEN_CONFIG_FILE points at a YAML file, its stream naming keys override
// the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()

	cfg := &Config{
		Env:                    getEnv("APP_ENV", "development"),
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:            getEnv("METRICS_ADDR", ":9090"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", "redis://redis:6379/0"),
		RedisTLSInsecure:       strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:         getEnv("ASYNQ_QUEUE", "_create_script_event"),
		AsynqConcurrency:       mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		CORSAllowAll:           strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true"),
		CORSOrigins:            splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200")),
		DomainStoreURL:         strings.TrimRight(getEnv("DOMAIN_STORE_URL", "http://django:8000/api"), "/"),
		DomainStoreUsername:    getEnv("DOMAIN_STORE_USERNAME", "auto"),
		DomainStorePassword:    getEnv("DOMAIN_STORE_PASSWORD", "auto"),
		DomainStoreTimeout:     mustDuration(getEnv("DOMAIN_STORE_TIMEOUT", "10s")),
		DomainStoreRateLimit:   mustFloat(getEnv("DOMAIN_STORE_RATE_LIMIT", "50")),
		HookJWTSecret:          getEnv("HOOK_JWT_SECRET", ""),
		TopicStreamPrefix:      getEnv("TOPIC_STREAM_PREFIX", "topic:"),
		EvaluatorGroup:         getEnv("EVALUATOR_GROUP", "_simple_event_gen"),
		CacheGroup:             getEnv("CACHE_GROUP", "event_generator"),
		TriggerResponsesStream: getEnv("TRIGGER_RESPONSES_STREAM", "trigger_responses"),
		EventLogStream:         getEnv("EVENT_LOG_STREAM", "_event_log"),
		ConsumerName:           getEnv("CONSUMER_NAME", hostname),
		ReadBlock:              mustDuration(getEnv("STREAM_READ_BLOCK", "5s")),
	}

	if path := getEnv("EVENTGEN_CONFIG_FILE", ""); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.DomainStoreURL == "" {
		return nil, fmt.Errorf("DOMAIN_STORE_URL is required")
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "eventgen"
	}

	return cfg, nil
}

// applyFile overlays the non-empty stream naming keys from a YAML file.
func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	overlay := func(dst *string, src string) {
		if strings.TrimSpace(src) != "" {
			*dst = src
		}
	}
	overlay(&cfg.TopicStreamPrefix, file.TopicStreamPrefix)
	overlay(&cfg.EvaluatorGroup, file.EvaluatorGroup)
	overlay(&cfg.CacheGroup, file.CacheGroup)
	overlay(&cfg.TriggerResponsesStream, file.TriggerResponsesStream)
	overlay(&cfg.EventLogStream, file.EventLogStream)
	overlay(&cfg.ConsumerName, file.ConsumerName)
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}
