package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime settings, loaded from the environment.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	DatabaseURL    string
	DatabaseSchema string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	TenantID        string
	BotID           string
	OperatorNumber  string
	CallingKeywords map[string][]string

	WhatsAppStorePath string
	WhatsAppLogLevel  string

	GatewayBaseURL      string
	GatewayAPIKey       string
	GatewayName         string
	GatewayTimeout      time.Duration
	PaymentWebhookToken string
	PaymentPollBatch    int

	SchedPollInterval     time.Duration
	PaymentPollCron       string
	SubscriptionSweepCron string
}

// Load reads configuration from environment variables, applying defaults for
// everything that is safe to default.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   getEnv("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "chatfunnel"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", "public"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisTLS:      getEnvBool("REDIS_TLS", false),

		TenantID:        getEnv("TENANT_ID", "default"),
		BotID:           getEnv("BOT_ID", "default"),
		OperatorNumber:  os.Getenv("OPERATOR_NUMBER"),
		CallingKeywords: getEnvStringListMap("CALLING_KEYWORDS"),

		WhatsAppStorePath: getEnv("WA_STORE_PATH", "data/wa.db"),
		WhatsAppLogLevel:  getEnv("WA_LOG_LEVEL", "WARN"),

		GatewayBaseURL:      os.Getenv("PAYMENT_GATEWAY_BASE_URL"),
		GatewayAPIKey:       os.Getenv("PAYMENT_GATEWAY_API_KEY"),
		GatewayName:         getEnv("PAYMENT_GATEWAY_NAME", "gt"),
		GatewayTimeout:      getEnvDuration("PAYMENT_GATEWAY_TIMEOUT", 15*time.Second),
		PaymentWebhookToken: os.Getenv("PAYMENT_WEBHOOK_TOKEN"),
		PaymentPollBatch:    getEnvInt("PAYMENT_POLL_BATCH", 100),

		SchedPollInterval:     getEnvDuration("SCHED_POLL_INTERVAL", 5*time.Second),
		PaymentPollCron:       getEnv("PAYMENT_POLL_CRON", "@every 1m"),
		SubscriptionSweepCron: getEnv("SUBSCRIPTION_SWEEP_CRON", "17 3 * * *"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvStringListMap decodes a JSON object of string lists, e.g.
// {"interested":["interested","want it"]}.
func getEnvStringListMap(key string) map[string][]string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return nil
	}
	var parsed map[string][]string
	if err := json.Unmarshal([]byte(val), &parsed); err != nil {
		return nil
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
