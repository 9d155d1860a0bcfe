package config

import (
	"log"
	"os"
	"strconv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Infrastructure
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	MetricsAddr   string
	APIAddr       string
	LogLevel      string

	// Price feed
	FeedWSURL string

	// Trailing dispatcher
	FeedWorkers  int
	FeedQueueLen int

	// Angel One credentials. All four must be set to enable the live
	// broker client; otherwise orders are logged, not placed.
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string

	// Notifications (optional)
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		SQLitePath:    getEnv("SQLITE_PATH", "data/brackets.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		FeedWSURL: getEnv("FEED_WS_URL", "ws://localhost:9001/ws"),

		FeedWorkers:  getEnvInt("FEED_WORKERS", 4),
		FeedQueueLen: getEnvInt("FEED_QUEUE_LEN", 256),

		AngelAPIKey:     getEnv("ANGEL_API_KEY", ""),
		AngelClientCode: getEnv("ANGEL_CLIENT_CODE", ""),
		AngelPassword:   getEnv("ANGEL_PASSWORD", ""),
		AngelTOTPSecret: getEnv("ANGEL_TOTP_SECRET", ""),

		WebhookURL:       getEnv("WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

// BrokerConfigured reports whether all Angel One credentials are present.
func (c *Config) BrokerConfigured() bool {
	return c.AngelAPIKey != "" && c.AngelClientCode != "" &&
		c.AngelPassword != "" && c.AngelTOTPSecret != ""
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
