package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Port                string
	AllowedOrigin       string
	DatabaseURL         string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	AuthSecret          string
	AdminSecret         string
	StagingTTLMinutes   int
	InvoicePrefix       string
	LedgerRetention     int
	SeedDefaultProducts bool
	LogLevel            string
	LogFormat           string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	stagingTTL, err := strconv.Atoi(getEnv("STAGING_TTL_MINUTES", "10"))
	if err != nil || stagingTTL < 1 {
		stagingTTL = 10
	}
	retention, err := strconv.Atoi(getEnv("LEDGER_RETENTION", "5000"))
	if err != nil || retention < 1 {
		retention = 5000
	}
	seed, err := strconv.ParseBool(getEnv("SEED_DEFAULT_PRODUCTS", "true"))
	if err != nil {
		seed = true
	}

	return Config{
		Port:                getEnv("PORT", "8080"),
		AllowedOrigin:       getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             redisDB,
		AuthSecret:          strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AdminSecret:         strings.TrimSpace(os.Getenv("ADMIN_SECRET")),
		StagingTTLMinutes:   stagingTTL,
		InvoicePrefix:       strings.ToUpper(strings.TrimSpace(getEnv("INVOICE_PREFIX", "EVR"))),
		LedgerRetention:     retention,
		SeedDefaultProducts: seed,
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// NewLogger builds the process logger. JSON is the default; "text" is meant for
// local terminals. An unknown level falls back to info.
func NewLogger(level string, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
