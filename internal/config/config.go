package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	JWTSecret     string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	MigrationsDir string
	CORSOrigin    string
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Redis - preferred backend for browsing sessions
	RedisURL string
	// Completion service (DeepSeek, OpenAI-compatible wire format)
	DeepSeekAPIKey     string
	DeepSeekBaseURL    string
	DeepSeekModel      string
	AIReplyProbability float64
	AIReplyTimeout     time.Duration
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":"+getenv("PORT", "3001")),
		DatabaseURL:   databaseURL(),
		JWTSecret:     getenv("WIKIFEEDIA_JWT_SECRET", "wikifeedia-dev-secret"),
		AccessTTL:     time.Duration(getenvInt("WIKIFEEDIA_ACCESS_TTL_SECONDS", 900)) * time.Second,
		RefreshTTL:    time.Duration(getenvInt("WIKIFEEDIA_REFRESH_TTL_SECONDS", 2592000)) * time.Second,
		MigrationsDir: getenv("WIKIFEEDIA_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:    getenv("WIKIFEEDIA_CORS_ORIGIN", "*"),
		// Meilisearch - empty URL means Postgres-only search
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		// Empty URL means refresh tokens live in Postgres
		RedisURL: getenv("REDIS_URL", ""),
		// Empty key disables AI replies and post generation, nothing else
		DeepSeekAPIKey:     getenv("DEEPSEEK_API_KEY", ""),
		DeepSeekBaseURL:    getenv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
		DeepSeekModel:      getenv("DEEPSEEK_MODEL", "deepseek-chat"),
		AIReplyProbability: getenvFloat("WIKIFEEDIA_AI_REPLY_PROBABILITY", 0.3),
		AIReplyTimeout:     time.Duration(getenvInt("WIKIFEEDIA_AI_REPLY_TIMEOUT_SECONDS", 30)) * time.Second,
	}
}

// databaseURL honors DATABASE_URL when set, otherwise composes one from the
// discrete DB_* variables.
func databaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		getenv("DB_USER", "wikifeedia_user"),
		getenv("DB_PASSWORD", "changeme"),
		getenv("DB_HOST", "localhost"),
		getenv("DB_PORT", "5432"),
		getenv("DB_NAME", "wikifeedia"),
	)
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
