package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string
	RedisURL    string

	// Token verification
	VerifyMode         string
	TokenInfoURL       string
	AllowedDomain      string
	AllowedEmails      []string
	TokenCacheTTL      time.Duration
	TokenVerifyTimeout time.Duration

	// Push messaging
	PushEnabled     bool
	PushDryRun      bool
	PushEndpoint    string
	PushAccessToken string
	FormBaseURL     string

	// Operational
	MaintenanceMode bool
	AllowedOrigins  []string
	LockTimeout     time.Duration
}

func Load() Config {
	return Config{
		Addr:        getenv("API_ADDR", ":8787"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		RedisURL:    getenv("REDIS_URL", ""),

		VerifyMode:         getenv("IDTOKEN_VERIFY_MODE", "tokeninfo"),
		TokenInfoURL:       getenv("IDTOKEN_INFO_URL", "https://oauth2.googleapis.com/tokeninfo"),
		AllowedDomain:      strings.ToLower(getenv("ADMIN_ALLOWED_DOMAIN", "")),
		AllowedEmails:      getenvCSV("ADMIN_ALLOWED_EMAILS"),
		TokenCacheTTL:      time.Duration(getenvInt("IDTOKEN_CACHE_TTL_SECONDS", 300)) * time.Second,
		TokenVerifyTimeout: time.Duration(getenvInt("IDTOKEN_HTTP_TIMEOUT_SECONDS", 10)) * time.Second,

		PushEnabled:     getenvBool("PUSH_ENABLED", false),
		PushDryRun:      getenvBool("PUSH_DRY_RUN", true),
		PushEndpoint:    getenv("PUSH_ENDPOINT", "https://api.line.me/v2/bot/message/push"),
		PushAccessToken: getenv("PUSH_ACCESS_TOKEN", ""),
		FormBaseURL:     getenv("FORM_BASE_URL", ""),

		MaintenanceMode: getenvBool("MAINTENANCE_MODE", false),
		AllowedOrigins:  getenvCSV("ALLOWED_ORIGINS"),
		LockTimeout:     time.Duration(getenvInt("DRAFT_LOCK_TIMEOUT_SECONDS", 30)) * time.Second,
	}
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

func getenvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	return value == "true" || value == "1" || value == "yes"
}

func getenvCSV(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}
