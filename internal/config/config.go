package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTP     HTTPConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Luxand   LuxandConfig
	Matching MatchingConfig
	Auth     AuthConfig
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string // CORS allow-list, empty allows only localhost
}

type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int // default 10
	MaxIdleConns int // default 5
}

type RedisConfig struct {
	Addr     string // empty disables the verification cache
	Password string
}

type LuxandConfig struct {
	URL           string
	Token         string
	Timeout       time.Duration
	RetryAttempts int
}

type MatchingConfig struct {
	MinConfidence float64 // 0 disables the threshold
	CacheTTL      time.Duration
}

type AuthConfig struct {
	JWTSecret   string // empty disables bearer auth
	JWTAudience string
}

// Enabled reports whether bearer authentication is configured.
func (c AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

const defaultDSN = "host=postgres user=postgres password=postgres dbname=faceid port=5432 sslmode=disable"

func Load() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            envString("HTTP_ADDR", ":8080"),
			ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
			AllowedOrigins:  envList("CORS_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			DSN:          envString("DATABASE_DSN", defaultDSN),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Luxand: LuxandConfig{
			URL:           envString("LUXAND_API_URL", "https://api.luxand.cloud"),
			Token:         strings.TrimSpace(os.Getenv("LUXAND_API_TOKEN")),
			Timeout:       envDuration("LUXAND_TIMEOUT", 30*time.Second),
			RetryAttempts: envInt("LUXAND_RETRY_ATTEMPTS", 2),
		},
		Matching: MatchingConfig{
			MinConfidence: envFloat("MATCH_MIN_CONFIDENCE", 0),
			CacheTTL:      envDuration("VERIFICATION_CACHE_TTL", 5*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret:   strings.TrimSpace(os.Getenv("JWT_SECRET")),
			JWTAudience: strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
		},
	}
}

// Validate reports every required setting that is missing or out of range.
func (c *Config) Validate() error {
	var errs []error
	if c.Luxand.Token == "" {
		errs = append(errs, errors.New("LUXAND_API_TOKEN is required"))
	}
	if c.Luxand.URL == "" {
		errs = append(errs, errors.New("LUXAND_API_URL is required"))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN is required"))
	}
	if c.Matching.MinConfidence < 0 || c.Matching.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("MATCH_MIN_CONFIDENCE must be within [0,1], got %v", c.Matching.MinConfidence))
	}
	return errors.Join(errs...)
}

func envString(key, defaultVal string) string {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		return s
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envDuration accepts Go duration strings ("30s", "5m").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
