package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ResultsBackendFile   = "file"
	ResultsBackendSQLite = "sqlite"
	ResultsBackendRedis  = "redis"
)

type Config struct {
	BaseURL            string
	ServerAddr         string
	LogLevel           string
	DatabasePath       string
	EventConfigPath    string
	ResultsBackend     string
	ResultsPath        string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisKey           string
	StravaClientID     string
	StravaClientSecret string
	StravaBaseURL      string
	StravaAuthBaseURL  string
	StravaRedirectURL  string
	StravaTimeout      time.Duration
	StravaMaxAttempts  int
	StravaPageSize     int
	SyncConcurrency    int
	SessionSecret      string
	LeaderboardTTL     time.Duration
	LeaderboardStale   time.Duration
	OTELEnabled        bool
	OTELSampleRatio    float64
}

func Load(path string) (Config, error) {
	cfg := Config{
		ServerAddr:        ":8080",
		LogLevel:          "info",
		ResultsBackend:    ResultsBackendFile,
		RedisKey:          "bunnyhop:results",
		StravaBaseURL:     "https://www.strava.com/api/v3",
		StravaAuthBaseURL: "https://www.strava.com",
		StravaTimeout:     15 * time.Second,
		StravaMaxAttempts: 3,
		StravaPageSize:    100,
		SyncConcurrency:   4,
		LeaderboardTTL:    30 * time.Second,
		LeaderboardStale:  60 * time.Second,
		OTELSampleRatio:   0.1,
	}

	if path != "" {
		if err := loadDotEnv(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	cfg.ServerAddr = getenv("SERVER_ADDR", cfg.ServerAddr)
	cfg.LogLevel = strings.ToLower(getenv("LOG_LEVEL", cfg.LogLevel))
	cfg.DatabasePath = getenv("DATABASE_PATH", "bunnyhop.db")
	cfg.EventConfigPath = getenv("EVENT_CONFIG_PATH", "event.yaml")
	cfg.ResultsBackend = strings.ToLower(getenv("RESULTS_BACKEND", cfg.ResultsBackend))
	cfg.ResultsPath = getenv("RESULTS_PATH", "data/results.json")
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisKey = getenv("REDIS_KEY", cfg.RedisKey)
	cfg.StravaClientID = os.Getenv("STRAVA_CLIENT_ID")
	cfg.StravaClientSecret = os.Getenv("STRAVA_CLIENT_SECRET")
	cfg.StravaBaseURL = getenv("STRAVA_BASE_URL", cfg.StravaBaseURL)
	cfg.StravaAuthBaseURL = getenv("STRAVA_AUTH_BASE_URL", cfg.StravaAuthBaseURL)
	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.BaseURL != "" {
		cfg.StravaRedirectURL = joinURL(cfg.BaseURL, "/connect/strava/callback")
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		if err := parseInt(&cfg.RedisDB, v); err != nil {
			return Config{}, fmt.Errorf("REDIS_DB: %w", err)
		}
	}
	if v := os.Getenv("STRAVA_TIMEOUT_SECONDS"); v != "" {
		if err := parseSeconds(&cfg.StravaTimeout, v); err != nil {
			return Config{}, fmt.Errorf("STRAVA_TIMEOUT_SECONDS: %w", err)
		}
	}
	if v := os.Getenv("STRAVA_MAX_ATTEMPTS"); v != "" {
		if err := parseInt(&cfg.StravaMaxAttempts, v); err != nil {
			return Config{}, fmt.Errorf("STRAVA_MAX_ATTEMPTS: %w", err)
		}
	}
	if v := os.Getenv("STRAVA_PAGE_SIZE"); v != "" {
		if err := parseInt(&cfg.StravaPageSize, v); err != nil {
			return Config{}, fmt.Errorf("STRAVA_PAGE_SIZE: %w", err)
		}
	}
	if v := os.Getenv("SYNC_CONCURRENCY"); v != "" {
		if err := parseInt(&cfg.SyncConcurrency, v); err != nil {
			return Config{}, fmt.Errorf("SYNC_CONCURRENCY: %w", err)
		}
	}
	if v := os.Getenv("LEADERBOARD_TTL_SECONDS"); v != "" {
		if err := parseSeconds(&cfg.LeaderboardTTL, v); err != nil {
			return Config{}, fmt.Errorf("LEADERBOARD_TTL_SECONDS: %w", err)
		}
	}
	if v := os.Getenv("LEADERBOARD_STALE_SECONDS"); v != "" {
		if err := parseSeconds(&cfg.LeaderboardStale, v); err != nil {
			return Config{}, fmt.Errorf("LEADERBOARD_STALE_SECONDS: %w", err)
		}
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		if err := parseBool(&cfg.OTELEnabled, v); err != nil {
			return Config{}, fmt.Errorf("OTEL_ENABLED: %w", err)
		}
	}
	if v := os.Getenv("OTEL_SAMPLE_RATIO"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("OTEL_SAMPLE_RATIO: %w", err)
		}
		cfg.OTELSampleRatio = parsed
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.ResultsBackend {
	case ResultsBackendFile, ResultsBackendSQLite, ResultsBackendRedis:
	default:
		return fmt.Errorf("RESULTS_BACKEND: unknown backend %q", c.ResultsBackend)
	}
	if c.StravaPageSize <= 0 || c.StravaPageSize > 200 {
		return fmt.Errorf("STRAVA_PAGE_SIZE: must be between 1 and 200, got %d", c.StravaPageSize)
	}
	if c.StravaMaxAttempts <= 0 {
		return fmt.Errorf("STRAVA_MAX_ATTEMPTS: must be positive, got %d", c.StravaMaxAttempts)
	}
	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("SYNC_CONCURRENCY: must be positive, got %d", c.SyncConcurrency)
	}
	return nil
}

func loadDotEnv(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		_ = os.Setenv(key, strings.Trim(value, `"`))
	}

	return scanner.Err()
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseInt(target *int, value string) error {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}

func parseSeconds(target *time.Duration, value string) error {
	var seconds int
	if err := parseInt(&seconds, value); err != nil {
		return err
	}
	if seconds < 0 {
		return fmt.Errorf("negative duration %d", seconds)
	}
	*target = time.Duration(seconds) * time.Second
	return nil
}

func parseBool(target *bool, value string) error {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}

func joinURL(base, path string) string {
	if base == "" {
		return ""
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
