package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Upstream
	UpstreamBaseURL string
	AuthToken       string
	UpstreamRate    float64
	UpstreamBurst   int

	// Timeout（エンドポイント種別ごと）
	FeedTimeout     time.Duration
	PostTimeout     time.Duration
	CommentsTimeout time.Duration
	WriteTimeout    time.Duration

	// Cache
	ListTTL   time.Duration
	DetailTTL time.Duration

	// Feed
	PageSize     int
	PollInterval time.Duration

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.UpstreamBaseURL = os.Getenv("UPSTREAM_BASE_URL")
	if cfg.UpstreamBaseURL == "" {
		missing = append(missing, "UPSTREAM_BASE_URL")
	}

	cfg.AuthToken = os.Getenv("AUTH_TOKEN")
	if cfg.AuthToken == "" {
		missing = append(missing, "AUTH_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.UpstreamRate = getEnvFloat("UPSTREAM_RATE", 5)
	cfg.UpstreamBurst = getEnvInt("UPSTREAM_BURST", 10)
	cfg.FeedTimeout = getEnvDuration("FEED_TIMEOUT", 15*time.Second)
	cfg.PostTimeout = getEnvDuration("POST_TIMEOUT", 10*time.Second)
	cfg.CommentsTimeout = getEnvDuration("COMMENTS_TIMEOUT", 25*time.Second)
	cfg.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", 15*time.Second)
	cfg.ListTTL = getEnvDuration("LIST_TTL", 2*time.Minute)
	cfg.DetailTTL = getEnvDuration("DETAIL_TTL", 5*time.Minute)
	cfg.PageSize = getEnvInt("PAGE_SIZE", 20)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", 2*time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
