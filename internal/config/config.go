package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Gemini      GeminiConfig              `json:"gemini"`
	Stripe      StripeConfig              `json:"stripe"`
	RateLimit   RateLimitConfig           `json:"rate_limit"`
}

type BasicConfig struct {
	ServerAddress          string `json:"server_address"`
	SiteURL                string `json:"site_url"`
	AnalysisTimeoutSeconds int    `json:"analysis_timeout_seconds"`
	MaxConcurrentAnalyses  int    `json:"max_concurrent_analyses"`
	AnalysisQueueSize      int    `json:"analysis_queue_size"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type GeminiConfig struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

type StripeConfig struct {
	SecretKey     string `json:"secret_key"`
	WebhookSecret string `json:"webhook_secret"`
	PriceID       string `json:"price_id"`
}

type RateLimitConfig struct {
	BurstLimit         int `json:"burst_limit"`
	BurstWindowMinutes int `json:"burst_window_minutes"`
	DailyLimit         int `json:"daily_limit"`
	DailyWindowHours   int `json:"daily_window_hours"`
}

// Load reads configuration from the provided path (defaults to
// config.json) and applies secret overrides from the environment. A .env
// file in the working directory is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnvOverrides lets secrets come from the environment so the config
// file can be committed without credentials.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CLAIMCARE_GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("CLAIMCARE_STRIPE_SECRET_KEY"); v != "" {
		c.Stripe.SecretKey = v
	}
	if v := os.Getenv("CLAIMCARE_STRIPE_WEBHOOK_SECRET"); v != "" {
		c.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("CLAIMCARE_STRIPE_PRICE_ID"); v != "" {
		c.Stripe.PriceID = v
	}
	if v := os.Getenv("CLAIMCARE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8080"
	}
	if c.BasicConfig.AnalysisTimeoutSeconds <= 0 {
		c.BasicConfig.AnalysisTimeoutSeconds = 90
	}
	if c.BasicConfig.MaxConcurrentAnalyses <= 0 {
		c.BasicConfig.MaxConcurrentAnalyses = 4
	}
	if c.BasicConfig.AnalysisQueueSize <= 0 {
		c.BasicConfig.AnalysisQueueSize = 16
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.5-flash"
	}
	if c.RateLimit.BurstLimit <= 0 {
		c.RateLimit.BurstLimit = 3
	}
	if c.RateLimit.BurstWindowMinutes <= 0 {
		c.RateLimit.BurstWindowMinutes = 15
	}
	if c.RateLimit.DailyLimit <= 0 {
		c.RateLimit.DailyLimit = 15
	}
	if c.RateLimit.DailyWindowHours <= 0 {
		c.RateLimit.DailyWindowHours = 24
	}
}
