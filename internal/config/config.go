package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Jira     JiraConfig     `yaml:"jira"`
	Sync     SyncConfig     `yaml:"sync"`
	JWT      JWTConfig      `yaml:"jwt"`
	Security SecurityConfig `yaml:"security"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// JiraConfig holds the provider connection defaults and the fetch tunables.
// BaseURL/Email/APIToken are optional here; credentials connected over the
// API are stored in the database instead.
type JiraConfig struct {
	BaseURL       string `yaml:"base_url"`
	Email         string `yaml:"email"`
	APIToken      string `yaml:"api_token"`
	WebhookSecret string `yaml:"webhook_secret"`

	PageSize              int           `yaml:"page_size"`
	RequestsPerMinute     int           `yaml:"requests_per_minute"`
	MaxRetries            int           `yaml:"max_retries"`
	RateLimitMaxRetries   int           `yaml:"rate_limit_max_retries"`
	BaseRetryDelay        time.Duration `yaml:"base_retry_delay"`
	DefaultRetryAfter     time.Duration `yaml:"default_retry_after"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
}

type SyncConfig struct {
	Cron         string `yaml:"cron"` // empty disables the scheduler
	RunOnConnect bool   `yaml:"run_on_connect"`
	// ProjectConcurrency bounds how many projects of one run are fetched in parallel.
	ProjectConcurrency int `yaml:"project_concurrency"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// OpenAIConfig is the fallback scorer configuration used when no LLMConfig
// row is active in the database.
type OpenAIConfig struct {
	Provider    string  `yaml:"provider"` // openai, azure, anthropic, ollama, gemini
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// RedisConfig for optional async task queue
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console, json
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		// Unmarshal over the defaults so a partial file keeps the rest.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.overrideFromEnv()
	cfg.Jira.applyDefaults()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "issuesentry.db",
		},
		Jira: DefaultJiraConfig(),
		Sync: SyncConfig{
			RunOnConnect:       true,
			ProjectConcurrency: 4,
		},
		JWT: JWTConfig{
			Secret:     "issuesentry-secret-key-change-in-production",
			ExpireHour: 24,
		},
		Security: SecurityConfig{
			EncryptionKey: "issuesentry-encryption-key-change-in-production",
		},
		OpenAI: OpenAIConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   1024,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultJiraConfig returns the fetch tunables used when nothing is configured.
func DefaultJiraConfig() JiraConfig {
	return JiraConfig{
		PageSize:              50,
		RequestsPerMinute:     100,
		MaxRetries:            3,
		RateLimitMaxRetries:   10,
		BaseRetryDelay:        time.Second,
		DefaultRetryAfter:     5 * time.Second,
		MaxConcurrentRequests: 10,
		RequestTimeout:        30 * time.Second,
	}
}

// applyDefaults replaces zero or negative tunables with their defaults.
func (j *JiraConfig) applyDefaults() {
	d := DefaultJiraConfig()
	if j.PageSize <= 0 {
		j.PageSize = d.PageSize
	}
	if j.RequestsPerMinute <= 0 {
		j.RequestsPerMinute = d.RequestsPerMinute
	}
	if j.MaxRetries <= 0 {
		j.MaxRetries = d.MaxRetries
	}
	if j.RateLimitMaxRetries <= 0 {
		j.RateLimitMaxRetries = d.RateLimitMaxRetries
	}
	if j.BaseRetryDelay <= 0 {
		j.BaseRetryDelay = d.BaseRetryDelay
	}
	if j.DefaultRetryAfter <= 0 {
		j.DefaultRetryAfter = d.DefaultRetryAfter
	}
	if j.MaxConcurrentRequests <= 0 {
		j.MaxConcurrentRequests = d.MaxConcurrentRequests
	}
	if j.RequestTimeout <= 0 {
		j.RequestTimeout = d.RequestTimeout
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if baseURL := os.Getenv("JIRA_BASE_URL"); baseURL != "" {
		c.Jira.BaseURL = baseURL
	}
	if email := os.Getenv("JIRA_EMAIL"); email != "" {
		c.Jira.Email = email
	}
	if token := os.Getenv("JIRA_API_TOKEN"); token != "" {
		c.Jira.APIToken = token
	}
	if secret := os.Getenv("JIRA_WEBHOOK_SECRET"); secret != "" {
		c.Jira.WebhookSecret = secret
	}
	if rpm := envInt("JIRA_REQUESTS_PER_MINUTE"); rpm > 0 {
		c.Jira.RequestsPerMinute = rpm
	}
	if retries := envInt("JIRA_MAX_RETRIES"); retries > 0 {
		c.Jira.MaxRetries = retries
	}
	if expr := os.Getenv("SYNC_CRON"); expr != "" {
		c.Sync.Cron = expr
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		c.Security.EncryptionKey = key
	}
	if provider := os.Getenv("AI_PROVIDER"); provider != "" {
		c.OpenAI.Provider = provider
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		c.OpenAI.BaseURL = baseURL
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		c.OpenAI.APIKey = apiKey
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		c.OpenAI.Model = model
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// Password format: :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
