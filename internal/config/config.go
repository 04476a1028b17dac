package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	NATS          NATSConfig          `mapstructure:"nats"`
	OpenAI        OpenAIConfig        `mapstructure:"openai"`
	Filter        FilterConfig        `mapstructure:"filter"`
	Summarization SummarizationConfig `mapstructure:"summarization"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Maintenance   MaintenanceConfig   `mapstructure:"maintenance"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Log           LogConfig           `mapstructure:"log"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins string   `mapstructure:"cors_origins"`
	IngestRate  int      `mapstructure:"ingest_rate"` // requests per minute per device
	SourceApps  []string `mapstructure:"source_apps"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig is optional; an empty address disables the shared verdict cache.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig is optional; an empty URL disables event publishing.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// Input budget for the conversation part of the prompt.
	MaxInputTokens int `mapstructure:"max_input_tokens"`
}

type FilterConfig struct {
	ExtraKeywords     []string      `mapstructure:"extra_keywords"`
	ClassifierEnabled bool          `mapstructure:"classifier_enabled"`
	ClassifierModel   string        `mapstructure:"classifier_model"`
	ClassifierTimeout time.Duration `mapstructure:"classifier_timeout"`
	Threshold         float64       `mapstructure:"threshold"`
	Concurrency       int           `mapstructure:"concurrency"`
	VerdictTTL        time.Duration `mapstructure:"verdict_ttl"`
}

type SummarizationConfig struct {
	BucketSize  time.Duration `mapstructure:"bucket_size"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	MinMessages int           `mapstructure:"min_messages"`
	// Windows older than this are summarized regardless of MinMessages; zero disables.
	StragglerFlushAfter time.Duration `mapstructure:"straggler_flush_after"`
	DetectLanguage      bool          `mapstructure:"detect_language"`
}

type QueueConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	NotifyChannel     string        `mapstructure:"notify_channel"`
}

type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
}

type MaintenanceConfig struct {
	RescanSchedule string        `mapstructure:"rescan_schedule"`
	RescanLookback time.Duration `mapstructure:"rescan_lookback"`
	ReapSchedule   string        `mapstructure:"reap_schedule"`
	MetricsFlush   string        `mapstructure:"metrics_flush"`
}

type AuthConfig struct {
	DeviceTokenSalt      string        `mapstructure:"device_token_salt"`
	JWTSecret            string        `mapstructure:"jwt_secret"`
	OperatorUsername     string        `mapstructure:"operator_username"`
	OperatorPasswordHash string        `mapstructure:"operator_password_hash"`
	OperatorTokenTTL     time.Duration `mapstructure:"operator_token_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads .env, the optional config.json and WHADGEST_* environment overrides.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if homeDir, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(homeDir, ".whadgest"))
	}

	v.SetEnvPrefix("WHADGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	loadEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.cors_origins", "*")
	v.SetDefault("server.ingest_rate", 60)
	v.SetDefault("server.source_apps", []string{"com.whatsapp", "com.whatsapp.w4b"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "whadgest")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "whadgest")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "whadgest.summaries.created")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 1000)
	v.SetDefault("openai.temperature", 0.3)
	v.SetDefault("openai.timeout", "60s")
	v.SetDefault("openai.max_input_tokens", 12000)

	v.SetDefault("filter.extra_keywords", []string{})
	v.SetDefault("filter.classifier_enabled", false)
	v.SetDefault("filter.classifier_model", "gpt-4o-mini")
	v.SetDefault("filter.classifier_timeout", "5s")
	v.SetDefault("filter.threshold", 0.7)
	v.SetDefault("filter.concurrency", 4)
	v.SetDefault("filter.verdict_ttl", "24h")

	v.SetDefault("summarization.bucket_size", "1h")
	v.SetDefault("summarization.grace_period", "5m")
	v.SetDefault("summarization.min_messages", 5)
	v.SetDefault("summarization.straggler_flush_after", "0s")
	v.SetDefault("summarization.detect_language", true)

	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", "2s")
	v.SetDefault("queue.visibility_timeout", "5m")
	v.SetDefault("queue.notify_channel", "summary_jobs")

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("worker.job_timeout", "3m")

	v.SetDefault("maintenance.rescan_schedule", "@every 15m")
	v.SetDefault("maintenance.rescan_lookback", "48h")
	v.SetDefault("maintenance.reap_schedule", "@every 1m")
	v.SetDefault("maintenance.metrics_flush", "@every 10m")

	v.SetDefault("auth.device_token_salt", "whadgest_dev_salt_change_in_prod")
	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("auth.operator_username", "admin")
	v.SetDefault("auth.operator_password_hash", "")
	v.SetDefault("auth.operator_token_ttl", "1h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func loadEnvOverrides(cfg *Config) {
	// Conventional names used by the deployment images.
	if dbHost := os.Getenv("POSTGRES_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbUser := os.Getenv("POSTGRES_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPass := os.Getenv("POSTGRES_PASSWORD"); dbPass != "" {
		cfg.Database.Password = dbPass
	}
	if dbName := os.Getenv("POSTGRES_DB"); dbName != "" {
		cfg.Database.Database = dbName
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = key
	}
}
