package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up when no -config flag is given.
const DefaultPath = "config/config.yml"

type Config struct {
	App     AppConfig     `yaml:"app"`
	API     APIConfig     `yaml:"api"`
	Refresh RefreshConfig `yaml:"refresh"`
	Cache   CacheConfig   `yaml:"cache"`
	Fetcher FetcherConfig `yaml:"fetcher"`
	Source  SourceConfig  `yaml:"source"`
	History HistoryConfig `yaml:"history"`
	Publish PublishConfig `yaml:"publish"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
	Symbols SymbolsConfig `yaml:"symbols"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type APIConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StreamPoll      time.Duration `yaml:"stream_poll"`
}

// Address returns the host:port pair the API listens on.
func (c APIConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type RefreshConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type SymbolsConfig struct {
	Default string `yaml:"default"`
}

type FetcherConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	HistoryLimit int           `yaml:"history_limit"`
	UserAgent    string        `yaml:"user_agent"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type VenueConfig struct {
	URL            string               `yaml:"url"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type SourceConfig struct {
	Binance VenueConfig `yaml:"binance"`
	Bybit   VenueConfig `yaml:"bybit"`
	Okx     VenueConfig `yaml:"okx"`
}

type HistoryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Dir         string        `yaml:"dir"`
	Window      time.Duration `yaml:"window"`
	Compression string        `yaml:"compression"`
	S3          S3Config      `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type PublishConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used when neither a file nor environment
// variables override a value.
func Default() Config {
	return Config{
		App: AppConfig{Name: "fundingflow", Version: "1.0.0"},
		API: APIConfig{
			Host:            "127.0.0.1",
			Port:            8765,
			ShutdownTimeout: 5 * time.Second,
			StreamPoll:      time.Second,
		},
		Refresh: RefreshConfig{Interval: 15 * time.Second},
		Cache:   CacheConfig{TTL: 15 * time.Second},
		Symbols: SymbolsConfig{Default: "BTCUSDT"},
		Fetcher: FetcherConfig{
			Timeout:      10 * time.Second,
			HistoryLimit: 50,
			UserAgent:    "fundingflow/1.0",
		},
		Source: SourceConfig{
			Binance: VenueConfig{
				URL:       "https://fapi.binance.com",
				RateLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
			},
			Bybit: VenueConfig{
				URL:       "https://api.bybit.com",
				RateLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
			},
			Okx: VenueConfig{
				URL:       "https://www.okx.com",
				RateLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
			},
		},
		History: HistoryConfig{
			Enabled:     true,
			Dir:         "data",
			Window:      8 * time.Hour,
			Compression: "snappy",
		},
		Publish: PublishConfig{
			Kafka: KafkaConfig{Topic: "funding-rates", WriteTimeout: 5 * time.Second},
		},
		Metrics: MetricsConfig{
			Prometheus: true,
			CloudWatch: CloudWatchConfig{Namespace: "FundingFlow"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path, then
// the environment. A missing file is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	optional := path == "" || path == DefaultPath
	path = resolveEnvSpecificPath(path, DefaultPath, map[string]string{
		EnvironmentProduction: "config/config.production.yml",
		EnvironmentStaging:    "config/config.staging.yml",
	})

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && optional:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	cfg.Symbols.Default = strings.ToUpper(strings.TrimSpace(cfg.Symbols.Default))
	cfg.History.S3.Bucket = strings.TrimSpace(cfg.History.S3.Bucket)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("FUNDING_API_HOST"); v != "" {
		cfg.API.Host = strings.TrimSpace(v)
	}
	if v := os.Getenv("FUNDING_API_PORT"); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("FUNDING_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}
	if v := os.Getenv("REFRESH_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("REFRESH_INTERVAL_SEC: %w", err)
		}
		cfg.Refresh.Interval = time.Duration(sec) * time.Second
	}
	if v := os.Getenv("FUNDING_CACHE_TTL_MS"); v != "" {
		ms, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("FUNDING_CACHE_TTL_MS: %w", err)
		}
		cfg.Cache.TTL = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("DEFAULT_SYMBOL"); v != "" {
		cfg.Symbols.Default = v
	}
	if v := os.Getenv("PARQUET_DIR"); v != "" {
		cfg.History.Dir = strings.TrimSpace(v)
	}
	if v := os.Getenv("FUNDING_INTERVAL_HOURS"); v != "" {
		h, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("FUNDING_INTERVAL_HOURS: %w", err)
		}
		cfg.History.Window = time.Duration(h) * time.Hour
	}
	if v := os.Getenv("HISTORY_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("HISTORY_ENABLED: %w", err)
		}
		cfg.History.Enabled = enabled
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Publish.Kafka.Brokers = brokers
	}

	// S3 mirror credentials follow the usual AWS variables.
	if cfg.History.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.History.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.History.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.History.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.History.S3.Bucket = strings.TrimSpace(v)
		}
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}
	if cfg.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be greater than 0")
	}
	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than 0")
	}
	if cfg.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be greater than 0")
	}
	if cfg.Fetcher.HistoryLimit <= 0 {
		return fmt.Errorf("fetcher.history_limit must be greater than 0")
	}
	if !validSymbol(cfg.Symbols.Default) {
		return fmt.Errorf("symbols.default '%s' is invalid", cfg.Symbols.Default)
	}

	if cfg.History.Enabled {
		if cfg.History.Dir == "" {
			return fmt.Errorf("history.dir is required when history is enabled")
		}
		if cfg.History.Window <= 0 {
			return fmt.Errorf("history.window must be greater than 0")
		}
	}

	if cfg.History.S3.Enabled {
		if cfg.History.S3.Bucket == "" {
			return fmt.Errorf("history.s3.bucket is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.History.S3.Bucket) {
			return fmt.Errorf("history.s3.bucket '%s' is not a valid bucket name", cfg.History.S3.Bucket)
		}
		if cfg.History.S3.Region == "" {
			return fmt.Errorf("history.s3.region is required when S3 is enabled")
		}
	}

	if cfg.Publish.Kafka.Enabled {
		if len(cfg.Publish.Kafka.Brokers) == 0 {
			return fmt.Errorf("publish.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Publish.Kafka.Topic == "" {
			return fmt.Errorf("publish.kafka.topic is required when kafka is enabled")
		}
	}

	return nil
}

func validSymbol(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return true
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
