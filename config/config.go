package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bitvavoflow/internal/symbols"
)

const defaultConfigPath = "config/config.yml"

type Config struct {
	Bitvavoflow BitvavoflowConfig `yaml:"bitvavoflow"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Reader      ReaderConfig      `yaml:"reader"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Writer      WriterConfig      `yaml:"writer"`
	Source      SourceConfig      `yaml:"source"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type BitvavoflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ChannelsConfig struct {
	RawBuffer       int `yaml:"raw_buffer"`
	ProcessedBuffer int `yaml:"processed_buffer"`
}

type ReaderConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
}

type ProcessorConfig struct {
	MaxWorkers   int           `yaml:"max_workers"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type WriterConfig struct {
	Buffer       BufferConfig       `yaml:"buffer"`
	Partitioning PartitioningConfig `yaml:"partitioning"`
}

type BufferConfig struct {
	MaxSize            int           `yaml:"max_size"`
	QuoteFlushInterval time.Duration `yaml:"quote_flush_interval"`
	TradeFlushInterval time.Duration `yaml:"trade_flush_interval"`
}

type PartitioningConfig struct {
	TimeFormat     string   `yaml:"time_format"`
	AdditionalKeys []string `yaml:"additional_keys"`
}

type SourceConfig struct {
	Bitvavo BitvavoSourceConfig `yaml:"bitvavo"`
}

// BitvavoSourceConfig describes the websocket endpoint and the markets to
// subscribe on startup.
type BitvavoSourceConfig struct {
	Host          string        `yaml:"host"`
	Port          string        `yaml:"port"`
	Path          string        `yaml:"path"`
	LocalIP       string        `yaml:"local_ip"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	OverlapPolicy string        `yaml:"overlap_policy"`
	TickerMarkets []string      `yaml:"ticker_markets"`
	TradeMarkets  []string      `yaml:"trades_markets"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	CloudWatch    bool   `yaml:"cloudwatch"`
	Namespace     string `yaml:"namespace"`
	DashboardName string `yaml:"dashboard_name"`
}

// ResolvePath picks the config file for the current APP_ENV when the caller
// did not ask for a specific one.
func ResolvePath(path string) string {
	return resolveEnvSpecificPath(path, defaultConfigPath, map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})
}

func defaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{Listen: "0.0.0.0:2112"},
		Channels: ChannelsConfig{
			RawBuffer:       1024,
			ProcessedBuffer: 64,
		},
		Reader: ReaderConfig{
			Timeout:   10 * time.Second,
			RateLimit: RateLimitConfig{RequestsPerSecond: 5, BurstSize: 5},
			Retry: RetryConfig{
				BaseDelay:         time.Second,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Processor: ProcessorConfig{
			MaxWorkers:   1,
			BatchSize:    500,
			BatchTimeout: 5 * time.Second,
		},
		Writer: WriterConfig{
			Buffer: BufferConfig{
				QuoteFlushInterval: time.Minute,
				TradeFlushInterval: time.Minute,
			},
			Partitioning: PartitioningConfig{
				TimeFormat:     "year={year}/month={month}/day={day}/hour={hour}",
				AdditionalKeys: []string{"exchange", "market"},
			},
		},
		Source: SourceConfig{
			Bitvavo: BitvavoSourceConfig{
				Host:          "ws.bitvavo.com",
				Port:          "443",
				Path:          "/v2/",
				OverlapPolicy: "queue",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("BITVAVO_WS_HOST"); v != "" {
		config.Source.Bitvavo.Host = strings.TrimSpace(v)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Bitvavoflow.Name == "" {
		return fmt.Errorf("bitvavoflow.name is required")
	}

	if cfg.Bitvavoflow.Version == "" {
		return fmt.Errorf("bitvavoflow.version is required")
	}

	src := cfg.Source.Bitvavo
	if src.Host == "" || src.Port == "" {
		return fmt.Errorf("source.bitvavo.host and source.bitvavo.port are required")
	}
	if !strings.HasPrefix(src.Path, "/") {
		return fmt.Errorf("source.bitvavo.path must start with '/'")
	}
	switch src.OverlapPolicy {
	case "", "queue", "overwrite", "reject":
	default:
		return fmt.Errorf("source.bitvavo.overlap_policy '%s' is invalid", src.OverlapPolicy)
	}
	if len(src.TickerMarkets) == 0 && len(src.TradeMarkets) == 0 {
		return fmt.Errorf("at least one of source.bitvavo.ticker_markets or source.bitvavo.trades_markets is required")
	}
	tickers, err := symbols.NormalizeAll(src.TickerMarkets)
	if err != nil {
		return fmt.Errorf("source.bitvavo.ticker_markets: %w", err)
	}
	trades, err := symbols.NormalizeAll(src.TradeMarkets)
	if err != nil {
		return fmt.Errorf("source.bitvavo.trades_markets: %w", err)
	}
	cfg.Source.Bitvavo.TickerMarkets = tickers
	cfg.Source.Bitvavo.TradeMarkets = trades

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.ProcessedBuffer <= 0 {
		return fmt.Errorf("channels.processed_buffer must be greater than 0")
	}

	if cfg.Reader.Timeout <= 0 {
		return fmt.Errorf("reader.timeout must be greater than 0")
	}
	if cfg.Reader.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("reader.rate_limit.requests_per_second must be greater than 0")
	}

	if cfg.Processor.MaxWorkers <= 0 {
		return fmt.Errorf("processor.max_workers must be greater than 0")
	}
	if cfg.Processor.BatchSize <= 0 {
		return fmt.Errorf("processor.batch_size must be greater than 0")
	}
	if cfg.Processor.BatchTimeout <= 0 {
		return fmt.Errorf("processor.batch_timeout must be greater than 0")
	}

	if cfg.Writer.Buffer.QuoteFlushInterval <= 0 {
		return fmt.Errorf("writer.buffer.quote_flush_interval must be greater than 0")
	}
	if cfg.Writer.Buffer.TradeFlushInterval <= 0 {
		return fmt.Errorf("writer.buffer.trade_flush_interval must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
