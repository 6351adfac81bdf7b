package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"SignalDesk/pkg/backoff"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" default:"development"`
	Server      struct {
		Host            string        `yaml:"host" default:"0.0.0.0"`
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		CORS            bool          `yaml:"cors" default:"true"`
		// RunRateLimit is the token bucket for POST /api/automation/run per client.
		RunRateLimit struct {
			Capacity     float64 `yaml:"capacity" default:"3"`
			RefillPerSec float64 `yaml:"refill_per_sec" default:"0.2"`
		} `yaml:"run_rate_limit"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Log struct {
		Level     string `yaml:"level" default:"info"`
		Format    string `yaml:"format" default:"console"`
		Output    string `yaml:"output" default:"stdout"`
		Debug     bool   `yaml:"debug"`
		Collector struct {
			Enabled   bool          `yaml:"enabled"`
			Topic     string        `yaml:"topic" default:"signaldesk.logs"`
			Interval  time.Duration `yaml:"interval" default:"30s"`
			Threshold int           `yaml:"threshold" default:"100"`
		} `yaml:"collector"`
	} `yaml:"log"`
	Automation struct {
		// Interval between runs; zero runs once and exits.
		Interval     time.Duration `yaml:"interval"`
		StaleAfter   time.Duration `yaml:"stale_after" default:"5m"`
		PriceTimeout time.Duration `yaml:"price_timeout" default:"3s"`
		StoreTimeout time.Duration `yaml:"store_timeout" default:"10s"`
		Workers      int           `yaml:"workers" default:"1"`
		CloseLockTTL time.Duration `yaml:"close_lock_ttl" default:"30s"`
		Watchlist    []string      `yaml:"watchlist"`
	} `yaml:"automation"`
	Feed struct {
		Push struct {
			Enabled      bool           `yaml:"enabled" default:"true"`
			WebSocketURL string         `yaml:"websocket_url" default:"wss://ws.finnhub.io"`
			APIKey       string         `yaml:"api_key"`
			PingInterval time.Duration  `yaml:"ping_interval" default:"30s"`
			PrimaryWait  time.Duration  `yaml:"primary_wait" default:"1500ms"`
			Backoff      backoff.Policy `yaml:"backoff"`
		} `yaml:"push"`
		Poll struct {
			BaseURL       string         `yaml:"base_url" default:"https://finnhub.io/api/v1"`
			APIKey        string         `yaml:"api_key"`
			Timeout       time.Duration  `yaml:"timeout" default:"5s"`
			RatePerMinute int            `yaml:"rate_per_minute" default:"60"`
			Burst         int            `yaml:"burst" default:"5"`
			Retry         backoff.Policy `yaml:"retry"`
		} `yaml:"poll"`
		// Ticks tunes the filter in front of the manager for push and Kafka ticks.
		// Enabled turns on Kafka tick ingestion from Kafka.TicksTopic.
		Ticks struct {
			Enabled bool `yaml:"enabled"`
			MaxRPS  int  `yaml:"max_rps" default:"20"`
		} `yaml:"ticks"`
	} `yaml:"feed"`
	Store struct {
		Type string `yaml:"type" default:"memory"`
		// SeedFile optionally preloads the memory store with signals (JSON array).
		SeedFile string `yaml:"seed_file"`
	} `yaml:"store"`
	ClickHouse struct {
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"default"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
		MaxOpenConns     int           `yaml:"max_open_conns" default:"10"`
		MaxIdleConns     int           `yaml:"max_idle_conns" default:"5"`
	} `yaml:"clickhouse"`
	Kafka struct {
		Brokers     []string `yaml:"brokers"`
		EventsTopic string   `yaml:"events_topic" default:"signaldesk.signal.closed"`
		TicksTopic  string   `yaml:"ticks_topic" default:"signaldesk.ticks"`
		Producer    struct {
			RequiredAcks int           `yaml:"required_acks" default:"-1"`
			Compression  string        `yaml:"compression" default:"gzip"`
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchTimeout time.Duration `yaml:"batch_timeout" default:"100ms"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string         `yaml:"group_id" default:"signaldesk"`
			Workers    int            `yaml:"workers" default:"2"`
			BufferSize int            `yaml:"buffer_size" default:"256"`
			Retry      backoff.Policy `yaml:"retry"`
			DLQTopic   string         `yaml:"dlq_topic"`
			MinBytes   int            `yaml:"min_bytes" default:"1"`
			MaxBytes   int            `yaml:"max_bytes" default:"10000000"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host" default:"localhost"`
		Port     int    `yaml:"port" default:"6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix" default:"signaldesk"`

		PoolSize     int           `yaml:"pool_size" default:"10"`
		MinIdleConns int           `yaml:"min_idle_conns" default:"2"`
		PoolTimeout  time.Duration `yaml:"pool_timeout" default:"5s"`
	} `yaml:"redis"`
}

// Default returns a config with every default applied and no file read.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	return &c, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	c, err := read(path)
	if err != nil {
		return nil, err
	}

	// Validate required fields
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return c, nil
}

func read(path string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML (optional) and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := c.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("AUTOMATION_INTERVAL_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("AUTOMATION_INTERVAL_MS: %w", err)
		}
		c.Automation.Interval = time.Duration(ms) * time.Millisecond
	}
	if v := getenv("PRICE_STALE_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PRICE_STALE_MS: %w", err)
		}
		c.Automation.StaleAfter = time.Duration(ms) * time.Millisecond
	}
	if v := getenv("DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEBUG: %w", err)
		}
		c.Log.Debug = b
	}
	if v := getenv("FINNHUB_API_KEY"); v != "" {
		c.Feed.Push.APIKey = v
		c.Feed.Poll.APIKey = v
	}
	if v := getenv("WATCHLIST"); v != "" {
		c.Automation.Watchlist = strings.Split(v, ",")
	}
	if v := getenv("STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getenv("REDIS_HOST"); v != "" {
		c.Redis.Enabled = true
		c.Redis.Host = v
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Automation.Interval < 0 {
		return fmt.Errorf("automation.interval must not be negative")
	}
	if c.Automation.StaleAfter <= 0 {
		return fmt.Errorf("automation.stale_after must be positive")
	}
	if c.Automation.Workers < 1 {
		return fmt.Errorf("automation.workers must be at least 1")
	}
	if c.Store.Type != "memory" && c.Store.Type != "clickhouse" {
		return fmt.Errorf("store.type must be 'memory' or 'clickhouse', got '%s'", c.Store.Type)
	}
	if c.Feed.Poll.BaseURL == "" {
		return fmt.Errorf("feed.poll.base_url is required")
	}
	if c.Feed.Push.Enabled && c.Feed.Push.WebSocketURL == "" {
		return fmt.Errorf("feed.push.websocket_url is required when push is enabled")
	}
	if c.Feed.Ticks.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when feed.ticks is enabled")
	}
	if c.Log.Collector.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when log.collector is enabled")
	}
	return nil
}

// KafkaEnabled reports whether a broker list is configured.
func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }
