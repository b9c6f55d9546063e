package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Printers PrintersConfig `yaml:"printers"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Queue drivers.
const (
	QueueDriverMemory = "memory"
	QueueDriverTail   = "tail"
	QueueDriverRedis  = "redis"
)

type QueueConfig struct {
	Driver       string        `yaml:"driver"`
	Capacity     int           `yaml:"capacity"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisKey     string        `yaml:"redis_key"`
}

// Printer drivers.
const (
	PrinterDriverFake    = "fake"
	PrinterDriverNetwork = "network"
)

type PrintersConfig struct {
	Driver            string            `yaml:"driver"`
	Devices           map[string]string `yaml:"devices"`
	ConnectionTimeout time.Duration     `yaml:"connection_timeout"`
	FakeOutputDir     string            `yaml:"fake_output_dir"`
	FakeLatency       time.Duration     `yaml:"fake_latency"`
	FakeOutcome       string            `yaml:"fake_outcome"`
}

type WebhookEndpoint struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type WebhookConfig struct {
	Endpoints  []WebhookEndpoint `yaml:"endpoints"`
	RetryCount int               `yaml:"retry_count"`
	RetryDelay time.Duration     `yaml:"retry_delay"`
	Timeout    time.Duration     `yaml:"timeout"`
	QueueSize  int               `yaml:"queue_size"`
}

type ArchiveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Path     string        `yaml:"path"`
	Days     int           `yaml:"days"`
	Interval time.Duration `yaml:"interval"`
}

type AuthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	JWTSecret    string        `yaml:"jwt_secret"`
	PasswordHash string        `yaml:"password_hash"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/posprint.db",
		},
		Queue: QueueConfig{
			Driver:       QueueDriverMemory,
			Capacity:     50,
			PollInterval: time.Second,
			RedisAddr:    "localhost:6379",
			RedisKey:     "posprint:queue",
		},
		Printers: PrintersConfig{
			Driver:            PrinterDriverFake,
			Devices:           map[string]string{},
			ConnectionTimeout: 10 * time.Second,
			FakeOutputDir:     "./data/receipts",
			FakeOutcome:       "accept",
		},
		Webhook: WebhookConfig{
			RetryCount: 3,
			RetryDelay: 5 * time.Second,
			Timeout:    10 * time.Second,
			QueueSize:  100,
		},
		Archive: ArchiveConfig{
			Path:     "./data/archives",
			Days:     30,
			Interval: 24 * time.Hour,
		},
		Auth: AuthConfig{
			TokenTTL: 12 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at configPath on top of the defaults. A missing
// file is not an error. Environment overrides are applied afterwards.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("POSPRINT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("POSPRINT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("POSPRINT_QUEUE_DRIVER"); v != "" {
		cfg.Queue.Driver = v
	}

	if v := os.Getenv("POSPRINT_REDIS_ADDR"); v != "" {
		cfg.Queue.RedisAddr = v
	}

	if v := os.Getenv("POSPRINT_PRINTER_DRIVER"); v != "" {
		cfg.Printers.Driver = v
	}

	if v := os.Getenv("POSPRINT_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	if v := os.Getenv("POSPRINT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	switch c.Queue.Driver {
	case QueueDriverMemory, QueueDriverTail:
	case QueueDriverRedis:
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis queue driver")
		}
	default:
		return fmt.Errorf("invalid queue driver: %s (valid: memory, tail, redis)", c.Queue.Driver)
	}

	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue capacity must be at least 1")
	}

	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue poll interval must be positive")
	}

	switch c.Printers.Driver {
	case PrinterDriverFake:
		switch c.Printers.FakeOutcome {
		case "accept", "reject", "io_error":
		default:
			return fmt.Errorf("invalid fake printer outcome: %s (valid: accept, reject, io_error)", c.Printers.FakeOutcome)
		}
	case PrinterDriverNetwork:
	default:
		return fmt.Errorf("invalid printer driver: %s (valid: fake, network)", c.Printers.Driver)
	}

	if c.Printers.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout must be non-negative")
	}

	for i, ep := range c.Webhook.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhook endpoint %d has no url", i)
		}
	}

	if c.Webhook.RetryCount < 0 {
		return fmt.Errorf("webhook retry count must be non-negative")
	}

	if c.Archive.Enabled {
		if c.Archive.Days < 1 {
			return fmt.Errorf("archive days must be at least 1")
		}
		if c.Archive.Interval <= 0 {
			return fmt.Errorf("archive interval must be positive")
		}
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("jwt secret is required when auth is enabled")
		}
		if c.Auth.PasswordHash == "" {
			return fmt.Errorf("password hash is required when auth is enabled")
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
