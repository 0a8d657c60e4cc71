package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Approval ApprovalConfig `yaml:"approval"`
	Bulk     BulkConfig     `yaml:"bulk"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

type ServerConfig struct {
	GRPCPort        int           `yaml:"grpc_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the persistence backend: postgres or memory.
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

type DatabaseConfig struct {
	DSN         string        `yaml:"dsn"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"name"`
	SSLMode     string        `yaml:"sslmode"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	HealthCheck time.Duration `yaml:"health_check"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	AutoMigrate bool          `yaml:"auto_migrate"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ApprovalConfig tunes the approval core.
type ApprovalConfig struct {
	SyncBatchLimit int           `yaml:"sync_batch_limit"`
	ItemsPerMinute int           `yaml:"items_per_minute"`
	StatsTTL       time.Duration `yaml:"stats_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SweepBatchSize int           `yaml:"sweep_batch_size"`
	HierarchyTTL   time.Duration `yaml:"hierarchy_refresh"`
}

// BulkConfig selects the async batch backend: memory or river.
type BulkConfig struct {
	Queue   string `yaml:"queue"`
	Workers int    `yaml:"workers"`
}

type TracingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	OutputFile string `yaml:"output_file"`
}

// Default returns a configuration usable for local development.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:        "be-edu-approvals",
			Version:     "dev",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			GRPCPort:        9090,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{Driver: "postgres"},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Database:    "approvals",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    1,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
			LockTimeout: 5 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "notifications.approvals",
		},
		Approval: ApprovalConfig{
			SyncBatchLimit: 20,
			ItemsPerMinute: 50,
			StatsTTL:       5 * time.Minute,
			SweepInterval:  time.Minute,
			SweepBatchSize: 100,
			HierarchyTTL:   10 * time.Minute,
		},
		Bulk: BulkConfig{
			Queue:   "memory",
			Workers: 4,
		},
	}
}

// Load reads a YAML file (with ${ENV} expansion) on top of Default, then
// applies well-known environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 -- path is operator-provided config path.
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		expanded := os.ExpandEnv(string(raw))
		expanded = strings.ReplaceAll(expanded, "\r\n", "\n")
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
		cfg.NATS.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Service.LogLevel = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Service.Environment = v
	}
	if v := os.Getenv("GRPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = port
		}
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("BULK_QUEUE"); v != "" {
		cfg.Bulk.Queue = v
	}
}

func (c Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server.grpc_port must be positive")
	}
	switch c.Storage.Driver {
	case "postgres":
		if c.Database.DSN == "" && c.Database.Host == "" {
			return fmt.Errorf("database.dsn or database.host is required for postgres storage")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	switch c.Bulk.Queue {
	case "memory":
	case "river":
		if c.Storage.Driver != "postgres" {
			return fmt.Errorf("bulk.queue=river requires storage.driver=postgres")
		}
	default:
		return fmt.Errorf("bulk.queue %q is not supported", c.Bulk.Queue)
	}
	if c.Bulk.Workers <= 0 {
		return fmt.Errorf("bulk.workers must be positive")
	}
	if c.Approval.SyncBatchLimit <= 0 {
		return fmt.Errorf("approval.sync_batch_limit must be positive")
	}
	if c.Approval.ItemsPerMinute <= 0 {
		return fmt.Errorf("approval.items_per_minute must be positive")
	}
	if c.Approval.StatsTTL <= 0 {
		return fmt.Errorf("approval.stats_ttl must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.enabled=true")
	}
	return nil
}
