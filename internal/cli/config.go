package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-exec/internal/breaker"
	"github.com/ChuLiYu/beaver-exec/internal/controller"
	"github.com/ChuLiYu/beaver-exec/internal/executor"
	"github.com/ChuLiYu/beaver-exec/internal/idempotent"
	"github.com/ChuLiYu/beaver-exec/internal/workflow"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// Config 完整系統配置，對應 YAML 配置文件
type Config struct {
	Worker struct {
		WorkerCount      int           `yaml:"worker_count"`
		QueueSize        int           `yaml:"queue_size"`
		TaskTimeout      time.Duration `yaml:"task_timeout"`
		DispatchInterval time.Duration `yaml:"dispatch_interval"`
	} `yaml:"worker"`

	Retry executor.RetryConfig `yaml:"retry"`

	Breaker struct {
		Default   breaker.Config            `yaml:"default"`
		Overrides map[string]breaker.Config `yaml:"overrides"`
	} `yaml:"breaker"`

	Idempotent struct {
		Capacity     int           `yaml:"capacity"`
		TTL          time.Duration `yaml:"ttl"`
		InFlightWait time.Duration `yaml:"in_flight_wait"`
		LockExpiry   time.Duration `yaml:"lock_expiry"` // 僅在 redis 儲存時使用
	} `yaml:"idempotent"`

	Registry struct {
		Capacity int           `yaml:"capacity"`
		Shards   int           `yaml:"shards"` // 寫入鍵鎖數量
		TTL      time.Duration `yaml:"ttl"`    // 0 表示永不過期
	} `yaml:"registry"`

	Workflow struct {
		MaxAttempts       int           `yaml:"max_attempts"`
		Retention         time.Duration `yaml:"retention"`
		RetentionInterval time.Duration `yaml:"retention_interval"`

		Definitions []types.WorkflowDefinition `yaml:"definitions"`
	} `yaml:"workflow"`

	Storage struct {
		Driver string `yaml:"driver"` // memory | redis | mysql | sqlite
		DSN    string `yaml:"dsn"`    // mysql / sqlite
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Snapshot struct {
		Path     string        `yaml:"path"` // 空字串停用快照
		Interval time.Duration `yaml:"interval"`
		Backups  int           `yaml:"backups"`
	} `yaml:"snapshot"`

	WAL struct {
		Path          string        `yaml:"path"` // 空字串停用 WAL
		Sync          bool          `yaml:"sync"` // 每筆變更都 fsync
		BufferSize    int           `yaml:"buffer_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"wal"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"grpc"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// DefaultConfig 預設配置；配置文件中未出現的欄位保留這些值
func DefaultConfig() *Config {
	ctrl := controller.DefaultConfig()

	cfg := &Config{}
	cfg.Worker.WorkerCount = ctrl.WorkerCount
	cfg.Worker.QueueSize = ctrl.QueueSize
	cfg.Worker.TaskTimeout = ctrl.TaskTimeout
	cfg.Worker.DispatchInterval = ctrl.DispatchInterval

	cfg.Retry = executor.DefaultRetryConfig()
	cfg.Breaker.Default = breaker.DefaultConfig()

	cfg.Idempotent.Capacity = idempotent.DefaultCapacity
	cfg.Idempotent.TTL = idempotent.DefaultTTL
	cfg.Idempotent.InFlightWait = idempotent.DefaultInFlightWait
	cfg.Idempotent.LockExpiry = idempotent.DefaultInFlightWait

	cfg.Registry.Capacity = 200
	cfg.Registry.Shards = 8

	cfg.Workflow.MaxAttempts = workflow.DefaultMaxAttempts
	cfg.Workflow.Retention = ctrl.WorkflowRetention
	cfg.Workflow.RetentionInterval = ctrl.RetentionInterval

	cfg.Storage.Driver = "memory"
	cfg.Storage.Redis.Addr = "localhost:6379"
	cfg.Storage.Redis.Prefix = "beaver:"

	cfg.Snapshot.Path = "data/jobs.snapshot"
	cfg.Snapshot.Interval = ctrl.SnapshotInterval
	cfg.Snapshot.Backups = 3

	cfg.WAL.Path = "data/jobs.wal"
	cfg.WAL.Sync = true
	cfg.WAL.BufferSize = 256
	cfg.WAL.FlushInterval = 100 * time.Millisecond

	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"
	cfg.GRPC.Enabled = true
	cfg.GRPC.Addr = ":50051"
	cfg.Log.Level = "info"
	return cfg
}

// Controller 轉換為 controller.Config
func (c *Config) Controller() controller.Config {
	return controller.Config{
		WorkerCount:       c.Worker.WorkerCount,
		QueueSize:         c.Worker.QueueSize,
		TaskTimeout:       c.Worker.TaskTimeout,
		DispatchInterval:  c.Worker.DispatchInterval,
		SnapshotInterval:  c.Snapshot.Interval,
		RetentionInterval: c.Workflow.RetentionInterval,
		WorkflowRetention: c.Workflow.Retention,
	}
}

// Validate 檢查配置
func (c *Config) Validate() error {
	if c.Worker.WorkerCount < 1 {
		return fmt.Errorf("worker.worker_count must be >= 1, got %d", c.Worker.WorkerCount)
	}
	if err := c.Breaker.Default.WithDefaults(breaker.DefaultConfig()).Validate(); err != nil {
		return fmt.Errorf("breaker.default: %w", err)
	}
	for name, o := range c.Breaker.Overrides {
		if err := o.WithDefaults(c.Breaker.Default).Validate(); err != nil {
			return fmt.Errorf("breaker.overrides[%s]: %w", name, err)
		}
	}
	for i := range c.Workflow.Definitions {
		if err := c.Workflow.Definitions[i].Validate(); err != nil {
			return fmt.Errorf("workflow.definitions[%d]: %w", i, err)
		}
	}
	switch c.Storage.Driver {
	case "memory", "redis":
	case "mysql", "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	return nil
}

// loadConfig 讀取配置文件並覆寫預設值
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
