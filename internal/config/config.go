package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/branch-ledger/pkg/kafka"
	"github.com/JoeShih716/branch-ledger/pkg/logger"
	"github.com/JoeShih716/branch-ledger/pkg/mysql"
	"github.com/JoeShih716/branch-ledger/pkg/redis"
)

// 儲存層驅動
const (
	DriverMemory = "memory"
	DriverMySQL  = "mysql"
)

// Config 服務的完整配置
type Config struct {
	App      AppConfig      `yaml:"app"`
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    kafka.Config   `yaml:"kafka"`
	Log      logger.Config  `yaml:"log"`
}

type AppConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// LedgerConfig 對應 usecase.Options
type LedgerConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"`
	StoreTimeout   time.Duration `yaml:"store_timeout"`
	PageSize       int           `yaml:"page_size"`
}

type WorkflowConfig struct {
	// DefaultReviewers: 送審未指定候選人時使用，空值表示任何主管
	DefaultReviewers []int64 `yaml:"default_reviewers"`
}

type StorageConfig struct {
	Driver  string       `yaml:"driver"` // memory / mysql
	WALPath string       `yaml:"wal_path"`
	MySQL   mysql.Config `yaml:"mysql"`
}

type RedisConfig struct {
	redis.Config `yaml:",inline"`
	PendingTTL   time.Duration `yaml:"pending_ttl"`
	CompletedTTL time.Duration `yaml:"completed_ttl"`
}

// Load 讀取 .env (可選)、YAML 設定檔與環境變數，並補上預設值
//
// 參數:
//
//	path: YAML 檔案路徑，檔案不存在時只使用預設值與環境變數
//
// 回傳:
//
//	*Config: 已驗證的設定
//	error: 檔案格式錯誤或驗證失敗
func Load(path string) (*Config, error) {
	// .env 只是本機開發用，找不到不算錯誤
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.GRPC.Addr = getEnv("GRPC_ADDR", c.GRPC.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Storage.Driver = getEnv("LEDGER_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.WALPath = getEnv("LEDGER_WAL_PATH", c.Storage.WALPath)
	c.Storage.MySQL.Host = getEnv("MYSQL_HOST", c.Storage.MySQL.Host)
	c.Storage.MySQL.Port = getEnvInt("MYSQL_PORT", c.Storage.MySQL.Port)
	c.Storage.MySQL.User = getEnv("MYSQL_USER", c.Storage.MySQL.User)
	c.Storage.MySQL.Password = getEnv("MYSQL_PASSWORD", c.Storage.MySQL.Password)
	c.Storage.MySQL.DBName = getEnv("MYSQL_DATABASE", c.Storage.MySQL.DBName)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASS", c.Redis.Password)
	c.Kafka.Brokers = getEnvSlice("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.AuditTopic = getEnv("KAFKA_AUDIT_TOPIC", c.Kafka.AuditTopic)
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "branch-ledger"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.RequestTimeout == 0 {
		c.HTTP.RequestTimeout = 30 * time.Second
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":50051"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.WALPath == "" {
		c.Storage.WALPath = "data/wal.log"
	}

	// 補全 MySQL 預設配置 (如果 yaml 沒寫)
	if c.Storage.MySQL.Port == 0 {
		c.Storage.MySQL.Port = 3306
	}
	if c.Storage.MySQL.MaxOpenConns == 0 {
		c.Storage.MySQL.MaxOpenConns = 100
	}
	if c.Storage.MySQL.MaxIdleConns == 0 {
		c.Storage.MySQL.MaxIdleConns = 10
	}
	if c.Storage.MySQL.ConnMaxLifetime == 0 {
		c.Storage.MySQL.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Kafka.AuditTopic == "" {
		c.Kafka.AuditTopic = "ledger.audit"
	}
}

// Validate 檢查設定是否可用
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverMySQL:
		if c.Storage.MySQL.Host == "" || c.Storage.MySQL.DBName == "" {
			errs = append(errs, errors.New("storage.mysql.host and storage.mysql.db_name are required for the mysql driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Ledger.MaxRetries < 0 {
		errs = append(errs, errors.New("ledger.max_retries must not be negative"))
	}
	if c.Ledger.PageSize < 0 {
		errs = append(errs, errors.New("ledger.page_size must not be negative"))
	}
	for _, id := range c.Workflow.DefaultReviewers {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("workflow.default_reviewers contains invalid id %d", id))
		}
	}
	if c.Kafka.Enabled() && c.Kafka.AuditTopic == "" {
		errs = append(errs, errors.New("kafka.audit_topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		return strings.Split(v, ",")
	}
	return fallback
}
