package redis

import "time"

// Config 定義 Redis 連線配置，Addr 為空表示不啟用
type Config struct {
	Addr     string `yaml:"addr"`     // host:port
	Password string `yaml:"password"` // 密碼
	DB       int    `yaml:"db"`       // 資料庫編號

	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// 啟動時連線重試
	ConnectRetries int           `yaml:"connect_retries"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// Enabled 是否有設定 Redis
func (c *Config) Enabled() bool {
	return c.Addr != ""
}
