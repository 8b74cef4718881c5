package kafka

import "time"

// Config 定義 Kafka producer 與斷路器配置，Brokers 為空表示不啟用
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	AuditTopic   string        `yaml:"audit_topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"` // 批次送出的最長等待時間
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// 斷路器: 連續失敗達 BreakerFailures 次後開路，BreakerTimeout 後半開試探
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// Enabled 是否有設定 Kafka
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}
