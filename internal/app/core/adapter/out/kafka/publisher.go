package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
	"github.com/JoeShih716/branch-ledger/internal/app/core/usecase"
)

// AuditEvent 送往 Kafka 的稽核事件
type AuditEvent struct {
	EventType  string    `json:"event_type"`
	Sequence   uint64    `json:"sequence"`
	ActorID    int64     `json:"actor_id"`
	Action     string    `json:"action"`
	EntityKind string    `json:"entity_kind"`
	EntityID   int64     `json:"entity_id"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func newAuditEvent(r *domain.AuditRecord) AuditEvent {
	return AuditEvent{
		EventType:  "audit." + r.Action,
		Sequence:   r.Sequence,
		ActorID:    r.ActorID,
		Action:     r.Action,
		EntityKind: string(r.EntityKind),
		EntityID:   r.EntityID,
		OldValue:   r.OldValue,
		NewValue:   r.NewValue,
		CreatedAt:  r.CreatedAt,
	}
}

// MessageWriter kafka.Writer 的最小介面
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BreakerSettings 斷路器設定
type BreakerSettings struct {
	// ConsecutiveFailures 連續失敗幾次後開路
	ConsecutiveFailures uint32
	// Timeout 開路多久後進入半開
	Timeout time.Duration
}

// AuditPublisher 把已提交的稽核紀錄送到 Kafka
//
// 寫入包在斷路器中：Kafka 異常時快速失敗，不拖慢帳務流程。
type AuditPublisher struct {
	writer  MessageWriter
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewAuditPublisher 建立 AuditPublisher
//
// 參數:
//
//	writer: 通常為 pkg/kafka.NewWriter 的結果
//	settings: 斷路器設定，零值使用預設 (5 次 / 30 秒)
//	log: nil 使用 zap.NewNop()
func NewAuditPublisher(writer MessageWriter, settings BreakerSettings, log *zap.Logger) *AuditPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	failures := settings.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	p := &AuditPublisher{writer: writer, log: log}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kafka-audit",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return p
}

// Publish 以 <entity_kind>:<entity_id> 為 key 送出事件
func (p *AuditPublisher) Publish(ctx context.Context, records ...*domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		value, err := json.Marshal(newAuditEvent(r))
		if err != nil {
			return fmt.Errorf("marshal audit event %d: %w", r.Sequence, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(string(r.EntityKind) + ":" + strconv.FormatInt(r.EntityID, 10)),
			Value: value,
			Time:  r.CreatedAt,
		})
	}

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, msgs...)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("audit publisher unavailable (%s): %w", p.breaker.State(), err)
	}
	if err != nil {
		return fmt.Errorf("write audit events: %w", err)
	}
	return nil
}

// State 斷路器目前狀態
func (p *AuditPublisher) State() gobreaker.State {
	return p.breaker.State()
}

// Close 關閉底層 writer，送出尚未送出的批次
func (p *AuditPublisher) Close() error {
	return p.writer.Close()
}

var _ usecase.AuditPublisher = (*AuditPublisher)(nil)
