package usecase

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
)

// AuditEntry 要寫入的稽核內容，時間與序號由 AuditTrail / 儲存層補上
type AuditEntry struct {
	ActorID    int64
	Action     string
	EntityKind domain.EntityKind
	EntityID   int64
	OldValue   string
	NewValue   string
}

// AuditTrail 稽核軌跡：只能新增，寫入失敗會中止觸發它的操作
type AuditTrail struct {
	store     Store
	publisher AuditPublisher
	opts      Options
}

// NewAuditTrail 建立 AuditTrail
//
// 參數:
//
//	store: 持久層
//	publisher: 提交後的事件外送，nil 表示不外送
//	opts: 共用設定
func NewAuditTrail(store Store, publisher AuditPublisher, opts Options) *AuditTrail {
	if publisher == nil {
		publisher = NoopAuditPublisher{}
	}
	return &AuditTrail{
		store:     store,
		publisher: publisher,
		opts:      opts.withDefaults(),
	}
}

// Record 在呼叫端的原子單元內寫入一筆稽核紀錄
// 任何錯誤都包成 ErrAuditWriteFailed (Fatal)，讓整個單元回滾
func (a *AuditTrail) Record(ctx context.Context, repos Repositories, entry AuditEntry) (*domain.AuditRecord, error) {
	record := &domain.AuditRecord{
		ActorID:    entry.ActorID,
		Action:     entry.Action,
		EntityKind: entry.EntityKind,
		EntityID:   entry.EntityID,
		OldValue:   entry.OldValue,
		NewValue:   entry.NewValue,
		CreatedAt:  a.opts.now(),
	}
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuditWriteFailed, err)
	}
	if err := repos.Audit().Append(ctx, record); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuditWriteFailed, err)
	}
	return record, nil
}

// Publish 提交成功後外送，失敗只記 log
func (a *AuditTrail) Publish(ctx context.Context, records ...*domain.AuditRecord) {
	if len(records) == 0 {
		return
	}
	if err := a.publisher.Publish(context.WithoutCancel(ctx), records...); err != nil {
		a.opts.Logger.Warn("publish audit records failed",
			zap.Int("count", len(records)),
			zap.Error(err),
		)
	}
}

// Query 依 CreatedAt, Sequence 遞增的延遲序列
func (a *AuditTrail) Query(ctx context.Context, filter domain.AuditFilter) iter.Seq2[*domain.AuditRecord, error] {
	if err := filter.Validate(); err != nil {
		return func(yield func(*domain.AuditRecord, error) bool) { yield(nil, err) }
	}
	return paginate(ctx, a.opts.PageSize, filter.After,
		func(ctx context.Context, after *domain.Cursor, limit int) ([]*domain.AuditRecord, error) {
			return a.store.Audit().List(ctx, filter, after, limit)
		},
		(*domain.AuditRecord).Cursor,
	)
}
