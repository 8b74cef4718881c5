package domain

import (
	"fmt"
	"time"
)

// EntityKind 稽核對象類型
type EntityKind string

const (
	EntityAccount     EntityKind = "account"
	EntityTransaction EntityKind = "transaction"
	EntityApproval    EntityKind = "approval"
)

// Valid 是否為已知的實體類型
func (k EntityKind) Valid() bool {
	switch k {
	case EntityAccount, EntityTransaction, EntityApproval:
		return true
	}
	return false
}

// 稽核動作
const (
	ActionAccountOpened       = "AccountOpened"
	ActionAccountStatusChange = "AccountStatusChange"
	ActionApprovalDecision    = "ApprovalDecision"
	ActionTransactionReversal = "TransactionReversal"
)

// AuditRecord 不可變的稽核紀錄，建立後不會被修改或刪除
type AuditRecord struct {
	// Sequence: 儲存層指派的遞增序號，作為因果順序
	Sequence   uint64     `json:"sequence"`
	ActorID    int64      `json:"actor_id"`
	Action     string     `json:"action"`
	EntityKind EntityKind `json:"entity_kind"`
	EntityID   int64      `json:"entity_id"`
	OldValue   string     `json:"old_value,omitempty"`
	NewValue   string     `json:"new_value,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Validate 必要欄位檢查
func (r *AuditRecord) Validate() error {
	if r.Action == "" {
		return fmt.Errorf("%w: audit action is required", ErrInvalidInput)
	}
	if !r.EntityKind.Valid() || r.EntityID <= 0 {
		return fmt.Errorf("%w: audit entity is required", ErrInvalidInput)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: audit timestamp is required", ErrInvalidInput)
	}
	return nil
}

// AuditFilter 稽核查詢條件
type AuditFilter struct {
	EntityKind EntityKind
	EntityID   int64
	From       *time.Time
	To         *time.Time
	After      *Cursor
}

// Cursor 以 Sequence 作為同時間的排序鍵
func (r *AuditRecord) Cursor() Cursor {
	return Cursor{At: r.CreatedAt, ID: int64(r.Sequence)}
}

// Match 記憶體實作使用的過濾判斷
func (f *AuditFilter) Match(r *AuditRecord) bool {
	if f.EntityKind != "" && r.EntityKind != f.EntityKind {
		return false
	}
	if f.EntityID != 0 && r.EntityID != f.EntityID {
		return false
	}
	return inRange(r.CreatedAt, f.From, f.To)
}

// Validate 過濾條件檢查
func (f *AuditFilter) Validate() error {
	if f.EntityKind != "" && !f.EntityKind.Valid() {
		return fmt.Errorf("%w: unknown entity kind %q", ErrInvalidInput, f.EntityKind)
	}
	return validateRange(f.From, f.To)
}
