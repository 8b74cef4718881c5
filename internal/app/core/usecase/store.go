package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
)

// AccountRepository 是 Account Store 的介面
type AccountRepository interface {
	// Create 開戶，由儲存層指派 ID
	Create(ctx context.Context, account *domain.Account) error
	// Get 取得帳戶，不存在回傳 domain.ErrAccountNotFound
	Get(ctx context.Context, id int64) (*domain.Account, error)
	// AdjustBalance 唯一的餘額異動入口 (樂觀鎖)
	// 版本不符回傳 ErrConflict，餘額不足回傳 ErrInsufficientFunds
	AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal, expectedVersion int64, at time.Time) (*domain.Account, error)
	// UpdateStatus 管理性的狀態異動，同樣受版本檢查
	UpdateStatus(ctx context.Context, id int64, status domain.AccountStatus, expectedVersion int64, at time.Time) (*domain.Account, error)
	// List 依 CreatedAt, ID 遞增排序，after 為上一頁最後一筆
	List(ctx context.Context, filter domain.AccountFilter, after *domain.Cursor, limit int) ([]*domain.Account, error)
}

// TransactionRepository 交易紀錄的儲存介面
type TransactionRepository interface {
	// Create 寫入交易並指派 ID，RefID 重複回傳 ErrDuplicateReference
	Create(ctx context.Context, tran *domain.Transaction) error
	Get(ctx context.Context, id int64) (*domain.Transaction, error)
	GetByRef(ctx context.Context, ref uuid.UUID) (*domain.Transaction, error)
	// UpdateStatus 以目前狀態做 CAS，狀態不符回傳 ErrConflict
	UpdateStatus(ctx context.Context, id int64, from, to domain.TransactionStatus, at time.Time) (*domain.Transaction, error)
	// List 依 CreatedAt, ID 遞減排序，after 為上一頁最後一筆
	List(ctx context.Context, filter domain.TransactionFilter, after *domain.Cursor, limit int) ([]*domain.Transaction, error)
}

// ApprovalRepository 審核單的儲存介面
type ApprovalRepository interface {
	// Create 同一交易只能有一張審核單，重複回傳 ErrAlreadySubmitted
	Create(ctx context.Context, approval *domain.Approval) error
	Get(ctx context.Context, id int64) (*domain.Approval, error)
	GetByTransaction(ctx context.Context, transactionID int64) (*domain.Approval, error)
	// Decide 只在 Pending 時成功，否則回傳 ErrAlreadyDecided
	Decide(ctx context.Context, id int64, decision domain.Decision, reviewerID int64, comments string, at time.Time) (*domain.Approval, error)
	// List 依 CreatedAt, ID 遞減排序
	List(ctx context.Context, filter domain.ApprovalFilter, after *domain.Cursor, limit int) ([]*domain.Approval, error)
}

// AuditRepository 稽核紀錄只提供新增與查詢，沒有更新或刪除
type AuditRepository interface {
	// Append 指派 Sequence 並寫入
	Append(ctx context.Context, record *domain.AuditRecord) error
	// List 依 CreatedAt, Sequence 遞增排序，after.ID 為上一頁最後的 Sequence
	List(ctx context.Context, filter domain.AuditFilter, after *domain.Cursor, limit int) ([]*domain.AuditRecord, error)
}

// Repositories 一組共用同一個原子單元的 repository
type Repositories interface {
	Accounts() AccountRepository
	Transactions() TransactionRepository
	Approvals() ApprovalRepository
	Audit() AuditRepository
}

// Store 是帳務系統的持久層介面
//
// 直接呼叫 Repositories 的方法各自為獨立的原子操作；
// Atomic 內的所有操作要嘛全部生效，要嘛全部回滾 (資料庫交易或單元暫存)。
type Store interface {
	Repositories
	Atomic(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

// IdempotencyGuard 以 RefID 避免重送造成重複帳務
type IdempotencyGuard interface {
	// Reserve 搶占 RefID；已完成回傳 (transactionID, false)，處理中回傳 ErrDuplicateReference
	Reserve(ctx context.Context, ref uuid.UUID) (existingID int64, reserved bool, err error)
	// Complete 記錄 RefID 對應的交易
	Complete(ctx context.Context, ref uuid.UUID, transactionID int64) error
	// Release 放棄搶占 (沒有寫入任何交易時)
	Release(ctx context.Context, ref uuid.UUID) error
}

// AuditPublisher 提交後的稽核事件外送 (best effort)
type AuditPublisher interface {
	Publish(ctx context.Context, records ...*domain.AuditRecord) error
}

// NoopIdempotencyGuard 不做任何事，唯一性由 Store 的 RefID 保證
type NoopIdempotencyGuard struct{}

func (NoopIdempotencyGuard) Reserve(context.Context, uuid.UUID) (int64, bool, error) {
	return 0, true, nil
}
func (NoopIdempotencyGuard) Complete(context.Context, uuid.UUID, int64) error { return nil }
func (NoopIdempotencyGuard) Release(context.Context, uuid.UUID) error         { return nil }

// NoopAuditPublisher 不外送
type NoopAuditPublisher struct{}

func (NoopAuditPublisher) Publish(context.Context, ...*domain.AuditRecord) error { return nil }
