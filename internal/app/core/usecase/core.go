package usecase

import (
	"context"
	"iter"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
)

// CoreUseCase 是核心業務邏輯層，inbound adapter 的唯一入口
type CoreUseCase struct {
	accounts *Accounts
	ledger   *Ledger
	workflow *Workflow
	audit    *AuditTrail
}

// NewCoreUseCase 組裝帳戶、帳本、審核與稽核服務
//
// 參數:
//
//	store: 持久層 (memory / mysql)
//	guard: RefID 去重，nil 使用 NoopIdempotencyGuard
//	publisher: 稽核事件外送，nil 使用 NoopAuditPublisher
//	opts: 共用設定
func NewCoreUseCase(store Store, guard IdempotencyGuard, publisher AuditPublisher, opts Options) *CoreUseCase {
	audit := NewAuditTrail(store, publisher, opts)
	ledger := NewLedger(store, audit, guard, opts)
	return &CoreUseCase{
		accounts: NewAccounts(store, audit, opts),
		ledger:   ledger,
		workflow: NewWorkflow(store, ledger, audit, opts),
		audit:    audit,
	}
}

// Ledger 內部帳本，供需要直接處理轉帳決議的流程使用
func (c *CoreUseCase) Ledger() *Ledger {
	return c.ledger
}

// CreateTransaction 建立交易
func (c *CoreUseCase) CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest) (*domain.Transaction, error) {
	return c.ledger.CreateTransaction(ctx, req)
}

// ReverseTransaction 沖正交易
func (c *CoreUseCase) ReverseTransaction(ctx context.Context, id, actorID int64) (*domain.Transaction, error) {
	return c.ledger.ReverseTransaction(ctx, id, actorID)
}

func (c *CoreUseCase) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	return c.ledger.GetTransaction(ctx, id)
}

func (c *CoreUseCase) QueryTransactions(ctx context.Context, filter domain.TransactionFilter) iter.Seq2[*domain.Transaction, error] {
	return c.ledger.Query(ctx, filter)
}

// SubmitForReview 補開審核單
func (c *CoreUseCase) SubmitForReview(ctx context.Context, transactionID int64, reviewerPool []int64) (*domain.Approval, error) {
	return c.workflow.SubmitForReview(ctx, transactionID, reviewerPool)
}

// Decide 主管審核
func (c *CoreUseCase) Decide(ctx context.Context, req domain.DecideRequest) (*DecisionResult, error) {
	return c.workflow.Decide(ctx, req)
}

func (c *CoreUseCase) GetApproval(ctx context.Context, id int64) (*domain.Approval, error) {
	return c.workflow.GetApproval(ctx, id)
}

func (c *CoreUseCase) QueryApprovals(ctx context.Context, filter domain.ApprovalFilter) iter.Seq2[*domain.Approval, error] {
	return c.workflow.Query(ctx, filter)
}

// OpenAccount 開戶
func (c *CoreUseCase) OpenAccount(ctx context.Context, req OpenAccountRequest) (*domain.Account, error) {
	return c.accounts.Open(ctx, req)
}

// GetAccount 取得帳戶餘額與狀態
func (c *CoreUseCase) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return c.accounts.Get(ctx, id)
}

func (c *CoreUseCase) QueryAccounts(ctx context.Context, filter domain.AccountFilter) iter.Seq2[*domain.Account, error] {
	return c.accounts.Query(ctx, filter)
}

func (c *CoreUseCase) ChangeAccountStatus(ctx context.Context, id int64, status domain.AccountStatus, actorID int64) (*domain.Account, error) {
	return c.accounts.ChangeStatus(ctx, id, status, actorID)
}

// QueryAudit 稽核查詢，時間遞增
func (c *CoreUseCase) QueryAudit(ctx context.Context, filter domain.AuditFilter) iter.Seq2[*domain.AuditRecord, error] {
	return c.audit.Query(ctx, filter)
}
