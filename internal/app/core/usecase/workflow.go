package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
)

// DecisionResult 審核結果：審核單與被處理的交易
type DecisionResult struct {
	Approval    *domain.Approval    `json:"approval"`
	Transaction *domain.Transaction `json:"transaction"`
}

// Workflow 主管審核流程
type Workflow struct {
	store  Store
	ledger *Ledger
	audit  *AuditTrail
	opts   Options
}

// NewWorkflow 建立審核流程，並掛到 ledger 上作為轉帳的審核佇列
func NewWorkflow(store Store, ledger *Ledger, audit *AuditTrail, opts Options) *Workflow {
	w := &Workflow{
		store:  store,
		ledger: ledger,
		audit:  audit,
		opts:   opts.withDefaults(),
	}
	ledger.AttachReviewQueue(w)
	return w
}

// SubmitForReview 為 Pending 的轉帳開立審核單
//
// 參數:
//
//	transactionID: 轉帳交易 ID
//	reviewerPool: 候選審核人，空值使用預設名單
//
// 回傳:
//
//	*domain.Approval: Pending 審核單
//	error: ErrInvalidTransaction / ErrNotPending / ErrAlreadySubmitted / ErrTransactionNotFound
func (w *Workflow) SubmitForReview(ctx context.Context, transactionID int64, reviewerPool []int64) (*domain.Approval, error) {
	var approval *domain.Approval
	err := w.opts.run(ctx, "submit_for_review", func(ctx context.Context) error {
		return w.store.Atomic(ctx, func(ctx context.Context, repos Repositories) error {
			tran, err := repos.Transactions().Get(ctx, transactionID)
			if err != nil {
				return err
			}
			approval, err = w.openReview(ctx, repos, tran, reviewerPool)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return approval, nil
}

func (w *Workflow) openReview(ctx context.Context, repos Repositories, tran *domain.Transaction, pool []int64) (*domain.Approval, error) {
	if !tran.Type.RequiresReview() {
		return nil, fmt.Errorf("%w: %s transactions are not reviewed", domain.ErrInvalidTransaction, tran.Type)
	}
	if tran.Status != domain.TransactionStatusPending {
		return nil, fmt.Errorf("%w: transaction %d is %s", domain.ErrNotPending, tran.ID, tran.Status)
	}
	_, err := repos.Approvals().GetByTransaction(ctx, tran.ID)
	if err == nil {
		return nil, fmt.Errorf("%w: transaction %d", domain.ErrAlreadySubmitted, tran.ID)
	}
	if !errors.Is(err, domain.ErrApprovalNotFound) {
		return nil, err
	}

	if len(pool) == 0 {
		pool = w.opts.DefaultReviewers
	}
	approval := domain.NewApproval(tran.ID, pool, w.opts.now())
	if err := repos.Approvals().Create(ctx, approval); err != nil {
		return nil, err
	}
	return approval, nil
}

// Decide 審核決議
//
// 記錄決議、套用轉帳與寫入稽核在同一個原子單元內完成；
// 任一步驟失敗，審核單回到 Pending、交易維持 Pending。
// 核准後來源帳戶餘額不足時，決議照常提交 (交易為 Rejected)，並連同結果回傳 ErrInsufficientFunds。
//
// 回傳:
//
//	*DecisionResult: 審核單與交易
//	error: ErrInvalidDecision / ErrApprovalNotFound / ErrAlreadyDecided / ErrReviewerNotEligible / ErrSelfApproval / ErrAuditWriteFailed ...
func (w *Workflow) Decide(ctx context.Context, req domain.DecideRequest) (*DecisionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		result  *DecisionResult
		refusal error
		record  *domain.AuditRecord
	)
	err := w.opts.run(ctx, "decide", func(ctx context.Context) error {
		result, refusal, record = nil, nil, nil
		return w.store.Atomic(ctx, func(ctx context.Context, repos Repositories) error {
			approval, err := repos.Approvals().Get(ctx, req.ApprovalID)
			if err != nil {
				return err
			}
			if approval.Decision.Terminal() {
				return fmt.Errorf("%w: approval %d is %s", domain.ErrAlreadyDecided, approval.ID, approval.Status())
			}
			if !approval.Eligible(req.ReviewerID) {
				return fmt.Errorf("%w: reviewer %d on approval %d", domain.ErrReviewerNotEligible, req.ReviewerID, approval.ID)
			}
			tran, err := repos.Transactions().Get(ctx, approval.TransactionID)
			if err != nil {
				return err
			}
			if tran.InitiatedBy != 0 && tran.InitiatedBy == req.ReviewerID {
				return fmt.Errorf("%w: reviewer %d initiated transaction %d", domain.ErrSelfApproval, req.ReviewerID, tran.ID)
			}

			decided, err := repos.Approvals().Decide(ctx, approval.ID, req.Decision, req.ReviewerID, req.Comments, w.opts.now())
			if err != nil {
				return err
			}
			resolved, resolveErr := w.ledger.resolveTransfer(ctx, repos, tran.ID, req.Decision == domain.DecisionApprove)
			if resolveErr != nil && !isRefusal(resolveErr) {
				return resolveErr
			}
			rec, err := w.audit.Record(ctx, repos, AuditEntry{
				ActorID:    req.ReviewerID,
				Action:     domain.ActionApprovalDecision,
				EntityKind: domain.EntityApproval,
				EntityID:   approval.ID,
				OldValue:   string(domain.DecisionPending),
				NewValue:   string(req.Decision),
			})
			if err != nil {
				return err
			}

			result = &DecisionResult{Approval: decided, Transaction: resolved}
			refusal, record = resolveErr, rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	w.audit.Publish(ctx, record)
	w.opts.Logger.Info("approval decided",
		zap.Int64("approval_id", result.Approval.ID),
		zap.Int64("transaction_id", result.Transaction.ID),
		zap.String("decision", string(req.Decision)),
		zap.String("transaction_status", string(result.Transaction.Status)),
	)
	return result, refusal
}

// GetApproval 取得審核單
func (w *Workflow) GetApproval(ctx context.Context, id int64) (approval *domain.Approval, err error) {
	err = w.opts.once(ctx, func(ctx context.Context) error {
		approval, err = w.store.Approvals().Get(ctx, id)
		return err
	})
	return approval, err
}

// Query 依條件查詢審核單，CreatedAt 遞減
func (w *Workflow) Query(ctx context.Context, filter domain.ApprovalFilter) iter.Seq2[*domain.Approval, error] {
	if err := filter.Validate(); err != nil {
		return func(yield func(*domain.Approval, error) bool) { yield(nil, err) }
	}
	return paginate(ctx, w.opts.PageSize, filter.After,
		func(ctx context.Context, after *domain.Cursor, limit int) ([]*domain.Approval, error) {
			return w.store.Approvals().List(ctx, filter, after, limit)
		},
		(*domain.Approval).Cursor,
	)
}
