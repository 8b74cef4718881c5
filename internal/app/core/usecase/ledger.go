package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
)

// ReviewQueue 轉帳建立時，在同一個原子單元內開立審核單
type ReviewQueue interface {
	openReview(ctx context.Context, repos Repositories, tran *domain.Transaction, pool []int64) (*domain.Approval, error)
}

// Ledger 交易帳本：建立、套用、沖正交易
//
// 餘額只透過 AccountRepository.AdjustBalance 異動；
// 多筆異動的原子性交給 Store.Atomic (資料庫交易或單元暫存)。
type Ledger struct {
	store   Store
	audit   *AuditTrail
	guard   IdempotencyGuard
	reviews ReviewQueue
	opts    Options
}

// NewLedger 建立 Ledger
//
// 參數:
//
//	store: 持久層
//	audit: 稽核軌跡
//	guard: RefID 去重，nil 時只依賴 Store 的唯一性
//	opts: 重試 / 逾時 / 分頁設定
func NewLedger(store Store, audit *AuditTrail, guard IdempotencyGuard, opts Options) *Ledger {
	if guard == nil {
		guard = NoopIdempotencyGuard{}
	}
	return &Ledger{
		store: store,
		audit: audit,
		guard: guard,
		opts:  opts.withDefaults(),
	}
}

// AttachReviewQueue 設定轉帳的審核佇列
func (l *Ledger) AttachReviewQueue(q ReviewQueue) {
	l.reviews = q
}

// CreateTransaction 建立交易
//
// 存款 / 提款立即套用；餘額不足或帳戶非 Active 時交易以 Rejected 保存，
// 並同時回傳該筆交易與錯誤。轉帳以 Pending 保存並送審。
// 相同 RefID 重送回傳既有交易，不會產生第二次帳務效果。
//
// 回傳:
//
//	*domain.Transaction: 已保存的交易 (驗證失敗或找不到帳戶時為 nil)
//	error: ErrInvalidTransaction / ErrAccountNotFound / ErrInsufficientFunds / ErrAccountNotActive / ErrConflict / ErrTimeout
func (l *Ledger) CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest) (*domain.Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.RefID == uuid.Nil {
		req.RefID = uuid.New()
	}

	existingID, reserved, err := l.reserve(ctx, req.RefID)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return l.GetTransaction(ctx, existingID)
	}

	var (
		result  *domain.Transaction
		refusal error
	)
	err = l.opts.run(ctx, "create_transaction", func(ctx context.Context) error {
		result, refusal = nil, nil
		return l.store.Atomic(ctx, func(ctx context.Context, repos Repositories) error {
			prior, err := repos.Transactions().GetByRef(ctx, req.RefID)
			if err == nil {
				result = prior
				return nil
			}
			if !errors.Is(err, domain.ErrTransactionNotFound) {
				return err
			}

			tran, err := l.create(ctx, repos, &req)
			if err != nil && !isRefusal(err) {
				return err
			}
			result, refusal = tran, err
			return nil
		})
	})
	if err != nil {
		if relErr := l.guard.Release(context.WithoutCancel(ctx), req.RefID); relErr != nil {
			l.opts.Logger.Warn("release idempotency key failed", zap.Stringer("ref_id", req.RefID), zap.Error(relErr))
		}
		return nil, err
	}
	if cmpErr := l.guard.Complete(context.WithoutCancel(ctx), req.RefID, result.ID); cmpErr != nil {
		l.opts.Logger.Warn("complete idempotency key failed", zap.Stringer("ref_id", req.RefID), zap.Error(cmpErr))
	}
	if refusal != nil {
		l.opts.Logger.Info("transaction rejected",
			zap.Int64("transaction_id", result.ID),
			zap.String("type", string(result.Type)),
			zap.Int64("account_id", result.AccountID),
			zap.String("reason", refusal.Error()),
		)
	}
	return result, refusal
}

func (l *Ledger) reserve(ctx context.Context, ref uuid.UUID) (existingID int64, reserved bool, err error) {
	err = l.opts.run(ctx, "reserve_ref", func(ctx context.Context) error {
		existingID, reserved, err = l.guard.Reserve(ctx, ref)
		return err
	})
	return existingID, reserved, err
}

// create 在原子單元內依交易類型建立交易
func (l *Ledger) create(ctx context.Context, repos Repositories, req *domain.CreateTransactionRequest) (*domain.Transaction, error) {
	if req.Type.RequiresReview() {
		return l.createTransfer(ctx, repos, req)
	}

	acct, err := repos.Accounts().Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	tran := domain.NewTransaction(req, domain.TransactionStatusCompleted, l.opts.now())

	_, refusal := repos.Accounts().AdjustBalance(ctx, acct.ID, tran.Delta(), acct.Version, tran.CreatedAt)
	if refusal != nil {
		if !isRefusal(refusal) {
			return nil, refusal
		}
		tran.Status = domain.TransactionStatusRejected
	}
	if err := repos.Transactions().Create(ctx, tran); err != nil {
		return nil, err
	}
	return tran, refusal
}

func (l *Ledger) createTransfer(ctx context.Context, repos Repositories, req *domain.CreateTransactionRequest) (*domain.Transaction, error) {
	src, err := repos.Accounts().Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	dst, err := repos.Accounts().Get(ctx, req.DestinationAccountID)
	if err != nil {
		return nil, err
	}

	tran := domain.NewTransaction(req, domain.TransactionStatusPending, l.opts.now())
	var refusal error
	if src.Status != domain.AccountStatusActive || dst.Status != domain.AccountStatusActive {
		tran.Status = domain.TransactionStatusRejected
		refusal = domain.ErrAccountNotActive
	}
	if err := repos.Transactions().Create(ctx, tran); err != nil {
		return nil, err
	}
	if refusal != nil {
		return tran, refusal
	}
	if l.reviews != nil {
		if _, err := l.reviews.openReview(ctx, repos, tran, nil); err != nil {
			return nil, err
		}
	}
	return tran, nil
}

// ResolveTransfer 以獨立的原子單元處理轉帳決議
//
// 參數:
//
//	id: 轉帳交易 ID
//	approved: true 套用兩邊帳務，false 直接 Rejected
func (l *Ledger) ResolveTransfer(ctx context.Context, id int64, approved bool) (*domain.Transaction, error) {
	var (
		result  *domain.Transaction
		refusal error
	)
	err := l.opts.run(ctx, "resolve_transfer", func(ctx context.Context) error {
		result, refusal = nil, nil
		return l.store.Atomic(ctx, func(ctx context.Context, repos Repositories) error {
			tran, err := l.resolveTransfer(ctx, repos, id, approved)
			if err != nil && !isRefusal(err) {
				return err
			}
			result, refusal = tran, err
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, refusal
}

// resolveTransfer 在呼叫端的原子單元內套用轉帳
//
// 來源帳戶被拒 (餘額不足 / 非 Active) 時交易轉為 Rejected 並回傳該錯誤，
// 此時沒有任何餘額被異動，呼叫端可以提交。其餘錯誤呼叫端必須回滾。
func (l *Ledger) resolveTransfer(ctx context.Context, repos Repositories, id int64, approved bool) (*domain.Transaction, error) {
	tran, err := repos.Transactions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tran.Type != domain.TransactionTypeTransfer {
		return nil, fmt.Errorf("%w: transaction %d is not a transfer", domain.ErrInvalidTransaction, id)
	}
	if tran.Status != domain.TransactionStatusPending {
		return nil, fmt.Errorf("%w: transaction %d is %s", domain.ErrNotPending, id, tran.Status)
	}

	now := l.opts.now()
	if !approved {
		return repos.Transactions().UpdateStatus(ctx, id, domain.TransactionStatusPending, domain.TransactionStatusRejected, now)
	}

	if refusal := l.applyLegs(ctx, repos, tran, now); refusal != nil {
		if !isRefusal(refusal) {
			return nil, refusal
		}
		rejected, err := repos.Transactions().UpdateStatus(ctx, id, domain.TransactionStatusPending, domain.TransactionStatusRejected, now)
		if err != nil {
			return nil, err
		}
		return rejected, refusal
	}
	return repos.Transactions().UpdateStatus(ctx, id, domain.TransactionStatusPending, domain.TransactionStatusCompleted, now)
}

// applyLegs 先扣來源再入目的
// 只有在扣款前發生的拒絕會以 refusal 形式回傳；扣款後的失敗一律視為需回滾的錯誤
func (l *Ledger) applyLegs(ctx context.Context, repos Repositories, tran *domain.Transaction, at time.Time) error {
	src, err := repos.Accounts().Get(ctx, tran.AccountID)
	if err != nil {
		return err
	}
	dst, err := repos.Accounts().Get(ctx, tran.DestinationAccountID)
	if err != nil {
		return err
	}
	if dst.Status != domain.AccountStatusActive {
		return fmt.Errorf("%w: destination account %d is %s", domain.ErrAccountNotActive, dst.ID, dst.Status)
	}

	if _, err := repos.Accounts().AdjustBalance(ctx, src.ID, tran.Amount.Neg(), src.Version, at); err != nil {
		return err
	}
	if _, err := repos.Accounts().AdjustBalance(ctx, dst.ID, tran.Amount, dst.Version, at); err != nil {
		if isRefusal(err) {
			return fmt.Errorf("%w: destination account %d changed during transfer: %v", domain.ErrConflict, dst.ID, err)
		}
		return fmt.Errorf("credit account %d: %w", dst.ID, err)
	}
	return nil
}

// ReverseTransaction 沖正已完成的存款 / 提款
//
// 回傳:
//
//	*domain.Transaction: 狀態為 Reversed 的交易
//	error: ErrNotReversible / ErrInsufficientFunds / ErrAccountNotActive / ErrTransactionNotFound
func (l *Ledger) ReverseTransaction(ctx context.Context, id, actorID int64) (*domain.Transaction, error) {
	var (
		result *domain.Transaction
		record *domain.AuditRecord
	)
	err := l.opts.run(ctx, "reverse_transaction", func(ctx context.Context) error {
		return l.store.Atomic(ctx, func(ctx context.Context, repos Repositories) error {
			tran, err := repos.Transactions().Get(ctx, id)
			if err != nil {
				return err
			}
			if tran.Type == domain.TransactionTypeTransfer || !tran.Status.CanTransitionTo(domain.TransactionStatusReversed) {
				return fmt.Errorf("%w: %s transaction %d is %s", domain.ErrNotReversible, tran.Type, id, tran.Status)
			}

			acct, err := repos.Accounts().Get(ctx, tran.AccountID)
			if err != nil {
				return err
			}
			now := l.opts.now()
			if _, err := repos.Accounts().AdjustBalance(ctx, acct.ID, tran.Delta().Neg(), acct.Version, now); err != nil {
				return err
			}
			reversed, err := repos.Transactions().UpdateStatus(ctx, id, domain.TransactionStatusCompleted, domain.TransactionStatusReversed, now)
			if err != nil {
				return err
			}
			rec, err := l.audit.Record(ctx, repos, AuditEntry{
				ActorID:    actorID,
				Action:     domain.ActionTransactionReversal,
				EntityKind: domain.EntityTransaction,
				EntityID:   id,
				OldValue:   string(domain.TransactionStatusCompleted),
				NewValue:   string(domain.TransactionStatusReversed),
			})
			if err != nil {
				return err
			}
			result, record = reversed, rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	l.audit.Publish(ctx, record)
	return result, nil
}

// GetTransaction 取得單筆交易
func (l *Ledger) GetTransaction(ctx context.Context, id int64) (tran *domain.Transaction, err error) {
	err = l.opts.once(ctx, func(ctx context.Context) error {
		tran, err = l.store.Transactions().Get(ctx, id)
		return err
	})
	return tran, err
}

// Query 依條件查詢交易，CreatedAt 遞減 (同時間以 ID 遞減)
// 回傳的序列每次迭代都會重新向儲存層讀取
func (l *Ledger) Query(ctx context.Context, filter domain.TransactionFilter) iter.Seq2[*domain.Transaction, error] {
	if err := filter.Validate(); err != nil {
		return func(yield func(*domain.Transaction, error) bool) { yield(nil, err) }
	}
	return paginate(ctx, l.opts.PageSize, filter.After,
		func(ctx context.Context, after *domain.Cursor, limit int) ([]*domain.Transaction, error) {
			return l.store.Transactions().List(ctx, filter, after, limit)
		},
		(*domain.Transaction).Cursor,
	)
}
