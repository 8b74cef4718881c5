package usecase

import (
	"context"
	"iter"

	"github.com/shopspring/decimal"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
)

// OpenAccountRequest 開戶請求
type OpenAccountRequest struct {
	CustomerID     int64
	Branch         string
	Type           domain.AccountType
	InitialDeposit decimal.Decimal
	OverdraftLimit decimal.Decimal
	// ActorID: 經辦人員
	ActorID int64
}

// Accounts 帳戶管理：開戶與狀態異動，餘額異動只經過 Ledger
type Accounts struct {
	store Store
	audit *AuditTrail
	opts  Options
}

func NewAccounts(store Store, audit *AuditTrail, opts Options) *Accounts {
	return &Accounts{
		store: store,
		audit: audit,
		opts:  opts.withDefaults(),
	}
}

// Open 開戶並寫入 AccountOpened 稽核
func (a *Accounts) Open(ctx context.Context, req OpenAccountRequest) (*domain.Account, error) {
	acct, err := domain.NewAccount(req.CustomerID, req.Branch, req.Type, req.InitialDeposit, req.OverdraftLimit, a.opts.now())
	if err != nil {
		return nil, err
	}

	var record *domain.AuditRecord
	err = a.opts.run(ctx, "open_account", func(ctx context.Context) error {
		return a.store.Atomic(ctx, func(ctx context.Context, repos Repositories) error {
			row := *acct
			if err := repos.Accounts().Create(ctx, &row); err != nil {
				return err
			}
			rec, err := a.audit.Record(ctx, repos, AuditEntry{
				ActorID:    req.ActorID,
				Action:     domain.ActionAccountOpened,
				EntityKind: domain.EntityAccount,
				EntityID:   row.ID,
				NewValue:   string(row.Status),
			})
			if err != nil {
				return err
			}
			acct, record = &row, rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	a.audit.Publish(ctx, record)
	return acct, nil
}

// Get 取得帳戶
func (a *Accounts) Get(ctx context.Context, id int64) (acct *domain.Account, err error) {
	err = a.opts.once(ctx, func(ctx context.Context) error {
		acct, err = a.store.Accounts().Get(ctx, id)
		return err
	})
	return acct, err
}

// Query 依條件列出帳戶，CreatedAt 遞增 (同時間以 ID 遞增)
func (a *Accounts) Query(ctx context.Context, filter domain.AccountFilter) iter.Seq2[*domain.Account, error] {
	if err := filter.Validate(); err != nil {
		return func(yield func(*domain.Account, error) bool) { yield(nil, err) }
	}
	return paginate(ctx, a.opts.PageSize, filter.After,
		func(ctx context.Context, after *domain.Cursor, limit int) ([]*domain.Account, error) {
			return a.store.Accounts().List(ctx, filter, after, limit)
		},
		(*domain.Account).Cursor,
	)
}

// ChangeStatus 變更帳戶狀態
//
// 回傳:
//
//	*domain.Account: 更新後的帳戶
//	error: ErrInvalidStatusChange / ErrAccountNotEmpty / ErrAccountNotFound / ErrConflict
func (a *Accounts) ChangeStatus(ctx context.Context, id int64, status domain.AccountStatus, actorID int64) (*domain.Account, error) {
	var (
		result *domain.Account
		record *domain.AuditRecord
	)
	err := a.opts.run(ctx, "change_account_status", func(ctx context.Context) error {
		return a.store.Atomic(ctx, func(ctx context.Context, repos Repositories) error {
			acct, err := repos.Accounts().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := acct.CanTransitionTo(status); err != nil {
				return err
			}
			updated, err := repos.Accounts().UpdateStatus(ctx, id, status, acct.Version, a.opts.now())
			if err != nil {
				return err
			}
			rec, err := a.audit.Record(ctx, repos, AuditEntry{
				ActorID:    actorID,
				Action:     domain.ActionAccountStatusChange,
				EntityKind: domain.EntityAccount,
				EntityID:   id,
				OldValue:   string(acct.Status),
				NewValue:   string(status),
			})
			if err != nil {
				return err
			}
			result, record = updated, rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	a.audit.Publish(ctx, record)
	return result, nil
}
