package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
	"github.com/JoeShih716/branch-ledger/internal/app/core/usecase"
)

// Store 是關聯式資料庫版的持久層 (GORM)
//
// Atomic 對應一個資料庫交易；帳戶以 version、交易與審核單以 status 做樂觀鎖，
// 影響筆數為 0 時回傳 ErrConflict，由上層重試。
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewStore 建立 Store
//
// 參數:
//
//	db: 已連線的 *gorm.DB (pkg/mysql.Client.DB())
//	log: nil 使用 zap.NewNop()
func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

// Migrate 建立 / 更新資料表
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&accountRow{}, &transactionRow{}, &approvalRow{}, &auditRow{})
}

// Atomic 在資料庫交易內執行 fn，fn 回傳錯誤即 ROLLBACK
// 交易本身不受呼叫端取消影響，開始 COMMIT 後一定會完成
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, repos usecase.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := fn(ctx, &repos{db: tx}); err != nil {
			return err
		}
		return ctx.Err()
	})
	if err != nil && domain.KindOf(err) == domain.KindUnknown && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Error("database unit failed", zap.Error(err))
	}
	return err
}

func (s *Store) Accounts() usecase.AccountRepository {
	return &accountRepo{db: s.db}
}

func (s *Store) Transactions() usecase.TransactionRepository {
	return &transactionRepo{db: s.db}
}

func (s *Store) Approvals() usecase.ApprovalRepository {
	return &approvalRepo{db: s.db}
}

func (s *Store) Audit() usecase.AuditRepository {
	return &auditRepo{db: s.db}
}

// repos 同一個 *gorm.DB 交易下的 repository
type repos struct {
	db *gorm.DB
}

func (r *repos) Accounts() usecase.AccountRepository         { return &accountRepo{db: r.db} }
func (r *repos) Transactions() usecase.TransactionRepository { return &transactionRepo{db: r.db} }
func (r *repos) Approvals() usecase.ApprovalRepository       { return &approvalRepo{db: r.db} }
func (r *repos) Audit() usecase.AuditRepository              { return &auditRepo{db: r.db} }

type accountRepo struct {
	db *gorm.DB
}

func (r *accountRepo) Create(ctx context.Context, account *domain.Account) error {
	row := newAccountRow(account)
	row.ID = 0
	row.Version = 0
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	account.ID = row.ID
	account.Version = row.Version
	return nil
}

func (r *accountRepo) Get(ctx context.Context, id int64) (*domain.Account, error) {
	row, err := r.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (r *accountRepo) find(ctx context.Context, id int64) (*accountRow, error) {
	var row accountRow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select account %d: %w", id, err)
	}
	return &row, nil
}

// AdjustBalance 先以 domain 規則檢查，再用 version 做 CAS 更新
func (r *accountRepo) AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal, expectedVersion int64, at time.Time) (*domain.Account, error) {
	return r.mutate(ctx, id, expectedVersion, func(a *domain.Account) error {
		return a.ApplyDelta(delta, at)
	})
}

func (r *accountRepo) UpdateStatus(ctx context.Context, id int64, status domain.AccountStatus, expectedVersion int64, at time.Time) (*domain.Account, error) {
	return r.mutate(ctx, id, expectedVersion, func(a *domain.Account) error {
		if err := a.CanTransitionTo(status); err != nil {
			return err
		}
		a.Status = status
		a.Version++
		a.UpdatedAt = at.UTC()
		return nil
	})
}

func (r *accountRepo) mutate(ctx context.Context, id, expectedVersion int64, apply func(a *domain.Account) error) (*domain.Account, error) {
	row, err := r.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.Version != expectedVersion {
		return nil, fmt.Errorf("%w: account %d version %d, expected %d", domain.ErrConflict, id, row.Version, expectedVersion)
	}
	acct := row.toDomain()
	if err := apply(acct); err != nil {
		return nil, err
	}

	res := r.db.WithContext(ctx).Model(&accountRow{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]any{
			"balance":    acct.Balance,
			"status":     string(acct.Status),
			"version":    acct.Version,
			"updated_at": acct.UpdatedAt,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update account %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: account %d modified concurrently", domain.ErrConflict, id)
	}
	return acct, nil
}

// List 依 created_at, id 遞增的 keyset 分頁
func (r *accountRepo) List(ctx context.Context, filter domain.AccountFilter, after *domain.Cursor, limit int) ([]*domain.Account, error) {
	q := r.db.WithContext(ctx).Model(&accountRow{})
	if filter.CustomerID != 0 {
		q = q.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.Branch != "" {
		q = q.Where("branch = ?", filter.Branch)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if after != nil {
		q = q.Where("(created_at > ? OR (created_at = ? AND id > ?))", after.At, after.At, after.ID)
	}

	var rows []accountRow
	if err := q.Order("created_at ASC, id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]*domain.Account, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

type transactionRepo struct {
	db *gorm.DB
}

func (r *transactionRepo) Create(ctx context.Context, tran *domain.Transaction) error {
	if _, err := r.GetByRef(ctx, tran.RefID); err == nil {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateReference, tran.RefID)
	} else if !errors.Is(err, domain.ErrTransactionNotFound) {
		return err
	}
	row := newTransactionRow(tran)
	row.ID = 0
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateReference, tran.RefID)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	tran.ID = row.ID
	return nil
}

func (r *transactionRepo) Get(ctx context.Context, id int64) (*domain.Transaction, error) {
	return r.first(ctx, fmt.Sprintf("id %d", id), "id = ?", id)
}

func (r *transactionRepo) GetByRef(ctx context.Context, ref uuid.UUID) (*domain.Transaction, error) {
	return r.first(ctx, "ref "+ref.String(), "ref_id = ?", ref[:])
}

func (r *transactionRepo) first(ctx context.Context, label string, query string, args ...any) (*domain.Transaction, error) {
	var row transactionRow
	err := r.db.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, label)
	}
	if err != nil {
		return nil, fmt.Errorf("select transaction %s: %w", label, err)
	}
	return row.toDomain(), nil
}

// UpdateStatus 以目前狀態做 CAS
func (r *transactionRepo) UpdateStatus(ctx context.Context, id int64, from, to domain.TransactionStatus, at time.Time) (*domain.Transaction, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: transaction status %s -> %s", domain.ErrInvalidInput, from, to)
	}
	res := r.db.WithContext(ctx).Model(&transactionRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": at.UTC(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update transaction %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: transaction %d is %s, expected %s", domain.ErrConflict, id, current.Status, from)
	}
	return r.Get(ctx, id)
}

// List keyset 分頁：created_at, id 遞減
func (r *transactionRepo) List(ctx context.Context, filter domain.TransactionFilter, after *domain.Cursor, limit int) ([]*domain.Transaction, error) {
	q := r.db.WithContext(ctx).Model(&transactionRow{})
	if filter.AccountID != 0 {
		q = q.Where("(account_id = ? OR destination_account_id = ?)", filter.AccountID, filter.AccountID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	q = whereRange(q, filter.From, filter.To)
	if after != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", after.At, after.At, after.ID)
	}

	var rows []transactionRow
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := make([]*domain.Transaction, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

type approvalRepo struct {
	db *gorm.DB
}

func (r *approvalRepo) Create(ctx context.Context, approval *domain.Approval) error {
	if _, err := r.GetByTransaction(ctx, approval.TransactionID); err == nil {
		return fmt.Errorf("%w: transaction %d", domain.ErrAlreadySubmitted, approval.TransactionID)
	} else if !errors.Is(err, domain.ErrApprovalNotFound) {
		return err
	}
	row := newApprovalRow(approval)
	row.ID = 0
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: transaction %d", domain.ErrAlreadySubmitted, approval.TransactionID)
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	approval.ID = row.ID
	return nil
}

func (r *approvalRepo) Get(ctx context.Context, id int64) (*domain.Approval, error) {
	return r.first(ctx, fmt.Sprintf("%d", id), "id = ?", id)
}

func (r *approvalRepo) GetByTransaction(ctx context.Context, transactionID int64) (*domain.Approval, error) {
	return r.first(ctx, fmt.Sprintf("transaction %d", transactionID), "transaction_id = ?", transactionID)
}

func (r *approvalRepo) first(ctx context.Context, label string, query string, args ...any) (*domain.Approval, error) {
	var row approvalRow
	err := r.db.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrApprovalNotFound, label)
	}
	if err != nil {
		return nil, fmt.Errorf("select approval %s: %w", label, err)
	}
	return row.toDomain(), nil
}

// Decide 只更新仍為 Pending 的審核單
func (r *approvalRepo) Decide(ctx context.Context, id int64, decision domain.Decision, reviewerID int64, comments string, at time.Time) (*domain.Approval, error) {
	if !decision.Terminal() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidDecision, decision)
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Decision.Terminal() {
		return nil, fmt.Errorf("%w: approval %d", domain.ErrAlreadyDecided, id)
	}

	decidedAt := at.UTC()
	res := r.db.WithContext(ctx).Model(&approvalRow{}).
		Where("id = ? AND decision = ?", id, string(domain.DecisionPending)).
		Updates(map[string]any{
			"decision":    string(decision),
			"reviewer_id": reviewerID,
			"comments":    comments,
			"decided_at":  decidedAt,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update approval %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: approval %d", domain.ErrAlreadyDecided, id)
	}
	current.Decision = decision
	current.ReviewerID = reviewerID
	current.Comments = comments
	current.DecidedAt = &decidedAt
	return current, nil
}

// List keyset 分頁：created_at, id 遞減
func (r *approvalRepo) List(ctx context.Context, filter domain.ApprovalFilter, after *domain.Cursor, limit int) ([]*domain.Approval, error) {
	q := r.db.WithContext(ctx).Model(&approvalRow{})
	if filter.Status != "" {
		q = q.Where("decision = ?", string(filter.Status.Decision()))
	}
	if filter.ReviewerID != 0 {
		q = q.Where("reviewer_id = ?", filter.ReviewerID)
	}
	q = whereRange(q, filter.From, filter.To)
	if after != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", after.At, after.At, after.ID)
	}

	var rows []approvalRow
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	out := make([]*domain.Approval, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

type auditRepo struct {
	db *gorm.DB
}

// Append 只有 INSERT，沒有對應的 UPDATE / DELETE
func (r *auditRepo) Append(ctx context.Context, record *domain.AuditRecord) error {
	row := &auditRow{
		ActorID:    record.ActorID,
		Action:     record.Action,
		EntityKind: string(record.EntityKind),
		EntityID:   record.EntityID,
		OldValue:   record.OldValue,
		NewValue:   record.NewValue,
		CreatedAt:  record.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	record.Sequence = uint64(row.Sequence)
	return nil
}

// List keyset 分頁：created_at, sequence 遞增
func (r *auditRepo) List(ctx context.Context, filter domain.AuditFilter, after *domain.Cursor, limit int) ([]*domain.AuditRecord, error) {
	q := r.db.WithContext(ctx).Model(&auditRow{})
	if filter.EntityKind != "" {
		q = q.Where("entity_kind = ?", string(filter.EntityKind))
	}
	if filter.EntityID != 0 {
		q = q.Where("entity_id = ?", filter.EntityID)
	}
	q = whereRange(q, filter.From, filter.To)
	if after != nil {
		q = q.Where("(created_at > ? OR (created_at = ? AND sequence > ?))", after.At, after.At, after.ID)
	}

	var rows []auditRow
	if err := q.Order("created_at ASC, sequence ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	out := make([]*domain.AuditRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func whereRange(q *gorm.DB, from, to *time.Time) *gorm.DB {
	if from != nil {
		q = q.Where("created_at >= ?", from.UTC())
	}
	if to != nil {
		q = q.Where("created_at <= ?", to.UTC())
	}
	return q
}

var (
	_ usecase.Store                 = (*Store)(nil)
	_ usecase.AccountRepository     = (*accountRepo)(nil)
	_ usecase.TransactionRepository = (*transactionRepo)(nil)
	_ usecase.ApprovalRepository    = (*approvalRepo)(nil)
	_ usecase.AuditRepository       = (*auditRepo)(nil)
)
