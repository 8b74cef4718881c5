package mysql

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
)

// accountRow 對應資料庫的 accounts 表
type accountRow struct {
	ID             int64           `gorm:"primaryKey;autoIncrement"`
	CustomerID     int64           `gorm:"index"`
	Branch         string          `gorm:"size:32;index"`
	Type           string          `gorm:"size:16"`
	Balance        decimal.Decimal `gorm:"type:decimal(18,2)"`
	InitialBalance decimal.Decimal `gorm:"type:decimal(18,2)"`
	OverdraftLimit decimal.Decimal `gorm:"type:decimal(18,2)"`
	Status         string          `gorm:"size:16"`
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (*accountRow) TableName() string {
	return "accounts"
}

func newAccountRow(a *domain.Account) *accountRow {
	return &accountRow{
		ID:             a.ID,
		CustomerID:     a.CustomerID,
		Branch:         a.Branch,
		Type:           string(a.Type),
		Balance:        a.Balance,
		InitialBalance: a.InitialBalance,
		OverdraftLimit: a.OverdraftLimit,
		Status:         string(a.Status),
		Version:        a.Version,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func (r *accountRow) toDomain() *domain.Account {
	return &domain.Account{
		ID:             r.ID,
		CustomerID:     r.CustomerID,
		Branch:         r.Branch,
		Type:           domain.AccountType(r.Type),
		Balance:        r.Balance,
		InitialBalance: r.InitialBalance,
		OverdraftLimit: r.OverdraftLimit,
		Status:         domain.AccountStatus(r.Status),
		Version:        r.Version,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

// transactionRow 對應資料庫的 transactions 表
type transactionRow struct {
	ID                   int64           `gorm:"primaryKey;autoIncrement"`
	RefID                []byte          `gorm:"column:ref_id;type:binary(16);uniqueIndex"`
	AccountID            int64           `gorm:"index"`
	DestinationAccountID int64           `gorm:"index"`
	Type                 string          `gorm:"size:16"`
	Amount               decimal.Decimal `gorm:"type:decimal(18,2)"`
	Status               string          `gorm:"size:16;index"`
	InitiatedBy          int64
	Description          string    `gorm:"size:255"`
	CreatedAt            time.Time `gorm:"index"`
	UpdatedAt            time.Time
}

func (*transactionRow) TableName() string {
	return "transactions"
}

func newTransactionRow(t *domain.Transaction) *transactionRow {
	ref := t.RefID
	return &transactionRow{
		ID:                   t.ID,
		RefID:                ref[:],
		AccountID:            t.AccountID,
		DestinationAccountID: t.DestinationAccountID,
		Type:                 string(t.Type),
		Amount:               t.Amount,
		Status:               string(t.Status),
		InitiatedBy:          t.InitiatedBy,
		Description:          t.Description,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
}

func (r *transactionRow) toDomain() *domain.Transaction {
	ref, _ := uuid.FromBytes(r.RefID)
	return &domain.Transaction{
		ID:                   r.ID,
		RefID:                ref,
		AccountID:            r.AccountID,
		DestinationAccountID: r.DestinationAccountID,
		Type:                 domain.TransactionType(r.Type),
		Amount:               r.Amount,
		Status:               domain.TransactionStatus(r.Status),
		InitiatedBy:          r.InitiatedBy,
		Description:          r.Description,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
}

// approvalRow 對應資料庫的 approvals 表，一筆交易最多一張
type approvalRow struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	TransactionID int64     `gorm:"uniqueIndex"`
	ReviewerPool  []int64   `gorm:"serializer:json;type:text"`
	ReviewerID    int64     `gorm:"index"`
	Decision      string    `gorm:"size:16;index"`
	Comments      string    `gorm:"size:1024"`
	CreatedAt     time.Time `gorm:"index"`
	DecidedAt     *time.Time
}

func (*approvalRow) TableName() string {
	return "approvals"
}

func newApprovalRow(a *domain.Approval) *approvalRow {
	return &approvalRow{
		ID:            a.ID,
		TransactionID: a.TransactionID,
		ReviewerPool:  a.ReviewerPool,
		ReviewerID:    a.ReviewerID,
		Decision:      string(a.Decision),
		Comments:      a.Comments,
		CreatedAt:     a.CreatedAt,
		DecidedAt:     a.DecidedAt,
	}
}

func (r *approvalRow) toDomain() *domain.Approval {
	a := &domain.Approval{
		ID:            r.ID,
		TransactionID: r.TransactionID,
		ReviewerPool:  r.ReviewerPool,
		ReviewerID:    r.ReviewerID,
		Decision:      domain.Decision(r.Decision),
		Comments:      r.Comments,
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if r.DecidedAt != nil {
		at := r.DecidedAt.UTC()
		a.DecidedAt = &at
	}
	return a
}

// auditRow 對應資料庫的 audit_records 表，只會 INSERT
type auditRow struct {
	Sequence   int64     `gorm:"primaryKey;autoIncrement"`
	ActorID    int64     `gorm:"index"`
	Action     string    `gorm:"size:64"`
	EntityKind string    `gorm:"size:16;index:idx_audit_entity"`
	EntityID   int64     `gorm:"index:idx_audit_entity"`
	OldValue   string    `gorm:"size:255"`
	NewValue   string    `gorm:"size:255"`
	CreatedAt  time.Time `gorm:"index"`
}

func (*auditRow) TableName() string {
	return "audit_records"
}

func (r *auditRow) toDomain() *domain.AuditRecord {
	return &domain.AuditRecord{
		Sequence:   uint64(r.Sequence),
		ActorID:    r.ActorID,
		Action:     r.Action,
		EntityKind: domain.EntityKind(r.EntityKind),
		EntityID:   r.EntityID,
		OldValue:   r.OldValue,
		NewValue:   r.NewValue,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}
