package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// 金額以 decimal 儲存，精度：小數點後 2 位 (對應資料庫 decimal(18,2))
const MoneyScale = 2

// MaxDescriptionLength 交易備註長度上限
const MaxDescriptionLength = 255

// HasMoneyScale 金額小數位數不超過 MoneyScale
func HasMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyScale))
}

// TransactionType 交易類型
type TransactionType string

const (
	// 存款
	TransactionTypeDeposit TransactionType = "Deposit"
	// 提款
	TransactionTypeWithdrawal TransactionType = "Withdrawal"
	// 轉帳，需經主管審核
	TransactionTypeTransfer TransactionType = "Transfer"
)

// Valid 是否為已知的交易類型
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdrawal, TransactionTypeTransfer:
		return true
	}
	return false
}

// RequiresReview 轉帳同時異動兩個帳戶，必須先審核
func (t TransactionType) RequiresReview() bool {
	return t == TransactionTypeTransfer
}

// TransactionStatus 交易狀態
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "Pending"
	TransactionStatusCompleted TransactionStatus = "Completed"
	TransactionStatusRejected  TransactionStatus = "Rejected"
	TransactionStatusReversed  TransactionStatus = "Reversed"
)

// Valid 是否為已知的交易狀態
func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusRejected, TransactionStatusReversed:
		return true
	}
	return false
}

// CanTransitionTo 交易狀態機：
// Pending -> Completed | Rejected，Completed -> Reversed，其餘皆不可
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch s {
	case TransactionStatusPending:
		return next == TransactionStatusCompleted || next == TransactionStatusRejected
	case TransactionStatusCompleted:
		return next == TransactionStatusReversed
	}
	return false
}

// Transaction 交易紀錄
type Transaction struct {
	ID int64 `json:"id"`
	// RefID: 外部追蹤號 (UUID)，同一 RefID 只會產生一次帳務效果
	RefID     uuid.UUID `json:"ref_id"`
	AccountID int64     `json:"account_id"`
	// DestinationAccountID: 只有轉帳使用，其餘為 0
	DestinationAccountID int64             `json:"destination_account_id,omitempty"`
	Type                 TransactionType   `json:"type"`
	Amount               decimal.Decimal   `json:"amount"`
	Status               TransactionStatus `json:"status"`
	InitiatedBy          int64             `json:"initiated_by"`
	Description          string            `json:"description,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Delta 交易對來源帳戶 (AccountID) 的餘額影響
func (t *Transaction) Delta() decimal.Decimal {
	switch t.Type {
	case TransactionTypeDeposit:
		return t.Amount
	default:
		return t.Amount.Neg()
	}
}

// Touches 交易是否涉及指定帳戶
func (t *Transaction) Touches(accountID int64) bool {
	return t.AccountID == accountID || (t.DestinationAccountID != 0 && t.DestinationAccountID == accountID)
}

// GetLockIDs 回傳交易涉及的帳號 ID，由小到大排序
func (t *Transaction) GetLockIDs() (ids []int64) {
	ids = make([]int64, 0, 2)
	if t.Type != TransactionTypeTransfer {
		return append(ids, t.AccountID)
	}
	if t.AccountID < t.DestinationAccountID {
		return append(ids, t.AccountID, t.DestinationAccountID)
	}
	return append(ids, t.DestinationAccountID, t.AccountID)
}

// CreateTransactionRequest 建立交易的請求
type CreateTransactionRequest struct {
	// RefID 為空時由 Ledger 產生
	RefID                uuid.UUID
	AccountID            int64
	Type                 TransactionType
	Amount               decimal.Decimal
	DestinationAccountID int64
	InitiatedBy          int64
	Description          string
}

// Validate 結構驗證，失敗一律為 ErrInvalidTransaction，不會寫入任何資料
func (r *CreateTransactionRequest) Validate() error {
	if r.AccountID <= 0 {
		return fmt.Errorf("%w: account id is required", ErrInvalidTransaction)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: type must be one of Deposit, Withdrawal, Transfer", ErrInvalidTransaction)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidTransaction)
	}
	if !HasMoneyScale(r.Amount) {
		return fmt.Errorf("%w: amount supports at most %d decimal places", ErrInvalidTransaction, MoneyScale)
	}
	if len(r.Description) > MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidTransaction, MaxDescriptionLength)
	}
	switch r.Type {
	case TransactionTypeTransfer:
		if r.DestinationAccountID <= 0 {
			return fmt.Errorf("%w: transfer requires a destination account", ErrInvalidTransaction)
		}
		if r.DestinationAccountID == r.AccountID {
			return fmt.Errorf("%w: transfer source and destination must differ", ErrInvalidTransaction)
		}
	default:
		if r.DestinationAccountID != 0 {
			return fmt.Errorf("%w: only transfers carry a destination account", ErrInvalidTransaction)
		}
	}
	return nil
}

// NewTransaction 由已驗證的請求建立交易，初始狀態由呼叫端決定
func NewTransaction(req *CreateTransactionRequest, status TransactionStatus, now time.Time) *Transaction {
	now = now.UTC()
	return &Transaction{
		RefID:                req.RefID,
		AccountID:            req.AccountID,
		DestinationAccountID: req.DestinationAccountID,
		Type:                 req.Type,
		Amount:               req.Amount,
		Status:               status,
		InitiatedBy:          req.InitiatedBy,
		Description:          req.Description,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// TransactionFilter 交易查詢條件，nil / 零值表示不過濾
type TransactionFilter struct {
	// AccountID 符合來源或目的帳戶
	AccountID int64
	Type      TransactionType
	Status    TransactionStatus
	From      *time.Time
	To        *time.Time
	// After 從此游標之後 (不含) 開始列出
	After *Cursor
}

// Match 記憶體實作使用的過濾判斷
func (f *TransactionFilter) Match(t *Transaction) bool {
	if f.AccountID != 0 && !t.Touches(f.AccountID) {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return inRange(t.CreatedAt, f.From, f.To)
}

// Validate 過濾條件的列舉值必須合法
func (f *TransactionFilter) Validate() error {
	if f.Type != "" && !f.Type.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidInput, f.Type)
	}
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("%w: unknown transaction status %q", ErrInvalidInput, f.Status)
	}
	return validateRange(f.From, f.To)
}

// Cursor keyset 分頁游標 (時間 + ID)
type Cursor struct {
	At time.Time
	ID int64
}

// Cursor 交易在列表中的位置
func (t *Transaction) Cursor() Cursor {
	return Cursor{At: t.CreatedAt, ID: t.ID}
}

func inRange(at time.Time, from, to *time.Time) bool {
	if from != nil && at.Before(*from) {
		return false
	}
	if to != nil && at.After(*to) {
		return false
	}
	return true
}

func validateRange(from, to *time.Time) error {
	if from != nil && to != nil && to.Before(*from) {
		return fmt.Errorf("%w: date range end precedes start", ErrInvalidInput)
	}
	return nil
}
