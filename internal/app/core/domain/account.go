package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountType 帳戶類型
type AccountType string

const (
	// 活期儲蓄
	AccountTypeSavings AccountType = "Savings"
	// 支票 / 活期存款，唯一允許透支的類型
	AccountTypeCurrent AccountType = "Current"
	// 定期存款
	AccountTypeFixedDeposit AccountType = "FixedDeposit"
)

// Valid 是否為已知的帳戶類型
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeSavings, AccountTypeCurrent, AccountTypeFixedDeposit:
		return true
	}
	return false
}

// AllowsOverdraft 是否可設定透支額度
func (t AccountType) AllowsOverdraft() bool {
	return t == AccountTypeCurrent
}

// AccountStatus 帳戶狀態
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "Active"
	AccountStatusInactive AccountStatus = "Inactive"
	AccountStatusClosed   AccountStatus = "Closed"
)

// Valid 是否為已知的帳戶狀態
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusInactive, AccountStatusClosed:
		return true
	}
	return false
}

// Account 帳戶
//
// Balance 只能透過 Account Store 的 AdjustBalance 異動，
// Version 在每次成功異動後 +1，作為樂觀鎖與稽核的因果順序。
type Account struct {
	ID             int64           `json:"id"`
	CustomerID     int64           `json:"customer_id"`
	Branch         string          `json:"branch"`
	Type           AccountType     `json:"type"`
	Balance        decimal.Decimal `json:"balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	OverdraftLimit decimal.Decimal `json:"overdraft_limit"`
	Status         AccountStatus   `json:"status"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewAccount 建立一個 Active 帳戶，ID 由儲存層指派
//
// 參數:
//
//	customerID: 客戶 ID
//	branch: 分行代碼
//	accountType: 帳戶類型
//	initial: 開戶存入金額 (>= 0)
//	overdraft: 透支額度，僅 Current 可 > 0
//	now: 建立時間
//
// 回傳:
//
//	*Account: 新帳戶
//	error: 參數錯誤 (ErrInvalidAccount)
func NewAccount(customerID int64, branch string, accountType AccountType, initial, overdraft decimal.Decimal, now time.Time) (*Account, error) {
	if customerID <= 0 {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidAccount)
	}
	if branch == "" {
		return nil, fmt.Errorf("%w: branch is required", ErrInvalidAccount)
	}
	if !accountType.Valid() {
		return nil, fmt.Errorf("%w: unknown account type %q", ErrInvalidAccount, accountType)
	}
	if initial.IsNegative() || !HasMoneyScale(initial) {
		return nil, fmt.Errorf("%w: initial balance must be a non-negative amount", ErrInvalidAccount)
	}
	if overdraft.IsNegative() || !HasMoneyScale(overdraft) {
		return nil, fmt.Errorf("%w: overdraft limit must be a non-negative amount", ErrInvalidAccount)
	}
	if overdraft.IsPositive() && !accountType.AllowsOverdraft() {
		return nil, fmt.Errorf("%w: %s accounts cannot carry an overdraft", ErrInvalidAccount, accountType)
	}
	now = now.UTC()
	return &Account{
		CustomerID:     customerID,
		Branch:         branch,
		Type:           accountType,
		Balance:        initial,
		InitialBalance: initial,
		OverdraftLimit: overdraft,
		Status:         AccountStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CheckDelta 檢查異動後的餘額，不修改帳戶
//
// 回傳:
//
//	decimal.Decimal: 異動後餘額
//	error: ErrAccountNotActive / ErrInsufficientFunds
func (a *Account) CheckDelta(delta decimal.Decimal) (decimal.Decimal, error) {
	if a.Status != AccountStatusActive {
		return a.Balance, ErrAccountNotActive
	}
	next := a.Balance.Add(delta)
	if delta.IsNegative() && next.LessThan(a.OverdraftLimit.Neg()) {
		return a.Balance, ErrInsufficientFunds
	}
	return next, nil
}

// ApplyDelta 套用餘額異動並遞增版本
func (a *Account) ApplyDelta(delta decimal.Decimal, now time.Time) error {
	next, err := a.CheckDelta(delta)
	if err != nil {
		return err
	}
	a.Balance = next
	a.Version++
	a.UpdatedAt = now.UTC()
	return nil
}

// CanTransitionTo 帳戶狀態轉換規則：
// Active <-> Inactive，Active/Inactive -> Closed，Closed 為終態且需餘額為 0
func (a *Account) CanTransitionTo(next AccountStatus) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, next)
	}
	if a.Status == AccountStatusClosed || a.Status == next {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusChange, a.Status, next)
	}
	if next == AccountStatusClosed && !a.Balance.IsZero() {
		return ErrAccountNotEmpty
	}
	return nil
}

// AccountFilter 帳戶查詢條件，零值表示不過濾
type AccountFilter struct {
	CustomerID int64
	Branch     string
	Status     AccountStatus
	After      *Cursor
}

// Cursor 帳戶在列表中的位置
func (a *Account) Cursor() Cursor {
	return Cursor{At: a.CreatedAt, ID: a.ID}
}

// Match 記憶體實作使用的過濾判斷
func (f *AccountFilter) Match(a *Account) bool {
	if f.CustomerID != 0 && a.CustomerID != f.CustomerID {
		return false
	}
	if f.Branch != "" && a.Branch != f.Branch {
		return false
	}
	return f.Status == "" || a.Status == f.Status
}

// Validate 過濾條件檢查
func (f *AccountFilter) Validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("%w: unknown account status %q", ErrInvalidInput, f.Status)
	}
	return nil
}
