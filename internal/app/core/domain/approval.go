package domain

import (
	"fmt"
	"slices"
	"time"
)

// MaxCommentsLength 審核意見長度上限
const MaxCommentsLength = 1024

// Decision 審核決議
type Decision string

const (
	DecisionPending Decision = "Pending"
	DecisionApprove Decision = "Approve"
	DecisionReject  Decision = "Reject"
)

// Terminal Approve / Reject 為僅有的兩個終態
func (d Decision) Terminal() bool {
	return d == DecisionApprove || d == DecisionReject
}

// ApprovalStatus 由決議推導的審核單狀態
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "Pending"
	ApprovalStatusApproved ApprovalStatus = "Approved"
	ApprovalStatusRejected ApprovalStatus = "Rejected"
)

// Valid 是否為已知的審核單狀態
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected:
		return true
	}
	return false
}

// Decision 狀態對應的決議
func (s ApprovalStatus) Decision() Decision {
	switch s {
	case ApprovalStatusApproved:
		return DecisionApprove
	case ApprovalStatusRejected:
		return DecisionReject
	default:
		return DecisionPending
	}
}

// Approval 審核單，與需審核的交易一對一
type Approval struct {
	ID            int64 `json:"id"`
	TransactionID int64 `json:"transaction_id"`
	// ReviewerPool: 候選審核人，空值表示任何具主管權限者
	ReviewerPool []int64    `json:"reviewer_pool,omitempty"`
	ReviewerID   int64      `json:"reviewer_id,omitempty"`
	Decision     Decision   `json:"decision"`
	Comments     string     `json:"comments,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

// NewApproval 建立 Pending 審核單
func NewApproval(transactionID int64, pool []int64, now time.Time) *Approval {
	return &Approval{
		TransactionID: transactionID,
		ReviewerPool:  slices.Clone(pool),
		Decision:      DecisionPending,
		CreatedAt:     now.UTC(),
	}
}

// Status 審核單狀態
func (a *Approval) Status() ApprovalStatus {
	switch a.Decision {
	case DecisionApprove:
		return ApprovalStatusApproved
	case DecisionReject:
		return ApprovalStatusRejected
	default:
		return ApprovalStatusPending
	}
}

// Eligible 審核人是否在候選名單內
func (a *Approval) Eligible(reviewerID int64) bool {
	return len(a.ReviewerPool) == 0 || slices.Contains(a.ReviewerPool, reviewerID)
}

// DecideRequest 審核請求，呼叫端已完成身分與主管權限驗證
type DecideRequest struct {
	ApprovalID int64
	ReviewerID int64
	Decision   Decision
	Comments   string
}

// Validate 決議只能是 Approve / Reject
func (r *DecideRequest) Validate() error {
	if !r.Decision.Terminal() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, r.Decision)
	}
	if r.ApprovalID <= 0 {
		return fmt.Errorf("%w: approval id is required", ErrInvalidInput)
	}
	if r.ReviewerID <= 0 {
		return fmt.Errorf("%w: reviewer id is required", ErrInvalidInput)
	}
	if len(r.Comments) > MaxCommentsLength {
		return fmt.Errorf("%w: comments exceed %d characters", ErrInvalidInput, MaxCommentsLength)
	}
	return nil
}

// ApprovalFilter 審核單查詢條件
type ApprovalFilter struct {
	Status     ApprovalStatus
	ReviewerID int64
	From       *time.Time
	To         *time.Time
	After      *Cursor
}

// Cursor 審核單在列表中的位置
func (a *Approval) Cursor() Cursor {
	return Cursor{At: a.CreatedAt, ID: a.ID}
}

// Match 記憶體實作使用的過濾判斷
func (f *ApprovalFilter) Match(a *Approval) bool {
	if f.Status != "" && a.Status() != f.Status {
		return false
	}
	if f.ReviewerID != 0 && a.ReviewerID != f.ReviewerID {
		return false
	}
	return inRange(a.CreatedAt, f.From, f.To)
}

// Validate 過濾條件檢查
func (f *ApprovalFilter) Validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("%w: unknown approval status %q", ErrInvalidInput, f.Status)
	}
	return validateRange(f.From, f.To)
}
