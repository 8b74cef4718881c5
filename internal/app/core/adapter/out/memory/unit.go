package memory

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
	"github.com/JoeShih716/branch-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/branch-ledger/pkg/wal"
)

// walBatch 一個已提交原子單元的落地內容：異動後的完整列 + 新增的稽核紀錄
type walBatch struct {
	Accounts     []domain.Account     `json:"accounts,omitempty"`
	Transactions []domain.Transaction `json:"transactions,omitempty"`
	Approvals    []domain.Approval    `json:"approvals,omitempty"`
	Audit        []domain.AuditRecord `json:"audit,omitempty"`
}

func (b *walBatch) empty() bool {
	return len(b.Accounts) == 0 && len(b.Transactions) == 0 && len(b.Approvals) == 0 && len(b.Audit) == 0
}

// unit 一個進行中的原子單元
//
// 結構:
//
//	accounts ... approvalByTx: 單元寫入的暫存列，提交前只有本單元讀得到
//	claimed: 已取得寫入權的既有實體，提交或回滾後釋放
//	staged: 提交時才指派序號並公開的稽核紀錄
type unit struct {
	s            *Store
	accounts     map[int64]*domain.Account
	transactions map[int64]*domain.Transaction
	refs         map[uuid.UUID]int64
	approvals    map[int64]*domain.Approval
	approvalByTx map[int64]int64
	claimed      []entityKey
	staged       []*domain.AuditRecord
}

func newUnit(s *Store) *unit {
	return &unit{
		s:            s,
		accounts:     make(map[int64]*domain.Account),
		transactions: make(map[int64]*domain.Transaction),
		refs:         make(map[uuid.UUID]int64),
		approvals:    make(map[int64]*domain.Approval),
		approvalByTx: make(map[int64]int64),
	}
}

func (u *unit) Accounts() usecase.AccountRepository {
	return &accountRepo{s: u.s, u: u}
}

func (u *unit) Transactions() usecase.TransactionRepository {
	return &transactionRepo{s: u.s, u: u}
}

func (u *unit) Approvals() usecase.ApprovalRepository {
	return &approvalRepo{s: u.s, u: u}
}

func (u *unit) Audit() usecase.AuditRepository {
	return &auditRepo{s: u.s, u: u}
}

// own* 在 u 為 nil (單元外讀取) 時回傳 nil map

func (u *unit) ownAccounts() map[int64]*domain.Account {
	if u == nil {
		return nil
	}
	return u.accounts
}

func (u *unit) ownTransactions() map[int64]*domain.Transaction {
	if u == nil {
		return nil
	}
	return u.transactions
}

func (u *unit) ownApprovals() map[int64]*domain.Approval {
	if u == nil {
		return nil
	}
	return u.approvals
}

// rollback 丟棄暫存列並釋放寫入權
func (u *unit) rollback() {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	u.staged = nil
	u.releaseLocked()
}

func (u *unit) releaseLocked() {
	s := u.s
	for _, key := range u.claimed {
		if s.claims[key] == u {
			delete(s.claims, key)
		}
	}
	for ref := range u.refs {
		if s.pendingRefs[ref] == u {
			delete(s.pendingRefs, ref)
		}
	}
	for txID := range u.approvalByTx {
		if s.pendingReviews[txID] == u {
			delete(s.pendingReviews, txID)
		}
	}
	u.claimed = nil
	clear(u.accounts)
	clear(u.transactions)
	clear(u.refs)
	clear(u.approvals)
	clear(u.approvalByTx)
}

// commit 寫入 WAL 後把暫存列併入共用狀態、公開稽核紀錄並釋放寫入權
// WAL 寫入失敗時整個單元丟棄並回傳 ErrWALWriteFailed (無法截回時為 ErrPartialCommit)
func (u *unit) commit() error {
	s := u.s
	s.walMu.Lock()
	defer s.walMu.Unlock()

	s.mu.RLock()
	batch := u.batchLocked()
	s.mu.RUnlock()

	seq := s.nextSequence
	for i, rec := range u.staged {
		rec.Sequence = seq + uint64(i) + 1
		batch.Audit = append(batch.Audit, *rec)
	}

	if s.log != nil && !batch.empty() {
		if err := s.log.Append(&batch); err != nil {
			for _, rec := range u.staged {
				rec.Sequence = 0
			}
			u.rollback()
			if errors.Is(err, wal.ErrTornWrite) {
				// 共用狀態未變更，但 WAL 尾端可能留有這批資料，重啟重播後會不一致
				s.logger.Error("wal left a torn batch, manual recovery required", zap.Error(err))
				return fmt.Errorf("%w: %v", domain.ErrPartialCommit, err)
			}
			s.logger.Error("wal append failed, unit discarded", zap.Error(err))
			return fmt.Errorf("%w: %v", domain.ErrWALWriteFailed, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyBatch(&batch)
	u.staged = nil
	u.releaseLocked()
	return nil
}

// batchLocked 依 ID 排序取出暫存列，重播順序固定
func (u *unit) batchLocked() walBatch {
	batch := walBatch{
		Accounts:     rowsOf(u.accounts),
		Transactions: rowsOf(u.transactions),
	}
	for _, id := range slices.Sorted(maps.Keys(u.approvals)) {
		batch.Approvals = append(batch.Approvals, *cloneApproval(u.approvals[id]))
	}
	return batch
}

func rowsOf[T any](m map[int64]*T) []T {
	if len(m) == 0 {
		return nil
	}
	out := make([]T, 0, len(m))
	for _, id := range slices.Sorted(maps.Keys(m)) {
		out = append(out, *m[id])
	}
	return out
}
