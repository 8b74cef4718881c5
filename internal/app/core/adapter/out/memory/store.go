package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
	"github.com/JoeShih716/branch-ledger/internal/app/core/usecase"
)

// Log 是 Store 寫入提交紀錄的 WAL 介面 (pkg/wal.WAL 實作)
type Log interface {
	Append(v any) error
	ReadAll(callback func(jsonRaw []byte) error) error
}

type entityKey struct {
	kind domain.EntityKind
	id   int64
}

// Store 是記憶體版的持久層
//
// 結構:
//
//	mu: 保護所有 map (含各單元的暫存列)，只在單一操作期間持有
//	accounts ... audit: 只包含已提交的資料
//	claims: 尚未提交的原子單元對實體的寫入權，其他單元寫入同一實體回傳 ErrConflict
//	pendingRefs / pendingReviews: 尚未提交的新 RefID 與審核單，維持唯一性
//	walMu: 序列化提交，確保 WAL 順序與稽核序號一致
//	log: Write-Ahead Log，nil 表示不落地
type Store struct {
	mu             sync.RWMutex
	accounts       map[int64]*domain.Account
	transactions   map[int64]*domain.Transaction
	refs           map[uuid.UUID]int64
	approvals      map[int64]*domain.Approval
	approvalByTx   map[int64]int64
	audit          []*domain.AuditRecord
	claims         map[entityKey]*unit
	pendingRefs    map[uuid.UUID]*unit
	pendingReviews map[int64]*unit

	nextAccountID     int64
	nextTransactionID int64
	nextApprovalID    int64
	nextSequence      uint64

	walMu  sync.Mutex
	log    Log
	logger *zap.Logger
}

// Open 建立 Store 並從 WAL 恢復狀態
//
// 參數:
//
//	log: WAL 實例，nil 表示純記憶體
//	logger: nil 使用 zap.NewNop()
//
// 回傳:
//
//	*Store: Store 實例
//	error: WAL 恢復失敗
func Open(log Log, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		accounts:       make(map[int64]*domain.Account),
		transactions:   make(map[int64]*domain.Transaction),
		refs:           make(map[uuid.UUID]int64),
		approvals:      make(map[int64]*domain.Approval),
		approvalByTx:   make(map[int64]int64),
		claims:         make(map[entityKey]*unit),
		pendingRefs:    make(map[uuid.UUID]*unit),
		pendingReviews: make(map[int64]*unit),
		log:            log,
		logger:         logger,
	}
	if log != nil {
		if err := s.recoverFromWAL(); err != nil {
			return nil, fmt.Errorf("recover from wal: %w", err)
		}
	}
	return s, nil
}

// recoverFromWAL 依序重播每一個已提交的批次
// 只有 Open 呼叫，無需 Lock (單執行緒)
func (s *Store) recoverFromWAL() error {
	batches := 0
	err := s.log.ReadAll(func(jsonRaw []byte) error {
		var b walBatch
		if err := json.Unmarshal(jsonRaw, &b); err != nil {
			return err
		}
		s.applyBatch(&b)
		batches++
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("memory store recovered",
		zap.Int("batches", batches),
		zap.Int("accounts", len(s.accounts)),
		zap.Int("transactions", len(s.transactions)),
		zap.Int("audit_records", len(s.audit)),
	)
	return nil
}

// applyBatch 把一個已提交的批次併入共用狀態 (重播與提交共用)
func (s *Store) applyBatch(b *walBatch) {
	for _, a := range b.Accounts {
		acct := a
		s.accounts[acct.ID] = &acct
		s.nextAccountID = max(s.nextAccountID, acct.ID)
	}
	for _, t := range b.Transactions {
		tran := t
		s.transactions[tran.ID] = &tran
		s.refs[tran.RefID] = tran.ID
		s.nextTransactionID = max(s.nextTransactionID, tran.ID)
	}
	for _, a := range b.Approvals {
		approval := a
		s.approvals[approval.ID] = &approval
		s.approvalByTx[approval.TransactionID] = approval.ID
		s.nextApprovalID = max(s.nextApprovalID, approval.ID)
	}
	for _, r := range b.Audit {
		rec := r
		s.audit = append(s.audit, &rec)
		s.nextSequence = max(s.nextSequence, rec.Sequence)
	}
}

// Atomic 原子單元
//
// 單元內的寫入先放在單元自己的暫存列，只有該單元讀得到，同時取得實體的寫入權；
// fn 回傳錯誤時直接丟棄暫存列，成功時整批寫入 WAL 後才併入共用狀態並釋放寫入權。
// 單元外的讀取只會看到已提交的資料。
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, repos usecase.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u := newUnit(s)
	if err := fn(ctx, u); err != nil {
		u.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		u.rollback()
		return err
	}
	return u.commit()
}

// autocommit 單一寫入也走完整的提交流程 (WAL)
func (s *Store) autocommit(ctx context.Context, fn func(u *unit) error) error {
	return s.Atomic(ctx, func(_ context.Context, repos usecase.Repositories) error {
		return fn(repos.(*unit))
	})
}

func (s *Store) Accounts() usecase.AccountRepository {
	return &accountRepo{s: s}
}

func (s *Store) Transactions() usecase.TransactionRepository {
	return &transactionRepo{s: s}
}

func (s *Store) Approvals() usecase.ApprovalRepository {
	return &approvalRepo{s: s}
}

func (s *Store) Audit() usecase.AuditRepository {
	return &auditRepo{s: s}
}

// claim 取得實體的寫入權，呼叫端需持有 s.mu
func (s *Store) claim(u *unit, key entityKey) error {
	owner, ok := s.claims[key]
	if ok && owner != u {
		return fmt.Errorf("%w: %s %d is being modified", domain.ErrConflict, key.kind, key.id)
	}
	if !ok {
		s.claims[key] = u
		u.claimed = append(u.claimed, key)
	}
	return nil
}

// 以下查詢呼叫端需持有 s.mu，u 不為 nil 時先看單元的暫存列

func (s *Store) accountLocked(u *unit, id int64) (*domain.Account, bool) {
	if u != nil {
		if acct, ok := u.accounts[id]; ok {
			return acct, true
		}
	}
	acct, ok := s.accounts[id]
	return acct, ok
}

func (s *Store) transactionLocked(u *unit, id int64) (*domain.Transaction, bool) {
	if u != nil {
		if tran, ok := u.transactions[id]; ok {
			return tran, true
		}
	}
	tran, ok := s.transactions[id]
	return tran, ok
}

func (s *Store) refLocked(u *unit, ref uuid.UUID) (int64, bool) {
	if u != nil {
		if id, ok := u.refs[ref]; ok {
			return id, true
		}
	}
	id, ok := s.refs[ref]
	return id, ok
}

func (s *Store) approvalLocked(u *unit, id int64) (*domain.Approval, bool) {
	if u != nil {
		if approval, ok := u.approvals[id]; ok {
			return approval, true
		}
	}
	approval, ok := s.approvals[id]
	return approval, ok
}

func (s *Store) approvalByTxLocked(u *unit, transactionID int64) (int64, bool) {
	if u != nil {
		if id, ok := u.approvalByTx[transactionID]; ok {
			return id, true
		}
	}
	id, ok := s.approvalByTx[transactionID]
	return id, ok
}

var _ usecase.Store = (*Store)(nil)
