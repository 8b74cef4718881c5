package memory

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
	"github.com/JoeShih716/branch-ledger/internal/app/core/usecase"
)

// accountRepo u 為 nil 時每個寫入自成一個原子單元
type accountRepo struct {
	s *Store
	u *unit
}

func (r *accountRepo) Create(ctx context.Context, account *domain.Account) error {
	if r.u == nil {
		return r.s.autocommit(ctx, func(u *unit) error { return u.Accounts().Create(ctx, account) })
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAccountID++
	account.ID = s.nextAccountID
	account.Version = 0
	stored := *account
	r.u.accounts[stored.ID] = &stored
	return nil
}

func (r *accountRepo) Get(ctx context.Context, id int64) (*domain.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	acct, ok := r.s.accountLocked(r.u, id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, id)
	}
	out := *acct
	return &out, nil
}

// AdjustBalance 版本相符且未被其他單元持有時才套用
func (r *accountRepo) AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal, expectedVersion int64, at time.Time) (acct *domain.Account, err error) {
	if r.u == nil {
		err = r.s.autocommit(ctx, func(u *unit) error {
			acct, err = u.Accounts().AdjustBalance(ctx, id, delta, expectedVersion, at)
			return err
		})
		return acct, err
	}
	return r.mutate(id, expectedVersion, func(a *domain.Account) error {
		return a.ApplyDelta(delta, at)
	})
}

func (r *accountRepo) UpdateStatus(ctx context.Context, id int64, status domain.AccountStatus, expectedVersion int64, at time.Time) (acct *domain.Account, err error) {
	if r.u == nil {
		err = r.s.autocommit(ctx, func(u *unit) error {
			acct, err = u.Accounts().UpdateStatus(ctx, id, status, expectedVersion, at)
			return err
		})
		return acct, err
	}
	return r.mutate(id, expectedVersion, func(a *domain.Account) error {
		if err := a.CanTransitionTo(status); err != nil {
			return err
		}
		a.Status = status
		a.Version++
		a.UpdatedAt = at.UTC()
		return nil
	})
}

func (r *accountRepo) mutate(id, expectedVersion int64, apply func(a *domain.Account) error) (*domain.Account, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accountLocked(r.u, id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, id)
	}
	if err := s.claim(r.u, entityKey{domain.EntityAccount, id}); err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: account %d version %d, expected %d", domain.ErrConflict, id, current.Version, expectedVersion)
	}

	next := *current
	if err := apply(&next); err != nil {
		return nil, err
	}
	r.u.accounts[id] = &next
	out := next
	return &out, nil
}

// List 依 CreatedAt, ID 遞增排序
func (r *accountRepo) List(ctx context.Context, filter domain.AccountFilter, after *domain.Cursor, limit int) ([]*domain.Account, error) {
	r.s.mu.RLock()
	matched := make([]*domain.Account, 0)
	for a := range overlaid(r.s.accounts, r.u.ownAccounts()) {
		if filter.Match(a) && (after == nil || afterCursor(a.CreatedAt, a.ID, after)) {
			out := *a
			matched = append(matched, &out)
		}
	}
	r.s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *domain.Account) int {
		return ascending(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})
	return truncate(matched, limit), nil
}

type transactionRepo struct {
	s *Store
	u *unit
}

// Create RefID 已提交或正由其他單元寫入時回傳 ErrDuplicateReference
func (r *transactionRepo) Create(ctx context.Context, tran *domain.Transaction) error {
	if r.u == nil {
		return r.s.autocommit(ctx, func(u *unit) error { return u.Transactions().Create(ctx, tran) })
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refLocked(r.u, tran.RefID); ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateReference, tran.RefID)
	}
	if owner, ok := s.pendingRefs[tran.RefID]; ok && owner != r.u {
		return fmt.Errorf("%w: %s is being written", domain.ErrDuplicateReference, tran.RefID)
	}
	s.nextTransactionID++
	tran.ID = s.nextTransactionID
	stored := *tran
	r.u.transactions[stored.ID] = &stored
	r.u.refs[stored.RefID] = stored.ID
	s.pendingRefs[stored.RefID] = r.u
	return nil
}

func (r *transactionRepo) Get(ctx context.Context, id int64) (*domain.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	tran, ok := r.s.transactionLocked(r.u, id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrTransactionNotFound, id)
	}
	out := *tran
	return &out, nil
}

func (r *transactionRepo) GetByRef(ctx context.Context, ref uuid.UUID) (*domain.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.refLocked(r.u, ref)
	if !ok {
		return nil, fmt.Errorf("%w: ref %s", domain.ErrTransactionNotFound, ref)
	}
	tran, _ := r.s.transactionLocked(r.u, id)
	out := *tran
	return &out, nil
}

func (r *transactionRepo) UpdateStatus(ctx context.Context, id int64, from, to domain.TransactionStatus, at time.Time) (tran *domain.Transaction, err error) {
	if r.u == nil {
		err = r.s.autocommit(ctx, func(u *unit) error {
			tran, err = u.Transactions().UpdateStatus(ctx, id, from, to, at)
			return err
		})
		return tran, err
	}
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: transaction status %s -> %s", domain.ErrInvalidInput, from, to)
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.transactionLocked(r.u, id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrTransactionNotFound, id)
	}
	if err := s.claim(r.u, entityKey{domain.EntityTransaction, id}); err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, fmt.Errorf("%w: transaction %d is %s, expected %s", domain.ErrConflict, id, current.Status, from)
	}
	next := *current
	next.Status = to
	next.UpdatedAt = at.UTC()
	r.u.transactions[id] = &next
	out := next
	return &out, nil
}

func (r *transactionRepo) List(ctx context.Context, filter domain.TransactionFilter, after *domain.Cursor, limit int) ([]*domain.Transaction, error) {
	r.s.mu.RLock()
	matched := make([]*domain.Transaction, 0)
	for t := range overlaid(r.s.transactions, r.u.ownTransactions()) {
		if filter.Match(t) && (after == nil || beforeCursor(t.CreatedAt, t.ID, after)) {
			out := *t
			matched = append(matched, &out)
		}
	}
	r.s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *domain.Transaction) int {
		return descending(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})
	return truncate(matched, limit), nil
}

type approvalRepo struct {
	s *Store
	u *unit
}

func (r *approvalRepo) Create(ctx context.Context, approval *domain.Approval) error {
	if r.u == nil {
		return r.s.autocommit(ctx, func(u *unit) error { return u.Approvals().Create(ctx, approval) })
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.approvalByTxLocked(r.u, approval.TransactionID); ok {
		return fmt.Errorf("%w: transaction %d", domain.ErrAlreadySubmitted, approval.TransactionID)
	}
	if owner, ok := s.pendingReviews[approval.TransactionID]; ok && owner != r.u {
		return fmt.Errorf("%w: transaction %d", domain.ErrAlreadySubmitted, approval.TransactionID)
	}
	s.nextApprovalID++
	approval.ID = s.nextApprovalID
	stored := cloneApproval(approval)
	r.u.approvals[stored.ID] = stored
	r.u.approvalByTx[stored.TransactionID] = stored.ID
	s.pendingReviews[stored.TransactionID] = r.u
	return nil
}

func (r *approvalRepo) Get(ctx context.Context, id int64) (*domain.Approval, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	approval, ok := r.s.approvalLocked(r.u, id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrApprovalNotFound, id)
	}
	return cloneApproval(approval), nil
}

func (r *approvalRepo) GetByTransaction(ctx context.Context, transactionID int64) (*domain.Approval, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.approvalByTxLocked(r.u, transactionID)
	if !ok {
		return nil, fmt.Errorf("%w: transaction %d", domain.ErrApprovalNotFound, transactionID)
	}
	approval, _ := r.s.approvalLocked(r.u, id)
	return cloneApproval(approval), nil
}

// Decide 其他單元尚未提交的決議會使本次回傳 ErrConflict (可重試)
func (r *approvalRepo) Decide(ctx context.Context, id int64, decision domain.Decision, reviewerID int64, comments string, at time.Time) (approval *domain.Approval, err error) {
	if r.u == nil {
		err = r.s.autocommit(ctx, func(u *unit) error {
			approval, err = u.Approvals().Decide(ctx, id, decision, reviewerID, comments, at)
			return err
		})
		return approval, err
	}
	if !decision.Terminal() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidDecision, decision)
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.approvalLocked(r.u, id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrApprovalNotFound, id)
	}
	if err := s.claim(r.u, entityKey{domain.EntityApproval, id}); err != nil {
		return nil, err
	}
	if current.Decision.Terminal() {
		return nil, fmt.Errorf("%w: approval %d", domain.ErrAlreadyDecided, id)
	}
	next := cloneApproval(current)
	decidedAt := at.UTC()
	next.Decision = decision
	next.ReviewerID = reviewerID
	next.Comments = comments
	next.DecidedAt = &decidedAt
	r.u.approvals[id] = next
	return cloneApproval(next), nil
}

func (r *approvalRepo) List(ctx context.Context, filter domain.ApprovalFilter, after *domain.Cursor, limit int) ([]*domain.Approval, error) {
	r.s.mu.RLock()
	matched := make([]*domain.Approval, 0)
	for a := range overlaid(r.s.approvals, r.u.ownApprovals()) {
		if filter.Match(a) && (after == nil || beforeCursor(a.CreatedAt, a.ID, after)) {
			matched = append(matched, cloneApproval(a))
		}
	}
	r.s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *domain.Approval) int {
		return descending(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})
	return truncate(matched, limit), nil
}

// auditRepo 只有 Append / List
type auditRepo struct {
	s *Store
	u *unit
}

// Append 先暫存在單元內，提交時才指派 Sequence 並公開
func (r *auditRepo) Append(ctx context.Context, record *domain.AuditRecord) error {
	if r.u == nil {
		return r.s.autocommit(ctx, func(u *unit) error { return u.Audit().Append(ctx, record) })
	}
	if record == nil {
		return fmt.Errorf("%w: nil audit record", domain.ErrInvalidInput)
	}
	r.u.staged = append(r.u.staged, record)
	return nil
}

func (r *auditRepo) List(ctx context.Context, filter domain.AuditFilter, after *domain.Cursor, limit int) ([]*domain.AuditRecord, error) {
	r.s.mu.RLock()
	matched := make([]*domain.AuditRecord, 0)
	for _, rec := range r.s.audit {
		if !filter.Match(rec) {
			continue
		}
		if after != nil && !afterCursor(rec.CreatedAt, int64(rec.Sequence), after) {
			continue
		}
		out := *rec
		matched = append(matched, &out)
	}
	r.s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *domain.AuditRecord) int {
		return ascending(a.CreatedAt, int64(a.Sequence), b.CreatedAt, int64(b.Sequence))
	})
	return truncate(matched, limit), nil
}

// overlaid 已提交的列，本單元改過的以暫存列取代，再加上本單元新增的列
func overlaid[T any](committed, own map[int64]*T) iter.Seq[*T] {
	return func(yield func(*T) bool) {
		for id, row := range committed {
			if mine, ok := own[id]; ok {
				row = mine
			}
			if !yield(row) {
				return
			}
		}
		for id, row := range own {
			if _, ok := committed[id]; ok {
				continue
			}
			if !yield(row) {
				return
			}
		}
	}
}

func cloneApproval(a *domain.Approval) *domain.Approval {
	out := *a
	out.ReviewerPool = slices.Clone(a.ReviewerPool)
	if a.DecidedAt != nil {
		at := *a.DecidedAt
		out.DecidedAt = &at
	}
	return &out
}

func ascending(at1 time.Time, id1 int64, at2 time.Time, id2 int64) int {
	if c := at1.Compare(at2); c != 0 {
		return c
	}
	return cmp.Compare(id1, id2)
}

func descending(at1 time.Time, id1 int64, at2 time.Time, id2 int64) int {
	return ascending(at2, id2, at1, id1)
}

// beforeCursor 遞減排序時位於游標之後 (較舊)
func beforeCursor(at time.Time, id int64, c *domain.Cursor) bool {
	return ascending(at, id, c.At, c.ID) < 0
}

// afterCursor 遞增排序時位於游標之後 (較新)
func afterCursor(at time.Time, id int64, c *domain.Cursor) bool {
	return ascending(at, id, c.At, c.ID) > 0
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

var (
	_ usecase.AccountRepository     = (*accountRepo)(nil)
	_ usecase.TransactionRepository = (*transactionRepo)(nil)
	_ usecase.ApprovalRepository    = (*approvalRepo)(nil)
	_ usecase.AuditRepository       = (*auditRepo)(nil)
)
