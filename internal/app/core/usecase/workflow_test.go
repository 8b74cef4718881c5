package usecase_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
	"github.com/JoeShih716/branch-ledger/internal/app/core/usecase"
)

func approvalAudit(t *testing.T, f *fixture, approvalID int64) []*domain.AuditRecord {
	t.Helper()
	return collect(t, f.core.QueryAudit(context.Background(), domain.AuditFilter{
		EntityKind: domain.EntityApproval,
		EntityID:   approvalID,
	}))
}

func TestApprovedTransferMovesFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")
	b := f.open(t, "50")
	tran, approval := f.transfer(t, a.ID, b.ID, "30", 1)

	result, err := f.core.Decide(ctx, domain.DecideRequest{
		ApprovalID: approval.ID,
		ReviewerID: 9,
		Decision:   domain.DecisionApprove,
		Comments:   "ok",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusApproved, result.Approval.Status())
	assert.Equal(t, int64(9), result.Approval.ReviewerID)
	require.NotNil(t, result.Approval.DecidedAt)
	assert.Equal(t, tran.ID, result.Transaction.ID)
	assert.Equal(t, domain.TransactionStatusCompleted, result.Transaction.Status)

	assert.True(t, f.balance(t, a.ID).Equal(dec("70")))
	assert.True(t, f.balance(t, b.ID).Equal(dec("80")))

	records := approvalAudit(t, f, approval.ID)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ActionApprovalDecision, records[0].Action)
	assert.Equal(t, "Pending", records[0].OldValue)
	assert.Equal(t, "Approve", records[0].NewValue)
	assert.Equal(t, int64(9), records[0].ActorID)
}

func TestRejectedTransferLeavesBalances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")
	b := f.open(t, "50")
	_, approval := f.transfer(t, a.ID, b.ID, "30", 1)

	result, err := f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 9, Decision: domain.DecisionReject})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusRejected, result.Approval.Status())
	assert.Equal(t, domain.TransactionStatusRejected, result.Transaction.Status)

	assert.True(t, f.balance(t, a.ID).Equal(dec("100")))
	assert.True(t, f.balance(t, b.ID).Equal(dec("50")))
	assert.Len(t, approvalAudit(t, f, approval.ID), 1)
}

func TestDecideReplayIsAlreadyDecided(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")
	b := f.open(t, "50")
	_, approval := f.transfer(t, a.ID, b.ID, "30", 1)

	req := domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 9, Decision: domain.DecisionApprove}
	_, err := f.core.Decide(ctx, req)
	require.NoError(t, err)

	_, err = f.core.Decide(ctx, req)
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)
	req.Decision = domain.DecisionReject
	_, err = f.core.Decide(ctx, req)
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)

	assert.True(t, f.balance(t, a.ID).Equal(dec("70")))
	assert.Len(t, approvalAudit(t, f, approval.ID), 1)
}

func TestConcurrentDecisionsApplyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")
	b := f.open(t, "50")
	_, approval := f.transfer(t, a.ID, b.ID, "30", 1)

	const reviewers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := range reviewers {
		wg.Add(1)
		go func(reviewer int64) {
			defer wg.Done()
			_, err := f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: reviewer, Decision: domain.DecisionApprove})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrAlreadyDecided)
		}(int64(100 + i))
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.True(t, f.balance(t, a.ID).Equal(dec("70")))
	assert.True(t, f.balance(t, b.ID).Equal(dec("80")))
	assert.Len(t, approvalAudit(t, f, approval.ID), 1)
}

func TestDecideRollsBackWhenCreditFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")
	b := f.open(t, "50")
	tran, approval := f.transfer(t, a.ID, b.ID, "30", 1)

	f.store.failCredit.Store(true)
	_, err := f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 9, Decision: domain.DecisionApprove})
	require.ErrorIs(t, err, errInjected)

	assert.True(t, f.balance(t, a.ID).Equal(dec("100")))
	assert.True(t, f.balance(t, b.ID).Equal(dec("50")))
	got, err := f.core.GetApproval(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusPending, got.Status())
	assert.Nil(t, got.DecidedAt)
	gotTran, err := f.core.GetTransaction(ctx, tran.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusPending, gotTran.Status)
	assert.Empty(t, approvalAudit(t, f, approval.ID))

	// 故障排除後同一張審核單可以再次決議
	f.store.failCredit.Store(false)
	_, err = f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 9, Decision: domain.DecisionApprove})
	require.NoError(t, err)
	assert.True(t, f.balance(t, b.ID).Equal(dec("80")))
}

func TestDecideInFlightIsInvisibleToReaders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")
	b := f.open(t, "50")
	tran, approval := f.transfer(t, a.ID, b.ID, "30", 1)

	// 扣款已完成、入帳之前，外部讀取只能看到已提交的狀態
	var observed int
	f.store.beforeCredit = func() {
		observed++
		assert.True(t, f.balance(t, a.ID).Equal(dec("100")), "debit leaked before commit")
		assert.True(t, f.balance(t, b.ID).Equal(dec("50")))
		got, err := f.core.GetApproval(ctx, approval.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ApprovalStatusPending, got.Status())
		gotTran, err := f.core.GetTransaction(ctx, tran.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionStatusPending, gotTran.Status)
		pending := collect(t, f.core.QueryApprovals(ctx, domain.ApprovalFilter{Status: domain.ApprovalStatusPending}))
		assert.Len(t, pending, 1)
	}
	f.store.failCredit.Store(true)
	_, err := f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 9, Decision: domain.DecisionApprove})
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, 1, observed)

	// 回滾後另一位審核人可以決議
	f.store.beforeCredit = nil
	f.store.failCredit.Store(false)
	result, err := f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 10, Decision: domain.DecisionReject})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusRejected, result.Transaction.Status)
	assert.True(t, f.balance(t, a.ID).Equal(dec("100")))
	assert.True(t, f.balance(t, b.ID).Equal(dec("50")))
}

func TestDecideRollsBackWhenAuditFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")
	b := f.open(t, "50")
	tran, approval := f.transfer(t, a.ID, b.ID, "30", 1)

	f.store.failAudit.Store(true)
	_, err := f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 9, Decision: domain.DecisionApprove})
	require.ErrorIs(t, err, domain.ErrAuditWriteFailed)
	assert.Equal(t, domain.KindFatal, domain.KindOf(err))

	assert.True(t, f.balance(t, a.ID).Equal(dec("100")))
	assert.True(t, f.balance(t, b.ID).Equal(dec("50")))
	got, err := f.core.GetApproval(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionPending, got.Decision)
	gotTran, err := f.core.GetTransaction(ctx, tran.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusPending, gotTran.Status)
}

func TestApprovedTransferWithInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")
	b := f.open(t, "50")
	_, approval := f.transfer(t, a.ID, b.ID, "80", 1)

	// 送審期間來源帳戶被提領
	_, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: a.ID, Type: domain.TransactionTypeWithdrawal, Amount: dec("60")})
	require.NoError(t, err)

	result, err := f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 9, Decision: domain.DecisionApprove})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, result)
	assert.Equal(t, domain.ApprovalStatusApproved, result.Approval.Status())
	assert.Equal(t, domain.TransactionStatusRejected, result.Transaction.Status)
	assert.True(t, f.balance(t, a.ID).Equal(dec("40")))
	assert.True(t, f.balance(t, b.ID).Equal(dec("50")))
	assert.Len(t, approvalAudit(t, f, approval.ID), 1)
}

func TestDecideValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *usecase.Options) { o.DefaultReviewers = []int64{9, 10} })
	a := f.open(t, "100")
	b := f.open(t, "50")
	_, approval := f.transfer(t, a.ID, b.ID, "30", 9)
	assert.Equal(t, []int64{9, 10}, approval.ReviewerPool)

	_, err := f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 10, Decision: "Maybe"})
	assert.ErrorIs(t, err, domain.ErrInvalidDecision)
	_, err = f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 10, Decision: domain.DecisionPending})
	assert.ErrorIs(t, err, domain.ErrInvalidDecision)
	_, err = f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 10, Decision: domain.DecisionApprove, Comments: strings.Repeat("x", domain.MaxCommentsLength+1)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.core.Decide(ctx, domain.DecideRequest{ApprovalID: 404, ReviewerID: 10, Decision: domain.DecisionApprove})
	assert.ErrorIs(t, err, domain.ErrApprovalNotFound)
	_, err = f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 11, Decision: domain.DecisionApprove})
	assert.ErrorIs(t, err, domain.ErrReviewerNotEligible)
	_, err = f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 9, Decision: domain.DecisionApprove})
	assert.ErrorIs(t, err, domain.ErrSelfApproval)

	got, err := f.core.GetApproval(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusPending, got.Status())
	assert.Empty(t, approvalAudit(t, f, approval.ID))
}

func TestSubmitForReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")

	dep, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: a.ID, Type: domain.TransactionTypeDeposit, Amount: dec("1")})
	require.NoError(t, err)
	_, err = f.core.SubmitForReview(ctx, dep.ID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransaction)

	_, err = f.core.SubmitForReview(ctx, 404, nil)
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	b := f.open(t, "0")
	tran, approval := f.transfer(t, a.ID, b.ID, "5", 1)
	_, err = f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 9, Decision: domain.DecisionReject})
	require.NoError(t, err)
	_, err = f.core.SubmitForReview(ctx, tran.ID, []int64{3})
	assert.ErrorIs(t, err, domain.ErrNotPending)
}

func TestQueryApprovals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")
	b := f.open(t, "100")

	_, first := f.transfer(t, a.ID, b.ID, "1", 1)
	_, second := f.transfer(t, b.ID, a.ID, "2", 1)
	_, third := f.transfer(t, a.ID, b.ID, "3", 1)
	_, err := f.core.Decide(ctx, domain.DecideRequest{ApprovalID: second.ID, ReviewerID: 9, Decision: domain.DecisionApprove})
	require.NoError(t, err)

	all := collect(t, f.core.QueryApprovals(ctx, domain.ApprovalFilter{}))
	require.Len(t, all, 3)
	assert.Equal(t, []int64{third.ID, second.ID, first.ID}, []int64{all[0].ID, all[1].ID, all[2].ID})

	pending := collect(t, f.core.QueryApprovals(ctx, domain.ApprovalFilter{Status: domain.ApprovalStatusPending}))
	assert.Len(t, pending, 2)
	byReviewer := collect(t, f.core.QueryApprovals(ctx, domain.ApprovalFilter{ReviewerID: 9}))
	require.Len(t, byReviewer, 1)
	assert.Equal(t, second.ID, byReviewer[0].ID)
}

func TestAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.open(t, "10")

	_, err := f.core.ChangeAccountStatus(ctx, acct.ID, domain.AccountStatusClosed, 50)
	assert.ErrorIs(t, err, domain.ErrAccountNotEmpty)

	inactive, err := f.core.ChangeAccountStatus(ctx, acct.ID, domain.AccountStatusInactive, 50)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStatusInactive, inactive.Status)

	tran, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: acct.ID, Type: domain.TransactionTypeDeposit, Amount: dec("5")})
	require.ErrorIs(t, err, domain.ErrAccountNotActive)
	assert.Equal(t, domain.TransactionStatusRejected, tran.Status)

	other := f.open(t, "0")
	tran, err = f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: other.ID, DestinationAccountID: acct.ID, Type: domain.TransactionTypeTransfer, Amount: dec("1")})
	require.ErrorIs(t, err, domain.ErrAccountNotActive)
	assert.Equal(t, domain.TransactionStatusRejected, tran.Status)

	_, err = f.core.ChangeAccountStatus(ctx, acct.ID, domain.AccountStatusActive, 50)
	require.NoError(t, err)
	_, err = f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: acct.ID, Type: domain.TransactionTypeWithdrawal, Amount: dec("10")})
	require.NoError(t, err)
	closed, err := f.core.ChangeAccountStatus(ctx, acct.ID, domain.AccountStatusClosed, 50)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStatusClosed, closed.Status)
	_, err = f.core.ChangeAccountStatus(ctx, acct.ID, domain.AccountStatusActive, 50)
	assert.ErrorIs(t, err, domain.ErrInvalidStatusChange)

	records := collect(t, f.core.QueryAudit(ctx, domain.AuditFilter{EntityKind: domain.EntityAccount, EntityID: acct.ID}))
	require.Len(t, records, 4)
	actions := make([]string, 0, len(records))
	for i, r := range records {
		actions = append(actions, r.Action+":"+r.NewValue)
		if i > 0 {
			assert.Greater(t, r.Sequence, records[i-1].Sequence)
		}
	}
	assert.Equal(t, []string{
		"AccountOpened:Active",
		"AccountStatusChange:Inactive",
		"AccountStatusChange:Active",
		"AccountStatusChange:Closed",
	}, actions)

	_, err = f.core.OpenAccount(ctx, usecase.OpenAccountRequest{CustomerID: 1, Branch: "B", Type: domain.AccountTypeSavings, InitialDeposit: dec("1"), OverdraftLimit: dec("5")})
	assert.ErrorIs(t, err, domain.ErrInvalidAccount)
}
