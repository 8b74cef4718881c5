package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
	"github.com/JoeShih716/branch-ledger/internal/app/core/usecase"
)

func TestWithdrawalOverBalanceIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.open(t, "100")

	tran, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{
		AccountID: acct.ID,
		Type:      domain.TransactionTypeWithdrawal,
		Amount:    dec("150"),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, tran)
	assert.Equal(t, domain.TransactionStatusRejected, tran.Status)
	assert.True(t, f.balance(t, acct.ID).Equal(dec("100")))

	rejected := collect(t, f.core.QueryTransactions(ctx, domain.TransactionFilter{AccountID: acct.ID, Status: domain.TransactionStatusRejected}))
	require.Len(t, rejected, 1)
	assert.Equal(t, tran.ID, rejected[0].ID)
}

func TestDepositAndWithdrawalApplyImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.open(t, "100")

	dep, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: acct.ID, Type: domain.TransactionTypeDeposit, Amount: dec("20.55")})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, dep.Status)
	assert.NotEqual(t, uuid.Nil, dep.RefID)

	wd, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: acct.ID, Type: domain.TransactionTypeWithdrawal, Amount: dec("120.55")})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, wd.Status)
	assert.True(t, f.balance(t, acct.ID).IsZero())

	_, err = f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: 999, Type: domain.TransactionTypeDeposit, Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestInvalidTransactionPersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.open(t, "100")

	tests := []domain.CreateTransactionRequest{
		{AccountID: acct.ID, Type: domain.TransactionTypeDeposit, Amount: dec("0")},
		{AccountID: acct.ID, Type: domain.TransactionTypeDeposit, Amount: dec("-3")},
		{AccountID: acct.ID, Type: domain.TransactionTypeTransfer, Amount: dec("3")},
		{AccountID: acct.ID, Type: domain.TransactionTypeTransfer, Amount: dec("3"), DestinationAccountID: acct.ID},
		{AccountID: acct.ID, Type: "Loan", Amount: dec("3")},
	}
	for _, req := range tests {
		tran, err := f.core.CreateTransaction(ctx, req)
		assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
		assert.Nil(t, tran)
	}
	assert.Empty(t, collect(t, f.core.QueryTransactions(ctx, domain.TransactionFilter{})))
	assert.True(t, f.balance(t, acct.ID).Equal(dec("100")))
}

func TestReplayedReferenceHasNoSecondEffect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.open(t, "10")

	req := domain.CreateTransactionRequest{RefID: uuid.New(), AccountID: acct.ID, Type: domain.TransactionTypeDeposit, Amount: dec("5")}
	first, err := f.core.CreateTransaction(ctx, req)
	require.NoError(t, err)
	second, err := f.core.CreateTransaction(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, f.balance(t, acct.ID).Equal(dec("15")))
	assert.Len(t, collect(t, f.core.QueryTransactions(ctx, domain.TransactionFilter{})), 1)
}

func TestConcurrentDepositsAreNotLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.open(t, "0")

	const workers = 40
	amount := dec("2.50")
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{
					AccountID: acct.ID,
					Type:      domain.TransactionTypeDeposit,
					Amount:    amount,
				})
				if domain.IsRetryable(err) {
					continue
				}
				errs <- err
				return
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := f.core.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(amount.Mul(decimal.NewFromInt(workers))), "balance %s", got.Balance)
	assert.Equal(t, int64(workers), got.Version)
}

func TestTransferIsPendingUntilApproved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")
	b := f.open(t, "50")

	tran, approval := f.transfer(t, a.ID, b.ID, "30", 1)
	assert.Equal(t, tran.ID, approval.TransactionID)
	assert.Equal(t, domain.ApprovalStatusPending, approval.Status())
	assert.True(t, f.balance(t, a.ID).Equal(dec("100")))
	assert.True(t, f.balance(t, b.ID).Equal(dec("50")))

	// 審核單已由建立流程開立
	_, err := f.core.SubmitForReview(ctx, tran.ID, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadySubmitted)

	_, err = f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{
		AccountID: a.ID, DestinationAccountID: 404, Type: domain.TransactionTypeTransfer, Amount: dec("1"),
	})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestResolveTransferDirectly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")
	b := f.open(t, "0")
	tran, _ := f.transfer(t, a.ID, b.ID, "40", 1)

	f.store.failCredit.Store(true)
	_, err := f.core.Ledger().ResolveTransfer(ctx, tran.ID, true)
	require.ErrorIs(t, err, errInjected)
	assert.True(t, f.balance(t, a.ID).Equal(dec("100")), "debit must not survive a failed credit")
	assert.True(t, f.balance(t, b.ID).IsZero())
	got, err := f.core.GetTransaction(ctx, tran.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusPending, got.Status)

	f.store.failCredit.Store(false)
	done, err := f.core.Ledger().ResolveTransfer(ctx, tran.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, done.Status)
	assert.True(t, f.balance(t, a.ID).Equal(dec("60")))
	assert.True(t, f.balance(t, b.ID).Equal(dec("40")))

	_, err = f.core.Ledger().ResolveTransfer(ctx, tran.ID, false)
	assert.ErrorIs(t, err, domain.ErrNotPending)

	dep, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: a.ID, Type: domain.TransactionTypeDeposit, Amount: dec("1")})
	require.NoError(t, err)
	_, err = f.core.Ledger().ResolveTransfer(ctx, dep.ID, true)
	assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
}

func TestReverseTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.open(t, "100")

	dep, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: acct.ID, Type: domain.TransactionTypeDeposit, Amount: dec("50")})
	require.NoError(t, err)
	wd, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: acct.ID, Type: domain.TransactionTypeWithdrawal, Amount: dec("20")})
	require.NoError(t, err)

	reversed, err := f.core.ReverseTransaction(ctx, wd.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusReversed, reversed.Status)
	assert.True(t, f.balance(t, acct.ID).Equal(dec("150")))

	_, err = f.core.ReverseTransaction(ctx, wd.ID, 7)
	assert.ErrorIs(t, err, domain.ErrNotReversible)

	// 先把餘額提到不足以沖正存款
	_, err = f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: acct.ID, Type: domain.TransactionTypeWithdrawal, Amount: dec("120")})
	require.NoError(t, err)
	_, err = f.core.ReverseTransaction(ctx, dep.ID, 7)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	got, err := f.core.GetTransaction(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, got.Status)
	assert.True(t, f.balance(t, acct.ID).Equal(dec("30")))

	rejected, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: acct.ID, Type: domain.TransactionTypeWithdrawal, Amount: dec("999")})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = f.core.ReverseTransaction(ctx, rejected.ID, 7)
	assert.ErrorIs(t, err, domain.ErrNotReversible)

	other := f.open(t, "0")
	tran, _ := f.transfer(t, acct.ID, other.ID, "1", 1)
	_, err = f.core.ReverseTransaction(ctx, tran.ID, 7)
	assert.ErrorIs(t, err, domain.ErrNotReversible)

	records := collect(t, f.core.QueryAudit(ctx, domain.AuditFilter{EntityKind: domain.EntityTransaction}))
	require.Len(t, records, 1)
	assert.Equal(t, domain.ActionTransactionReversal, records[0].Action)
	assert.Equal(t, wd.ID, records[0].EntityID)
	assert.Equal(t, int64(7), records[0].ActorID)
}

func TestBalanceReconstruction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, "100")
	b := f.open(t, "25")

	steps := []domain.CreateTransactionRequest{
		{AccountID: a.ID, Type: domain.TransactionTypeDeposit, Amount: dec("10.10")},
		{AccountID: a.ID, Type: domain.TransactionTypeWithdrawal, Amount: dec("500")},
		{AccountID: b.ID, Type: domain.TransactionTypeWithdrawal, Amount: dec("5.05")},
		{AccountID: a.ID, Type: domain.TransactionTypeWithdrawal, Amount: dec("0.10")},
	}
	var reverse int64
	for i, req := range steps {
		tran, _ := f.core.CreateTransaction(ctx, req)
		if i == 0 {
			reverse = tran.ID
		}
	}
	_, err := f.core.ReverseTransaction(ctx, reverse, 1)
	require.NoError(t, err)

	_, approval := f.transfer(t, a.ID, b.ID, "40", 1)
	_, err = f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 9, Decision: domain.DecisionApprove})
	require.NoError(t, err)
	_, approval = f.transfer(t, b.ID, a.ID, "7", 1)
	_, err = f.core.Decide(ctx, domain.DecideRequest{ApprovalID: approval.ID, ReviewerID: 9, Decision: domain.DecisionReject})
	require.NoError(t, err)

	for _, acct := range []*domain.Account{a, b} {
		expected := acct.InitialBalance
		for tran, err := range f.core.QueryTransactions(ctx, domain.TransactionFilter{AccountID: acct.ID, Status: domain.TransactionStatusCompleted}) {
			require.NoError(t, err)
			switch {
			case tran.Type == domain.TransactionTypeTransfer && tran.DestinationAccountID == acct.ID:
				expected = expected.Add(tran.Amount)
			default:
				expected = expected.Add(tran.Delta())
			}
		}
		assert.True(t, f.balance(t, acct.ID).Equal(expected), "account %d", acct.ID)
	}
	assert.True(t, f.balance(t, a.ID).Equal(dec("59.90")))
	assert.True(t, f.balance(t, b.ID).Equal(dec("59.95")))
}

func TestQueryIsLazyOrderedAndRestartable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.open(t, "0")

	var ids []int64
	for range 5 {
		tran, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: acct.ID, Type: domain.TransactionTypeDeposit, Amount: dec("1")})
		require.NoError(t, err)
		ids = append([]int64{tran.ID}, ids...)
	}

	seq := f.core.QueryTransactions(ctx, domain.TransactionFilter{AccountID: acct.ID})
	for range 2 {
		var got []int64
		for tran, err := range seq {
			require.NoError(t, err)
			got = append(got, tran.ID)
		}
		assert.Equal(t, ids, got)
	}

	// 提早結束不會讀取剩餘頁面
	count := 0
	for range seq {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)

	from := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	for _, err := range f.core.QueryTransactions(ctx, domain.TransactionFilter{From: &from, To: &to}) {
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}
}

func TestUnitTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *usecase.Options) {
		o.StoreTimeout = 20 * time.Millisecond
		o.MaxRetries = 1
	})
	acct := f.open(t, "10")

	f.store.blockUnits.Store(true)
	_, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{AccountID: acct.ID, Type: domain.TransactionTypeDeposit, Amount: dec("1")})
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.core.CreateTransaction(canceled, domain.CreateTransactionRequest{AccountID: acct.ID, Type: domain.TransactionTypeDeposit, Amount: dec("1")})
	assert.ErrorIs(t, err, context.Canceled)

	f.store.blockUnits.Store(false)
	assert.True(t, f.balance(t, acct.ID).Equal(dec("10")))
}
