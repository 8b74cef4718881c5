package usecase_test

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/branch-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
	"github.com/JoeShih716/branch-ledger/internal/app/core/usecase"
)

var errInjected = errors.New("injected failure")

// stepClock 每次呼叫前進一秒，讓排序可預期
func stepClock() func() time.Time {
	var tick atomic.Int64
	start := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		return start.Add(time.Duration(tick.Add(1)) * time.Second)
	}
}

func testOptions() usecase.Options {
	opts := usecase.DefaultOptions()
	opts.MaxRetries = 50
	opts.RetryBaseDelay = time.Millisecond
	opts.MaxRetryDelay = 5 * time.Millisecond
	opts.PageSize = 2
	opts.Clock = stepClock()
	return opts
}

// faultyStore 在原子單元內注入錯誤，用來驗證回滾
type faultyStore struct {
	usecase.Store
	failCredit atomic.Bool
	failAudit  atomic.Bool
	blockUnits atomic.Bool
	// beforeCredit 在入帳前呼叫 (單元尚未提交)
	beforeCredit func()
}

func (f *faultyStore) Atomic(ctx context.Context, fn func(ctx context.Context, repos usecase.Repositories) error) error {
	if f.blockUnits.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.Store.Atomic(ctx, func(ctx context.Context, repos usecase.Repositories) error {
		return fn(ctx, &faultyRepos{Repositories: repos, f: f})
	})
}

type faultyRepos struct {
	usecase.Repositories
	f *faultyStore
}

func (r *faultyRepos) Accounts() usecase.AccountRepository {
	return &faultyAccounts{AccountRepository: r.Repositories.Accounts(), f: r.f}
}

func (r *faultyRepos) Audit() usecase.AuditRepository {
	return &faultyAudit{AuditRepository: r.Repositories.Audit(), f: r.f}
}

type faultyAccounts struct {
	usecase.AccountRepository
	f *faultyStore
}

func (a *faultyAccounts) AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal, expectedVersion int64, at time.Time) (*domain.Account, error) {
	if delta.IsPositive() && a.f.beforeCredit != nil {
		a.f.beforeCredit()
	}
	if delta.IsPositive() && a.f.failCredit.Load() {
		return nil, errInjected
	}
	return a.AccountRepository.AdjustBalance(ctx, id, delta, expectedVersion, at)
}

type faultyAudit struct {
	usecase.AuditRepository
	f *faultyStore
}

func (a *faultyAudit) Append(ctx context.Context, record *domain.AuditRecord) error {
	if a.f.failAudit.Load() {
		return errInjected
	}
	return a.AuditRepository.Append(ctx, record)
}

type fixture struct {
	core  *usecase.CoreUseCase
	store *faultyStore
}

func newFixture(t *testing.T, mutate ...func(o *usecase.Options)) *fixture {
	t.Helper()
	mem, err := memory.Open(nil, nil)
	require.NoError(t, err)
	store := &faultyStore{Store: mem}
	opts := testOptions()
	for _, m := range mutate {
		m(&opts)
	}
	return &fixture{
		core:  usecase.NewCoreUseCase(store, nil, nil, opts),
		store: store,
	}
}

func (f *fixture) open(t *testing.T, balance string) *domain.Account {
	t.Helper()
	acct, err := f.core.OpenAccount(context.Background(), usecase.OpenAccountRequest{
		CustomerID:     100,
		Branch:         "TPE-001",
		Type:           domain.AccountTypeSavings,
		InitialDeposit: decimal.RequireFromString(balance),
		ActorID:        50,
	})
	require.NoError(t, err)
	return acct
}

func (f *fixture) balance(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	acct, err := f.core.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance
}

func (f *fixture) transfer(t *testing.T, from, to int64, amount string, initiator int64) (*domain.Transaction, *domain.Approval) {
	t.Helper()
	ctx := context.Background()
	tran, err := f.core.CreateTransaction(ctx, domain.CreateTransactionRequest{
		AccountID:            from,
		DestinationAccountID: to,
		Type:                 domain.TransactionTypeTransfer,
		Amount:               decimal.RequireFromString(amount),
		InitiatedBy:          initiator,
	})
	require.NoError(t, err)
	require.Equal(t, domain.TransactionStatusPending, tran.Status)

	for approval, err := range f.core.QueryApprovals(ctx, domain.ApprovalFilter{Status: domain.ApprovalStatusPending}) {
		require.NoError(t, err)
		if approval.TransactionID == tran.ID {
			return tran, approval
		}
	}
	t.Fatalf("no pending approval for transaction %d", tran.ID)
	return nil, nil
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for item, err := range seq {
		require.NoError(t, err)
		out = append(out, item)
	}
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
