package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
)

// Options 核心業務層的共用設定
type Options struct {
	// MaxRetries: Conflict / Timeout 的最大重試次數
	MaxRetries int
	// RetryBaseDelay: 指數退避的基準時間
	RetryBaseDelay time.Duration
	// MaxRetryDelay: 單次退避上限
	MaxRetryDelay time.Duration
	// StoreTimeout: 每個原子單元的逾時
	StoreTimeout time.Duration
	// PageSize: 延遲查詢每次向儲存層取的筆數
	PageSize int
	// DefaultReviewers: 送審時未指定候選審核人使用的名單
	DefaultReviewers []int64
	// Clock: 測試用，預設 time.Now
	Clock  func() time.Time
	Logger *zap.Logger
}

// DefaultOptions 預設值
func DefaultOptions() Options {
	return Options{
		MaxRetries:     3,
		RetryBaseDelay: 10 * time.Millisecond,
		MaxRetryDelay:  500 * time.Millisecond,
		StoreTimeout:   5 * time.Second,
		PageSize:       100,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = def.RetryBaseDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = def.MaxRetryDelay
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = def.StoreTimeout
	}
	if o.PageSize <= 0 {
		o.PageSize = def.PageSize
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o *Options) now() time.Time {
	return o.Clock().UTC()
}

// run 執行一個原子單元，Conflict / Timeout 以指數退避 (含隨機抖動) 重試，其他錯誤直接回傳
func (o *Options) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := o.once(ctx, fn)
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		o.Logger.Debug("retrying unit of work",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(operation, o.retryPolicy(ctx), notify)
}

func (o *Options) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.RetryBaseDelay
	b.MaxInterval = o.MaxRetryDelay
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.MaxRetries)), ctx)
}

// once 單次執行，套用 StoreTimeout 並把逾時轉成 ErrTimeout
func (o *Options) once(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unitCtx, cancel := context.WithTimeout(ctx, o.StoreTimeout)
	defer cancel()

	err := fn(unitCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return err
}

// paginate 把 keyset 分頁包成延遲、有限、可重新迭代的序列
// start 不為 nil 時從該游標之後開始
func paginate[T any](
	ctx context.Context,
	pageSize int,
	start *domain.Cursor,
	fetch func(ctx context.Context, after *domain.Cursor, limit int) ([]T, error),
	cursorOf func(T) domain.Cursor,
) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		after := start
		for {
			page, err := fetch(ctx, after, pageSize)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			for _, item := range page {
				if !yield(item, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			next := cursorOf(page[len(page)-1])
			after = &next
		}
	}
}

// isRefusal 業務上拒絕異動餘額：交易以 Rejected 保存而不是回滾
func isRefusal(err error) bool {
	return errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrAccountNotActive)
}
