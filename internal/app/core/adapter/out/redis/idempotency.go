package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
	"github.com/JoeShih716/branch-ledger/internal/app/core/usecase"
)

const (
	keyPrefix = "ledger:idem:"
	// pendingValue 搶占中的 RefID，尚未有交易 ID
	pendingValue = "pending"
)

// IdempotencyGuard 以 Redis SETNX 擋下同一 RefID 的重送
//
// Redis 只是前置的快速路徑；Redis 無法使用時放行請求，
// 由 Store 的 RefID 唯一性保證不會重複入帳。
type IdempotencyGuard struct {
	client     *redis.Client
	pendingTTL time.Duration
	doneTTL    time.Duration
	log        *zap.Logger
}

// NewIdempotencyGuard 建立 IdempotencyGuard
//
// 參數:
//
//	client: go-redis 客戶端
//	pendingTTL: 搶占的存活時間，處理中的程序當掉後會自動釋放
//	doneTTL: 已完成 RefID 的保留時間
//	log: nil 使用 zap.NewNop()
func NewIdempotencyGuard(client *redis.Client, pendingTTL, doneTTL time.Duration, log *zap.Logger) *IdempotencyGuard {
	if pendingTTL <= 0 {
		pendingTTL = 30 * time.Second
	}
	if doneTTL <= 0 {
		doneTTL = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IdempotencyGuard{
		client:     client,
		pendingTTL: pendingTTL,
		doneTTL:    doneTTL,
		log:        log,
	}
}

func key(ref uuid.UUID) string {
	return keyPrefix + ref.String()
}

// Reserve 搶占 RefID
//
// 回傳:
//
//	existingID: 已完成時的交易 ID
//	reserved: true 表示取得搶占，可以建立交易
//	error: 同一 RefID 正在處理中回傳 ErrDuplicateReference (可重試)
func (g *IdempotencyGuard) Reserve(ctx context.Context, ref uuid.UUID) (int64, bool, error) {
	ok, err := g.client.SetNX(ctx, key(ref), pendingValue, g.pendingTTL).Result()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, false, ctxErr
		}
		g.log.Warn("idempotency reserve failed, falling back to store uniqueness", zap.Stringer("ref_id", ref), zap.Error(err))
		return 0, true, nil
	}
	if ok {
		return 0, true, nil
	}

	val, err := g.client.Get(ctx, key(ref)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// 搶占剛好過期或被釋放
		return 0, false, fmt.Errorf("%w: %s released concurrently", domain.ErrDuplicateReference, ref)
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, false, ctxErr
		}
		g.log.Warn("idempotency lookup failed, falling back to store uniqueness", zap.Stringer("ref_id", ref), zap.Error(err))
		return 0, true, nil
	case val == pendingValue:
		return 0, false, fmt.Errorf("%w: %s is in flight", domain.ErrDuplicateReference, ref)
	}

	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil || id <= 0 {
		g.log.Warn("unexpected idempotency value", zap.Stringer("ref_id", ref), zap.String("value", val))
		return 0, true, nil
	}
	return id, false, nil
}

// Complete 記錄 RefID 對應的交易 ID
func (g *IdempotencyGuard) Complete(ctx context.Context, ref uuid.UUID, transactionID int64) error {
	if err := g.client.Set(ctx, key(ref), strconv.FormatInt(transactionID, 10), g.doneTTL).Err(); err != nil {
		return fmt.Errorf("complete ref %s: %w", ref, err)
	}
	return nil
}

// Release 刪除搶占，只刪除仍為 pending 的鍵
func (g *IdempotencyGuard) Release(ctx context.Context, ref uuid.UUID) error {
	err := releaseScript.Run(ctx, g.client, []string{key(ref)}, pendingValue).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release ref %s: %w", ref, err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ usecase.IdempotencyGuard = (*IdempotencyGuard)(nil)
