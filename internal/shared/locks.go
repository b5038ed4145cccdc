package shared

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrProductBusy indicates another operation holds a product lock. The
// caller may resubmit the same logical request.
var ErrProductBusy = errors.New("product is locked by a concurrent operation")

// ProductLocker serializes stock postings per product across processes.
// The moving-average formula reads current state and writes a new one, so
// two concurrent postings for the same product must never interleave.
type ProductLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewProductLocker constructs the locker. ttl bounds how long a crashed
// holder can block others.
func NewProductLocker(client *redis.Client, ttl time.Duration) *ProductLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ProductLocker{client: client, ttl: ttl}
}

func productLockKey(productID int64) string {
	return fmt.Sprintf("ledger:product:%d:lock", productID)
}

// AcquireAll takes the lock for every product id, in sorted order so that
// concurrent multi-product operations cannot deadlock. On any contention it
// releases what it took and returns ErrProductBusy.
func (l *ProductLocker) AcquireAll(ctx context.Context, productIDs []int64) (func(), error) {
	if l == nil || len(productIDs) == 0 {
		return func() {}, nil
	}
	ids := append([]int64(nil), productIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ids = dedupe(ids)

	token := uuid.NewString()
	taken := make([]string, 0, len(ids))
	release := func() {
		for _, key := range taken {
			l.releaseKey(context.Background(), key, token)
		}
	}
	for _, id := range ids {
		key := productLockKey(id)
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			release()
			return nil, fmt.Errorf("product lock %d: %w", id, err)
		}
		if !ok {
			release()
			return nil, fmt.Errorf("%w: product %d", ErrProductBusy, id)
		}
		taken = append(taken, key)
	}
	return release, nil
}

// releaseScript deletes a lock key only while the caller's token still
// owns it, so an expired lock reacquired by someone else survives.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *ProductLocker) releaseKey(ctx context.Context, key, token string) {
	_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}

func dedupe(sorted []int64) []int64 {
	out := sorted[:0]
	for i, id := range sorted {
		if i == 0 || id != sorted[i-1] {
			out = append(out, id)
		}
	}
	return out
}
