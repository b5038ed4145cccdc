package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*ProductLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewProductLocker(client, time.Minute), mr
}

func TestProductLockerAcquireRelease(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	release, err := locker.AcquireAll(ctx, []int64{7, 3, 3, 11})
	require.NoError(t, err)
	require.True(t, mr.Exists("ledger:product:3:lock"))
	require.True(t, mr.Exists("ledger:product:7:lock"))
	require.True(t, mr.Exists("ledger:product:11:lock"))

	release()
	require.False(t, mr.Exists("ledger:product:3:lock"))
	require.False(t, mr.Exists("ledger:product:7:lock"))
	require.False(t, mr.Exists("ledger:product:11:lock"))
}

func TestProductLockerContention(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	release, err := locker.AcquireAll(ctx, []int64{5})
	require.NoError(t, err)
	defer release()

	_, err = locker.AcquireAll(ctx, []int64{2, 5})
	require.ErrorIs(t, err, ErrProductBusy)

	// the failed attempt must not leave its partial locks behind
	second, err := locker.AcquireAll(ctx, []int64{2})
	require.NoError(t, err)
	second()
}

func TestProductLockerNilIsNoop(t *testing.T) {
	var locker *ProductLocker
	release, err := locker.AcquireAll(context.Background(), []int64{1})
	require.NoError(t, err)
	release()
}
