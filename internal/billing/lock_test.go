package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLockerSerialisesParty(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second, discardLogger())
	locker.retries = 1
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, farmer7)
	require.NoError(t, err)
	assert.True(t, mr.Exists("billing:party:farmer:7:lock"))

	_, err = locker.Lock(ctx, farmer7)
	require.ErrorIs(t, err, ErrPartyBusy)

	other, err := locker.Lock(ctx, customer3)
	require.NoError(t, err, "different parties do not contend")
	other()

	unlock()
	assert.False(t, mr.Exists("billing:party:farmer:7:lock"))

	again, err := locker.Lock(ctx, farmer7)
	require.NoError(t, err)
	again()
}

func TestRedisLockerExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, time.Second, discardLogger())
	locker.retries = 0
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, farmer7)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	next, err := locker.Lock(ctx, farmer7)
	require.NoError(t, err, "an abandoned lock expires after its ttl")
	unlock()
	next()
}
