package lease

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merchanthub "github.com/scr53005/merchant-hub"
	"github.com/scr53005/merchant-hub/coordstore"
	"github.com/scr53005/merchant-hub/coordstore/memstore"
)

func newTestManager(t *testing.T) (*Manager, *memstore.ManualClock) {
	t.Helper()
	clock := memstore.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memstore.New(memstore.WithClock(clock.Now))
	manager, err := NewManager(store, coordstore.Keys{Namespace: "test"}, WithClock(clock.Now))
	require.NoError(t, err)
	return manager, clock
}

func TestTryAcquireConcurrentSingleWinner(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	const candidates = 16
	results := make([]Result, candidates)
	var wg sync.WaitGroup
	for i := 0; i < candidates; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := manager.TryAcquire(ctx, fmt.Sprintf("spoke-%d", i), 30*time.Second)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	winners := 0
	var winner string
	for i, res := range results {
		if res.Acquired {
			winners++
			winner = fmt.Sprintf("spoke-%d", i)
		}
	}
	require.Equal(t, 1, winners)
	for _, res := range results {
		assert.Equal(t, winner, res.Holder)
	}
}

func TestFailoverAfterExpiry(t *testing.T) {
	manager, clock := newTestManager(t)
	ctx := context.Background()

	res, err := manager.TryAcquire(ctx, "A", 30*time.Second)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	res, err = manager.TryAcquire(ctx, "B", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, "A", res.Holder)

	clock.Advance(31 * time.Second)

	res, err = manager.TryAcquire(ctx, "B", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	status, err := manager.CurrentHolder(ctx)
	require.NoError(t, err)
	assert.True(t, status.Held)
	assert.Equal(t, "B", status.Holder)
	assert.Equal(t, clock.Now().Add(30*time.Second), status.ExpiresAt)
}

func TestRenewExtendsOnlyForHolder(t *testing.T) {
	manager, clock := newTestManager(t)
	ctx := context.Background()

	_, err := manager.TryAcquire(ctx, "A", 30*time.Second)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	status, err := manager.Renew(ctx, "A", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "A", status.Holder)

	clock.Advance(20 * time.Second)
	current, err := manager.CurrentHolder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", current.Holder)

	_, err = manager.Renew(ctx, "B", 30*time.Second)
	require.Error(t, err)
	var lost merchanthub.LeadershipLostError
	require.ErrorAs(t, err, &lost)
	assert.Equal(t, "A", lost.Holder)
}

func TestTryAcquireByCurrentHolderRenews(t *testing.T) {
	manager, clock := newTestManager(t)
	ctx := context.Background()

	_, err := manager.TryAcquire(ctx, "A", 30*time.Second)
	require.NoError(t, err)
	clock.Advance(25 * time.Second)

	res, err := manager.TryAcquire(ctx, "A", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	clock.Advance(25 * time.Second)
	status, err := manager.CurrentHolder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", status.Holder)
}

func TestReleaseIsConditional(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.TryAcquire(ctx, "A", time.Minute)
	require.NoError(t, err)

	released, err := manager.Release(ctx, "B")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = manager.Release(ctx, "A")
	require.NoError(t, err)
	assert.True(t, released)

	status, err := manager.CurrentHolder(ctx)
	require.NoError(t, err)
	assert.False(t, status.Held)
}

func TestTryAcquireValidatesInput(t *testing.T) {
	manager, _ := newTestManager(t)
	_, err := manager.TryAcquire(context.Background(), " ", time.Second)
	assert.Error(t, err)
	_, err = manager.TryAcquire(context.Background(), "A", 0)
	assert.Error(t, err)
}
