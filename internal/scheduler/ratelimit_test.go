package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actor-orchestrator/internal/kv/memdriver"
)

func TestRateLimiter_AllowsUpToLimitWithinWindow(t *testing.T) {
	store := memdriver.New()
	rl := NewRateLimiter(store, 3, time.Second)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(context.Background(), "dispatch", "1.2.3.4", 1000)
		require.NoError(t, err)
		require.True(t, ok, "request %d should be within budget", i)
	}

	ok, err := rl.Allow(context.Background(), "dispatch", "1.2.3.4", 1000)
	require.NoError(t, err)
	require.False(t, ok, "fourth request in the same window should be rejected")
}

func TestRateLimiter_WindowRolloverResetsBudget(t *testing.T) {
	store := memdriver.New()
	rl := NewRateLimiter(store, 2, time.Second)

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(context.Background(), "dispatch", "1.2.3.4", 1000)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := rl.Allow(context.Background(), "dispatch", "1.2.3.4", 1000)
	require.NoError(t, err)
	require.False(t, ok)

	// Next bucket window.
	ok, err = rl.Allow(context.Background(), "dispatch", "1.2.3.4", 2000)
	require.NoError(t, err)
	require.True(t, ok, "a new bucket window must have a fresh budget")
}

func TestRateLimiter_IsolatedPerKeyAndIP(t *testing.T) {
	store := memdriver.New()
	rl := NewRateLimiter(store, 1, time.Second)

	ok, err := rl.Allow(context.Background(), "dispatch", "1.2.3.4", 1000)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rl.Allow(context.Background(), "dispatch", "5.6.7.8", 1000)
	require.NoError(t, err)
	require.True(t, ok, "a different IP must not share the first IP's budget")

	ok, err = rl.Allow(context.Background(), "other-key", "1.2.3.4", 1000)
	require.NoError(t, err)
	require.True(t, ok, "a different rate key must not share the first key's budget")
}

func TestRateLimiter_DurableBucketPersistsAcrossInstances(t *testing.T) {
	store := memdriver.New()
	rl1 := NewRateLimiter(store, 1, time.Second)
	rl2 := NewRateLimiter(store, 1, time.Second)

	ok, err := rl1.Allow(context.Background(), "dispatch", "1.2.3.4", 1000)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rl2.Allow(context.Background(), "dispatch", "1.2.3.4", 1000)
	require.NoError(t, err)
	require.False(t, ok, "a second process instance must share the durable bucket for the same window")
}
