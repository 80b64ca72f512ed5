package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/memdriver"
)

func TestTail_PublishThenReadWithinTTL(t *testing.T) {
	store := memdriver.New()
	tags := map[string]string{"actor_id": "a1"}

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		PublishTail(ctx, tx, "actor.status", tags, []byte("running"), 1000)
		return nil
	})
	require.NoError(t, err)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		msg, ok, err := ReadTail(ctx, tx, "actor.status", tags, 1500, 1000)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("running"), msg.Body)
		return nil
	})
	require.NoError(t, err)
}

func TestTail_ExpiresAfterTTL(t *testing.T) {
	store := memdriver.New()
	tags := map[string]string{"actor_id": "a1"}

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		PublishTail(ctx, tx, "actor.status", tags, []byte("running"), 1000)
		return nil
	})
	require.NoError(t, err)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		_, ok, err := ReadTail(ctx, tx, "actor.status", tags, 3000, 1000)
		require.NoError(t, err)
		require.False(t, ok, "a tail message older than TTL must not be returned")
		return nil
	})
	require.NoError(t, err)
}

func TestTail_OverwriteReplacesPreviousMessage(t *testing.T) {
	store := memdriver.New()
	tags := map[string]string{"actor_id": "a1"}

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		PublishTail(ctx, tx, "actor.status", tags, []byte("starting"), 1000)
		return nil
	})
	require.NoError(t, err)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		PublishTail(ctx, tx, "actor.status", tags, []byte("running"), 1200)
		return nil
	})
	require.NoError(t, err)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		msg, ok, err := ReadTail(ctx, tx, "actor.status", tags, 1300, 1000)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("running"), msg.Body)
		return nil
	})
	require.NoError(t, err)
}

func TestAnchorValid_RejectsMessageNotNewerThanAnchor(t *testing.T) {
	store := memdriver.New()
	tags := map[string]string{"actor_id": "a1"}

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		PublishTail(ctx, tx, "actor.status", tags, []byte("running"), 1000)
		return nil
	})
	require.NoError(t, err)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		_, ok, err := AnchorValid(ctx, tx, "actor.status", tags, 1000, 1100, 10000)
		require.NoError(t, err)
		require.False(t, ok, "a tail message at or before the anchor timestamp must not satisfy tail_anchor")
		return nil
	})
	require.NoError(t, err)

	err = store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		msg, ok, err := AnchorValid(ctx, tx, "actor.status", tags, 900, 1100, 10000)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("running"), msg.Body)
		return nil
	})
	require.NoError(t, err)
}
