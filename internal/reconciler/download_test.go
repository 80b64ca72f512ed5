package reconciler

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/kv/memdriver"
)

func seedRows(t *testing.T, store kv.Store, rows map[string]string) {
	t.Helper()
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		for k, v := range rows {
			tx.Set(ctx, []byte(k), []byte(v))
		}
		return nil
	})
	require.NoError(t, err)
}

func dumpRange(t *testing.T, store kv.Store, begin, end []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		rows, err := tx.GetRange(ctx, kv.RangeOptions{Begin: begin, End: end})
		if err != nil {
			return err
		}
		for _, r := range rows {
			out[string(r.Key)] = string(r.Value)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestDownloadRange_CopiesEveryKeyInRange(t *testing.T) {
	source := memdriver.New()
	dest := memdriver.New()
	seedRows(t, source, map[string]string{
		"a": "1", "b": "2", "c": "3", "d": "4",
	})

	out, err := downloadRange(context.Background(), dest, source, []byte("a"), []byte("z"))
	require.NoError(t, err)
	require.True(t, out.Done)
	require.GreaterOrEqual(t, out.ChunksCopied, 1, "all four rows fit comfortably under one chunk's byte budget")

	got := dumpRange(t, dest, []byte("a"), []byte("z"))
	require.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"}, got)
}

func TestDownloadRange_ResumesFromASavedCursor(t *testing.T) {
	source := memdriver.New()
	dest := memdriver.New()
	seedRows(t, source, map[string]string{"a": "1", "b": "2", "c": "3"})

	begin, end := []byte("a"), []byte("z")
	parts := splitRange(begin, end, DownloadInstanceCount)

	// Simulate a prior attempt that copied only the first row of the first
	// partition before crashing: write the row and its cursor directly,
	// bypassing downloadRange.
	err := dest.RunTransaction(context.Background(), func(ctx context.Context, tx kv.Transaction) error {
		tx.Set(ctx, []byte("a"), []byte("1"))
		tx.Set(ctx, kv.DownloadCursorKey(parts[0][0], parts[0][1]), successorKey([]byte("a")))
		return nil
	})
	require.NoError(t, err)

	out, err := downloadRange(context.Background(), dest, source, begin, end)
	require.NoError(t, err)
	require.True(t, out.Done)

	got := dumpRange(t, dest, begin, end)
	require.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, got)
}

func TestSplitRange_ProducesOrderedDisjointPartitions(t *testing.T) {
	begin, end := []byte{0x00}, []byte{0xF0}
	parts := splitRange(begin, end, 4)
	require.NotEmpty(t, parts)

	require.True(t, bytes.Equal(parts[0][0], begin))
	require.True(t, bytes.Equal(parts[len(parts)-1][1], end))
	for i := 0; i < len(parts); i++ {
		require.True(t, bytes.Compare(parts[i][0], parts[i][1]) < 0, "partition %d must be non-empty", i)
		if i > 0 {
			require.True(t, bytes.Compare(parts[i-1][1], parts[i][0]) <= 0, "partitions must not overlap")
		}
	}
}

func TestSplitRange_NeverProducesMoreThanRequestedPartitions(t *testing.T) {
	begin, end := []byte("a"), []byte("b")
	parts := splitRange(begin, end, 8)
	require.LessOrEqual(t, len(parts), 8)
	require.True(t, bytes.Equal(parts[0][0], begin))
	require.True(t, bytes.Equal(parts[len(parts)-1][1], end))
}

func TestSplitRange_AdjacentKeysStillSpanWholeRange(t *testing.T) {
	begin, end := []byte{0x61}, []byte{0x62}
	parts := splitRange(begin, end, 300)
	require.NotEmpty(t, parts)
	require.True(t, bytes.Equal(parts[0][0], begin))
	require.True(t, bytes.Equal(parts[len(parts)-1][1], end))
}
