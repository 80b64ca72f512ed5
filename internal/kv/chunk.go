package kv

import (
	"context"
	"sort"
)

// ChunkSize is the fixed size (bytes) large values are split into under
// (parent_key, chunk_idx), per spec.md §4.A. Workflow input/output blobs use
// this when they exceed a single value's practical size.
const ChunkSize = 64 * 1024

// WriteChunked splits value into fixed-size chunks and writes them under
// ChunkKey(parentKey, idx) in ascending index order, clearing any existing
// chunk subspace first so a shorter overwrite doesn't leave stale tail
// chunks behind.
func WriteChunked(ctx context.Context, tx Transaction, parentKey, value []byte) {
	begin, end := ChunkSubspace(parentKey)
	tx.ClearRange(ctx, begin, end)
	if len(value) == 0 {
		return
	}
	for idx := uint64(0); ; idx++ {
		start := idx * ChunkSize
		if start >= uint64(len(value)) {
			break
		}
		stop := start + ChunkSize
		if stop > uint64(len(value)) {
			stop = uint64(len(value))
		}
		tx.Set(ctx, ChunkKey(parentKey, idx), value[start:stop])
	}
}

// ReadChunked concatenates all chunks under parentKey's chunk subspace in
// index order. Readers use this instead of a plain Get for any value that
// may have been written by WriteChunked.
func ReadChunked(ctx context.Context, tx Transaction, parentKey []byte) ([]byte, error) {
	begin, end := ChunkSubspace(parentKey)
	rows, err := tx.GetRange(ctx, RangeOptions{Begin: begin, End: end, StreamingMode: StreamWantAll})
	if err != nil {
		return nil, err
	}
	// Keys are formal-key encoded with the chunk index as the last segment,
	// so byte order already matches index order, but sort defensively in
	// case a driver doesn't guarantee range-scan ordering.
	sort.Slice(rows, func(i, j int) bool {
		return string(rows[i].Key) < string(rows[j].Key)
	})
	var out []byte
	for _, r := range rows {
		out = append(out, r.Value...)
	}
	return out, nil
}
