package reconciler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"math/big"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
	"github.com/rivet-gg/actor-orchestrator/internal/workflow"
)

// DownloadInstanceCount is DOWNLOAD_INSTANCE_COUNT (spec.md §4.F step 3): the
// number of chunk-copy workers run concurrently per replica bootstrap.
const DownloadInstanceCount = 4

// RecoverKeyChunkSizeBytes is RECOVER_KEY_CHUNK_SIZE (spec.md §4.F step 3):
// the target size, in bytes of encoded key+value pairs, of one copied chunk.
const RecoverKeyChunkSizeBytes = 64 * 1024

// maxChunkRows bounds how many rows one readChunk call pulls from source
// before applying RecoverKeyChunkSizeBytes, so a run of very small values
// cannot grow a single chunk transaction unboundedly.
const maxChunkRows = 4096

// DownloadActivityName is the registered activity the reconciler dispatches
// once per newly joining replica (spec.md §4.F step 3).
const DownloadActivityName = "download_replica_state"

// fullKeyspaceEnd upper-bounds a whole-keyspace replica bootstrap.
// formalkey length-prefixes every string segment, including each key's
// leading discriminator, with a 4-byte big-endian length (see formalkey.go),
// so every real key begins with 0x00 and this run of 0xFF bytes sorts after
// every one of them.
var fullKeyspaceEnd = bytes.Repeat([]byte{0xFF}, 32)

// DownloadInput names one replica bootstrap: copy every key in [Begin, End)
// from the stable replica identified by SourceAddress into the local store.
type DownloadInput struct {
	SourceAddress string `json:"source_address"`
	Begin         []byte `json:"begin"`
	End           []byte `json:"end"`
}

// DownloadOutput reports what one download activity attempt accomplished.
// A non-Done result with no error is not expected from RegisterDownloadActivity
// today (it always runs every partition to completion before returning) but
// is kept on the wire shape so a future partial-progress mode can report it
// without an incompatible change.
type DownloadOutput struct {
	ChunksCopied int   `json:"chunks_copied"`
	BytesCopied  int64 `json:"bytes_copied"`
	Done         bool  `json:"done"`
}

// Dialer resolves a replica's address to a Store handle the download
// activity can run transactions against. Production wiring dials the
// replica's own KV endpoint; tests substitute an in-process memdriver store.
type Dialer func(address string) (kv.Store, error)

// RegisterDownloadActivity wires DownloadActivityName into activities,
// closing over dest (this process's own store) and dial (how to reach a
// named source replica). Activities run without a transaction of their own
// handed to them (workflow.ActivityFunc takes only a context and a JSON
// payload, per context.go's Activity implementation) — so, like the
// teacher's registry.NewHealthTracker taking its rmap/pool.Node dependencies
// as constructor arguments rather than rediscovering them per call, the
// source and destination stores are supplied once at registration time.
func RegisterDownloadActivity(activities workflow.ActivityRegistry, dest kv.Store, dial Dialer) {
	activities[DownloadActivityName] = func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var in DownloadInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, err
		}
		source, err := dial(in.SourceAddress)
		if err != nil {
			return nil, err
		}
		out, err := downloadRange(ctx, dest, source, in.Begin, in.End)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

// downloadRange bulk-copies every key in [begin, end) from source into dest,
// splitting the key space into DownloadInstanceCount partitions copied
// concurrently, each in RecoverKeyChunkSizeBytes-sized chunks (spec.md §4.F
// step 3). A partition worker's failure does not block the others; their
// byte/chunk counts are still summed and the first error is returned after
// every partition has finished or failed. Each partition keeps a resume
// cursor while it runs and clears it when it finishes, so a retry (the
// engine backs off and re-invokes this activity per Activity's own retry
// budget) resumes unfinished partitions from their cursors and copies
// finished partitions again from their start.
func downloadRange(ctx context.Context, dest, source kv.Store, begin, end []byte) (DownloadOutput, error) {
	partitions := splitRange(begin, end, DownloadInstanceCount)

	type result struct {
		chunks int
		bytes  int64
		err    error
	}
	results := make(chan result, len(partitions))
	for _, part := range partitions {
		part := part
		go func() {
			chunks, n, err := copyPartition(ctx, dest, source, part[0], part[1])
			results <- result{chunks: chunks, bytes: n, err: err}
		}()
	}

	var out DownloadOutput
	var firstErr error
	for range partitions {
		r := <-results
		out.ChunksCopied += r.chunks
		out.BytesCopied += r.bytes
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	if firstErr != nil {
		return out, firstErr
	}
	out.Done = true
	return out, nil
}

// copyPartition copies [begin, end) one chunk at a time, resuming from
// dest's own DownloadCursorKey(begin, end) row if a prior attempt already
// advanced it. Each chunk is copied and its cursor advanced in the same
// dest transaction, so a crash mid-chunk never leaves the cursor ahead of
// what was actually written.
func copyPartition(ctx context.Context, dest, source kv.Store, begin, end []byte) (int, int64, error) {
	cursor := begin
	if err := dest.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
		saved, err := tx.Get(ctx, kv.DownloadCursorKey(begin, end))
		if err != nil {
			if err == kv.ErrNotFound {
				return nil
			}
			return err
		}
		cursor = append([]byte(nil), saved...)
		return nil
	}); err != nil {
		return 0, 0, err
	}

	chunks := 0
	var copiedBytes int64
	for {
		rows, checksum, nextCursor, size, err := readChunk(ctx, source, cursor, end)
		if err != nil {
			return chunks, copiedBytes, err
		}
		if len(rows) == 0 {
			tx0Err := dest.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
				tx.Clear(ctx, kv.DownloadCursorKey(begin, end))
				return nil
			})
			return chunks, copiedBytes, tx0Err
		}

		err = dest.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
			gotSum := sha256Rows(rows)
			if !bytes.Equal(gotSum, checksum) {
				return errChunkChecksumMismatch
			}
			for _, row := range rows {
				tx.Set(ctx, row.Key, row.Value)
			}
			tx.Set(ctx, kv.DownloadCursorKey(begin, end), nextCursor)
			return nil
		})
		if err != nil {
			return chunks, copiedBytes, err
		}
		chunks++
		copiedBytes += size
		cursor = nextCursor
	}
}

// errChunkChecksumMismatch signals a chunk failed verification (spec.md
// §4.F step 3 "verifying per-chunk checksums"); the activity fails this
// attempt and the engine's own activity-retry backoff re-reads the chunk.
var errChunkChecksumMismatch = &chunkChecksumError{}

type chunkChecksumError struct{}

func (*chunkChecksumError) Error() string { return "reconciler: chunk checksum mismatch" }

// readChunk reads rows from source starting at cursor (inclusive) up to end
// (exclusive), accumulating up to RecoverKeyChunkSizeBytes of encoded
// key+value data, and returns the checksum over those rows plus the next
// chunk's starting cursor (the key immediately after the last row read).
func readChunk(ctx context.Context, source kv.Store, cursor, end []byte) ([]kv.KeyValue, []byte, []byte, int64, error) {
	var rows []kv.KeyValue
	var size int64
	err := source.RunTransaction(ctx, func(ctx context.Context, tx kv.Transaction) error {
		// Limit is a row-count backstop, not the chunk boundary itself (that
		// is still bytes, enforced below) — it just keeps a pathological run
		// of tiny values from pulling an unbounded number of rows into one
		// transaction before the byte budget below ever gets a chance to cut
		// the chunk off.
		got, err := tx.GetRange(ctx, kv.RangeOptions{Begin: cursor, End: end, Limit: maxChunkRows, StreamingMode: kv.StreamIterator})
		if err != nil {
			return err
		}
		for _, row := range got {
			rowSize := int64(len(row.Key) + len(row.Value))
			if len(rows) > 0 && size+rowSize > RecoverKeyChunkSizeBytes {
				break
			}
			rows = append(rows, row)
			size += rowSize
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, 0, err
	}
	if len(rows) == 0 {
		return nil, nil, cursor, 0, nil
	}
	next := successorKey(rows[len(rows)-1].Key)
	return rows, sha256Rows(rows), next, size, nil
}

func sha256Rows(rows []kv.KeyValue) []byte {
	h := sha256.New()
	for _, row := range rows {
		h.Write(row.Key)
		h.Write([]byte{0})
		h.Write(row.Value)
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// successorKey returns the lexicographically smallest byte string strictly
// greater than key, used as the next range scan's inclusive begin so the
// last row already copied is never re-read.
func successorKey(key []byte) []byte {
	next := make([]byte, len(key)+1)
	copy(next, key)
	return next
}

// splitRange divides [begin, end) into n roughly equal byte-space
// partitions by zero-padding both bounds to a common length and linearly
// interpolating the cut points, the same coarse key-space bisection
// spec.md §5 assumes range-aware stores can do cheaply via
// GetEstimatedRangeSizeBytes; here it only needs to produce n disjoint,
// ordered sub-ranges for the worker pool to copy independently; any
// uneven actual byte distribution within a partition is smoothed out by
// readChunk's own incremental chunking.
func splitRange(begin, end []byte, n int) [][2][]byte {
	if n < 1 {
		n = 1
	}
	width := len(begin)
	if len(end) > width {
		width = len(end)
	}
	width++ // headroom so interpolated cuts stay strictly between begin and end

	b := padTo(begin, width)
	e := padTo(end, width)

	cuts := make([][]byte, n+1)
	cuts[0] = begin
	cuts[n] = end
	for i := 1; i < n; i++ {
		cuts[i] = interpolate(b, e, i, n)
	}

	parts := make([][2][]byte, 0, n)
	for i := 0; i < n; i++ {
		if bytes.Compare(cuts[i], cuts[i+1]) >= 0 {
			continue
		}
		parts = append(parts, [2][]byte{cuts[i], cuts[i+1]})
	}
	if len(parts) == 0 {
		parts = append(parts, [2][]byte{begin, end})
	}
	return parts
}

func padTo(b []byte, width int) []byte {
	out := make([]byte, width)
	copy(out, b)
	return out
}

// interpolate computes begin + (end-begin)*i/n treating both as big-endian
// unsigned integers of equal width.
func interpolate(begin, end []byte, i, n int) []byte {
	bi := new(big.Int).SetBytes(begin)
	ei := new(big.Int).SetBytes(end)
	diff := new(big.Int).Sub(ei, bi)
	diff.Mul(diff, big.NewInt(int64(i)))
	diff.Div(diff, big.NewInt(int64(n)))
	sum := new(big.Int).Add(bi, diff)

	out := make([]byte, len(begin))
	sum.FillBytes(out)
	return out
}
