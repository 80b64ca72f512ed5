// Package mongodriver implements a secondary backend for the chunked
// large-value scheme described in spec.md §4.A: workflow input/output blobs
// split into (parent_key, chunk_idx) rows. A document store is a natural fit
// for this sub-problem (each chunk is a small document keyed by a compound
// index) whichever driver backs the primary transactional KV store, so
// ChunkStore stands apart from kv.Store rather than implementing it.
// cmd/orchestrator does not construct a ChunkStore.
//
// Grounded on the teacher's Mongo client conventions in
// features/run/mongo/clients/mongo/client.go and
// features/runlog/mongo/clients/mongo/client.go.
package mongodriver

import (
	"context"
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// chunkDoc is the on-disk shape of one chunk row.
type chunkDoc struct {
	ParentKey string `bson:"parent_key"`
	ChunkIdx  uint64 `bson:"chunk_idx"`
	Data      []byte `bson:"data"`
}

// ChunkStore persists large chunked values in a Mongo collection, used as
// an alternative to kv.WriteChunked/kv.ReadChunked when the deployment
// configures Mongo as the chunk backend (internal/config).
type ChunkStore struct {
	coll *mongo.Collection
}

// NewChunkStore constructs a ChunkStore backed by the given collection. The
// caller is expected to have created a compound index on
// (parent_key, chunk_idx) for ordered scans.
func NewChunkStore(coll *mongo.Collection) *ChunkStore {
	return &ChunkStore{coll: coll}
}

// EnsureIndexes creates the compound index ChunkStore relies on for ordered
// reads. Call once at startup.
func (c *ChunkStore) EnsureIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "parent_key", Value: 1}, {Key: "chunk_idx", Value: 1}},
	})
	return err
}

// WriteChunked splits value into kv.ChunkSize chunks and upserts them under
// parentKey, first deleting any existing chunks for parentKey so a shorter
// overwrite doesn't leave stale tail chunks.
func (c *ChunkStore) WriteChunked(ctx context.Context, parentKey string, value []byte, chunkSize int) error {
	if _, err := c.coll.DeleteMany(ctx, bson.M{"parent_key": parentKey}); err != nil {
		return err
	}
	if len(value) == 0 {
		return nil
	}
	var docs []any
	for idx := 0; idx*chunkSize < len(value); idx++ {
		start := idx * chunkSize
		stop := start + chunkSize
		if stop > len(value) {
			stop = len(value)
		}
		docs = append(docs, chunkDoc{ParentKey: parentKey, ChunkIdx: uint64(idx), Data: value[start:stop]})
	}
	_, err := c.coll.InsertMany(ctx, docs)
	return err
}

// ReadChunked concatenates all chunks for parentKey in index order.
func (c *ChunkStore) ReadChunked(ctx context.Context, parentKey string) ([]byte, error) {
	cur, err := c.coll.Find(ctx, bson.M{"parent_key": parentKey}, options.Find().SetSort(bson.D{{Key: "chunk_idx", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []chunkDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ChunkIdx < docs[j].ChunkIdx })
	var out []byte
	for _, d := range docs {
		out = append(out, d.Data...)
	}
	return out, nil
}

// Delete removes all chunks for parentKey, used when a workflow's input or
// output is cleared (e.g. GC of a Dead workflow's large payloads).
func (c *ChunkStore) Delete(ctx context.Context, parentKey string) error {
	_, err := c.coll.DeleteMany(ctx, bson.M{"parent_key": parentKey})
	return err
}
