package mongodriver

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// setupMongo spins up a disposable mongo:7 container the way
// registry/store/mongo/mongo_test.go's setupMongoDB does, skipping the test
// rather than failing it when Docker isn't available in the sandbox.
func setupMongo(t *testing.T) *mongo.Collection {
	t.Helper()
	ctx := context.Background()

	var (
		container testcontainers.Container
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("docker not available, skipping mongodriver integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)

	client, err := mongo.Connect(options.Client().ApplyURI(fmt.Sprintf("mongodb://%s:%s", host, port.Port())))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	coll := client.Database("orchestrator_test").Collection(t.Name())
	t.Cleanup(func() { _ = coll.Drop(ctx) })
	return coll
}

func TestChunkStore_WriteReadRoundTrip(t *testing.T) {
	coll := setupMongo(t)
	cs := NewChunkStore(coll)
	require.NoError(t, cs.EnsureIndexes(context.Background()))

	value := make([]byte, 10_000)
	for i := range value {
		value[i] = byte(i % 251)
	}

	require.NoError(t, cs.WriteChunked(context.Background(), "wf-1-output", value, 1024))

	got, err := cs.ReadChunked(context.Background(), "wf-1-output")
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestChunkStore_WriteOverwritesShorterDropsStaleTail(t *testing.T) {
	coll := setupMongo(t)
	cs := NewChunkStore(coll)
	require.NoError(t, cs.EnsureIndexes(context.Background()))

	require.NoError(t, cs.WriteChunked(context.Background(), "wf-2-output", make([]byte, 5000), 1024))
	require.NoError(t, cs.WriteChunked(context.Background(), "wf-2-output", []byte("short"), 1024))

	got, err := cs.ReadChunked(context.Background(), "wf-2-output")
	require.NoError(t, err)
	require.Equal(t, []byte("short"), got)
}

func TestChunkStore_DeleteRemovesAllChunks(t *testing.T) {
	coll := setupMongo(t)
	cs := NewChunkStore(coll)
	require.NoError(t, cs.EnsureIndexes(context.Background()))

	require.NoError(t, cs.WriteChunked(context.Background(), "wf-3-output", make([]byte, 3000), 1024))
	require.NoError(t, cs.Delete(context.Background(), "wf-3-output"))

	got, err := cs.ReadChunked(context.Background(), "wf-3-output")
	require.NoError(t, err)
	require.Empty(t, got)
}
