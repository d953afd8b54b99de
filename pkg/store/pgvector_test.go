package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/xhad/sitechat/pkg/store"
)

func setupVectorStore(t *testing.T, embedder *keywordEmbedder) *store.VectorStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping pgvector integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("pgvector/pgvector:pg16"),
		postgres.WithDatabase("sitechat"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := store.NewWithConfig(ctx, store.VectorStoreConfig{
		ConnString: connString,
		TableName:  "test_chunks",
		VectorDim:  len(vocabulary) + 1,
		BatchSize:  2,
	}, embedder)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestVectorStore(t *testing.T) {
	embedder := &keywordEmbedder{}
	s := setupVectorStore(t, embedder)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "ns-a", testChunks("https://a.example",
		"The gopher digs a tunnel under the garden.",
		"An orange carrot grows next to the rabbit.",
		"Rabbits and gophers share the garden.",
	)))
	require.NoError(t, s.Store(ctx, "ns-b", testChunks("https://b.example", "carrot")))

	n, err := s.Count(ctx, "ns-a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := s.Query(ctx, "ns-a", "gopher tunnel", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "The gopher digs a tunnel under the garden.", results[0].Text)
	assert.Equal(t, "https://a.example", results[0].URL)
	assert.Equal(t, "Test Page", results[0].Title)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)

	t.Run("replace", func(t *testing.T) {
		require.NoError(t, s.Store(ctx, "ns-a", testChunks("https://a.example", "orange garden")))
		n, err := s.Count(ctx, "ns-a")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("failed store keeps rows", func(t *testing.T) {
		embedder.setFail(true)
		defer embedder.setFail(false)

		require.Error(t, s.Store(ctx, "ns-a", testChunks("https://a.example", "gopher")))
		n, err := s.Count(ctx, "ns-a")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "ns-a"))
		n, err := s.Count(ctx, "ns-a")
		require.NoError(t, err)
		assert.Zero(t, n)

		results, err := s.Query(ctx, "ns-a", "gopher", 4)
		require.NoError(t, err)
		assert.Empty(t, results)

		n, err = s.Count(ctx, "ns-b")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}
