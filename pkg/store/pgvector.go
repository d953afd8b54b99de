package store

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/xhad/sitechat/internal/models"
)

type VectorStoreConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
	BatchSize  int
}

// VectorStore keeps every namespace's chunks in one pgvector table.
type VectorStore struct {
	config   VectorStoreConfig
	table    string
	pool     *pgxpool.Pool
	embedder embeddings.Embedder
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig, embedder embeddings.Embedder) (*VectorStore, error) {
	if config.TableName == "" {
		config.TableName = "documents"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768 // nomic-embed-text
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &VectorStore{
		config:   config,
		table:    pgx.Identifier{config.TableName}.Sanitize(),
		pool:     pool,
		embedder: embedder,
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) initialize(ctx context.Context) error {
	// Enable pgvector extension
	_, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT,
			content TEXT,
			chunk_index INTEGER,
			embedding vector(%d)
		)`, vs.table, vs.config.VectorDim)

	_, err = vs.pool.Exec(ctx, createTable)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createNamespaceIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s ON %s (namespace)`,
		pgx.Identifier{vs.config.TableName + "_namespace_idx"}.Sanitize(), vs.table)

	_, err = vs.pool.Exec(ctx, createNamespaceIndex)
	if err != nil {
		return fmt.Errorf("failed to create namespace index: %w", err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s
		ON %s
		USING hnsw (embedding vector_cosine_ops)`,
		pgx.Identifier{vs.config.TableName + "_embedding_idx"}.Sanitize(), vs.table)

	_, err = vs.pool.Exec(ctx, createIndex)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// Store replaces the namespace's rows with chunks in a single transaction.
// Embeddings are computed before the transaction starts, so a failed
// embedding call leaves the table untouched.
func (vs *VectorStore) Store(ctx context.Context, namespace string, chunks []models.Chunk) error {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = sanitizeUTF8(chunk.Text)
	}

	vectors, err := embedBatches(ctx, vs.embedder, texts, vs.config.BatchSize)
	if err != nil {
		return err
	}
	for i, vector := range vectors {
		if len(vector) != vs.config.VectorDim {
			return fmt.Errorf("embedding %d has dimension %d, want %d", i, len(vector), vs.config.VectorDim)
		}
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE namespace = $1", vs.table), namespace); err != nil {
		return fmt.Errorf("failed to clear namespace: %w", err)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, namespace, url, title, content, chunk_index, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		vs.table)

	batch := &pgx.Batch{}
	for i, chunk := range chunks {
		batch.Queue(stmt,
			fmt.Sprintf("%s_%d", namespace, chunk.Index),
			namespace,
			chunk.URL,
			sanitizeUTF8(chunk.Title),
			texts[i],
			chunk.Index,
			pgvector.NewVector(vectors[i]),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (vs *VectorStore) Query(ctx context.Context, namespace, query string, limit int) ([]models.Chunk, error) {
	if limit <= 0 {
		limit = 4
	}

	queryEmbedding, err := vs.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	stmt := fmt.Sprintf(`
		SELECT url, title, content, chunk_index, 1 - (embedding <=> $2) AS score
		FROM %s
		WHERE namespace = $1
		ORDER BY embedding <=> $2
		LIMIT $3`,
		vs.table)

	rows, err := vs.pool.Query(ctx, stmt, namespace, pgvector.NewVector(queryEmbedding), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var (
			chunk models.Chunk
			title *string
			score float64
		)
		if err := rows.Scan(&chunk.URL, &title, &chunk.Text, &chunk.Index, &score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if title != nil {
			chunk.Title = *title
		}
		chunk.Score = float32(score)
		chunks = append(chunks, chunk)
	}

	return chunks, rows.Err()
}

func (vs *VectorStore) Delete(ctx context.Context, namespace string) error {
	_, err := vs.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE namespace = $1", vs.table), namespace)
	if err != nil {
		return fmt.Errorf("failed to delete namespace %s: %w", namespace, err)
	}
	return nil
}

// Count returns the number of rows stored under namespace.
func (vs *VectorStore) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	err := vs.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s WHERE namespace = $1", vs.table), namespace).Scan(&n)
	return n, err
}

func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
