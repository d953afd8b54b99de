package types

import (
	"context"

	"github.com/xhad/sitechat/internal/models"
)

// Core interfaces

type Fetcher interface {
	Probe(ctx context.Context, url string) error
	Fetch(ctx context.Context, url string) ([]models.Document, error)
}

type Chunker interface {
	Process(docs []models.Document) ([]models.Chunk, error)
}

// EmbeddingIndex stores chunk embeddings in isolated namespaces.
// Store replaces whatever the namespace held before.
type EmbeddingIndex interface {
	Store(ctx context.Context, namespace string, chunks []models.Chunk) error
	Query(ctx context.Context, namespace, query string, limit int) ([]models.Chunk, error)
	Delete(ctx context.Context, namespace string) error
	Close()
}

type Answerer interface {
	Condense(ctx context.Context, history []models.Turn, question string) (string, error)
	Complete(ctx context.Context, req models.CompletionRequest) (string, error)
}
