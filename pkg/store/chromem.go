package store

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/xhad/sitechat/internal/models"
)

type ChromemConfig struct {
	// Path persists collections to disk; empty keeps everything in memory.
	Path      string
	Compress  bool
	BatchSize int
}

const generationKey = "generation"

// ChromemStore maps each namespace to its own chromem-go collection. Every
// Store writes a new generation of documents; queries only see the active one.
type ChromemStore struct {
	config   ChromemConfig
	db       *chromem.DB
	embedder embeddings.Embedder

	mu sync.Mutex
	// active generation per namespace written by this process
	generations map[string]string
}

func NewChromem(config ChromemConfig, embedder embeddings.Embedder) (*ChromemStore, error) {
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	return &ChromemStore{
		config:      config,
		db:          db,
		embedder:    embedder,
		generations: make(map[string]string),
	}, nil
}

func (cs *ChromemStore) embedFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return cs.embedder.EmbedQuery(ctx, text)
	}
}

// Store replaces the namespace's documents. The new generation is added next
// to the active one and only becomes visible once every document is in, so a
// failure leaves the previous contents queryable.
func (cs *ChromemStore) Store(ctx context.Context, namespace string, chunks []models.Chunk) error {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vectors, err := embedBatches(ctx, cs.embedder, texts, cs.config.BatchSize)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	prev, known := cs.generations[namespace]
	if !known {
		// Leftovers from an earlier process are not referenced by anyone.
		if err := cs.db.DeleteCollection(namespace); err != nil {
			return fmt.Errorf("failed to drop collection: %w", err)
		}
	}
	collection, err := cs.db.GetOrCreateCollection(namespace, map[string]string{"namespace": namespace}, cs.embedFunc())
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	gen := uuid.NewString()
	docs := make([]chromem.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = chromem.Document{
			ID:      gen + "-" + strconv.Itoa(chunk.Index),
			Content: chunk.Text,
			Metadata: map[string]string{
				"url":         chunk.URL,
				"title":       chunk.Title,
				"index":       strconv.Itoa(chunk.Index),
				generationKey: gen,
			},
			Embedding: vectors[i],
		}
	}

	if err := collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		if derr := collection.Delete(ctx, map[string]string{generationKey: gen}, nil); derr != nil {
			return fmt.Errorf("failed to add documents: %w (rollback: %v)", err, derr)
		}
		if !known {
			_ = cs.db.DeleteCollection(namespace)
		}
		return fmt.Errorf("failed to add documents: %w", err)
	}

	cs.generations[namespace] = gen
	if known {
		// Stale documents stay hidden behind the generation filter.
		_ = collection.Delete(ctx, map[string]string{generationKey: prev}, nil)
	}
	return nil
}

func (cs *ChromemStore) Query(ctx context.Context, namespace, query string, limit int) ([]models.Chunk, error) {
	if limit <= 0 {
		limit = 4
	}

	collection := cs.db.GetCollection(namespace, cs.embedFunc())
	if collection == nil {
		return nil, fmt.Errorf("namespace %s is not indexed", namespace)
	}
	if n := collection.Count(); n < limit {
		limit = n
	}
	if limit == 0 {
		return nil, nil
	}

	var where map[string]string
	cs.mu.Lock()
	if gen, ok := cs.generations[namespace]; ok {
		where = map[string]string{generationKey: gen}
	}
	cs.mu.Unlock()

	results, err := collection.Query(ctx, query, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	chunks := make([]models.Chunk, 0, len(results))
	for _, r := range results {
		index, _ := strconv.Atoi(r.Metadata["index"])
		chunks = append(chunks, models.Chunk{
			Index: index,
			URL:   r.Metadata["url"],
			Title: r.Metadata["title"],
			Text:  r.Content,
			Score: r.Similarity,
		})
	}
	return chunks, nil
}

func (cs *ChromemStore) Delete(ctx context.Context, namespace string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	delete(cs.generations, namespace)
	if err := cs.db.DeleteCollection(namespace); err != nil {
		return fmt.Errorf("failed to delete namespace %s: %w", namespace, err)
	}
	return nil
}

// Namespaces lists the collections currently held.
func (cs *ChromemStore) Namespaces() []string {
	collections := cs.db.ListCollections()
	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	return names
}

func (cs *ChromemStore) Close() {}
