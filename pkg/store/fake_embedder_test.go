package store_test

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var vocabulary = []string{"gopher", "tunnel", "carrot", "orange", "garden", "rabbit"}

// keywordEmbedder maps text to keyword counts plus a constant bias so that
// similarity is deterministic and never zero-length.
type keywordEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  bool
	// texts containing refuse get no document vector and cannot be embedded
	// on demand
	refuse string
}

func (e *keywordEmbedder) vector(text string) []float32 {
	text = strings.ToLower(text)
	v := make([]float32, len(vocabulary)+1)
	for i, word := range vocabulary {
		v[i] = float32(strings.Count(text, word))
	}
	v[len(vocabulary)] = 0.1
	return v
}

func (e *keywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	fail := e.fail
	e.mu.Unlock()
	if fail {
		return nil, errors.New("embedding service unavailable")
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if e.refuse != "" && strings.Contains(text, e.refuse) {
			continue
		}
		vectors[i] = e.vector(text)
	}
	return vectors, nil
}

func (e *keywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.refuse != "" && strings.Contains(text, e.refuse) {
		return nil, errors.New("text cannot be embedded")
	}
	return e.vector(text), nil
}

func (e *keywordEmbedder) setFail(fail bool) {
	e.mu.Lock()
	e.fail = fail
	e.mu.Unlock()
}

func (e *keywordEmbedder) batches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
