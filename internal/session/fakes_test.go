package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/xhad/sitechat/internal/models"
)

type fakeFetcher struct {
	mu       sync.Mutex
	probeErr error
	fetchErr error
	pages    map[string]string
	probes   []string
	fetches  []string
}

func (f *fakeFetcher) Probe(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, url)
	return f.probeErr
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, url)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	content, ok := f.pages[url]
	if !ok {
		content = "Gophers dig tunnels. They live underground."
	}
	return []models.Document{{ID: "doc", URL: url, Title: "Page", Content: content}}, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func (f *fakeFetcher) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.probes)
}

func (f *fakeFetcher) set(fn func(f *fakeFetcher)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeChunker turns every sentence into a chunk.
type fakeChunker struct {
	err error
}

func (c *fakeChunker) Process(docs []models.Document) ([]models.Chunk, error) {
	if c.err != nil {
		return nil, c.err
	}
	var chunks []models.Chunk
	for _, doc := range docs {
		for _, sentence := range strings.Split(doc.Content, ".") {
			if sentence = strings.TrimSpace(sentence); sentence != "" {
				chunks = append(chunks, models.Chunk{Index: len(chunks), URL: doc.URL, Title: doc.Title, Text: sentence + "."})
			}
		}
	}
	return chunks, nil
}

type fakeIndex struct {
	mu         sync.Mutex
	stored     map[string][]models.Chunk
	storeErr   error
	queryErr   error
	deleteErr  error
	deleteGate chan struct{}
	stores     []string
	queries    []string
	deletes    []string
	deleteCtx  []error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{stored: make(map[string][]models.Chunk)}
}

func (f *fakeIndex) Store(_ context.Context, namespace string, chunks []models.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores = append(f.stores, namespace)
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored[namespace] = chunks
	return nil
}

func (f *fakeIndex) Query(_ context.Context, namespace, query string, limit int) ([]models.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	chunks := f.stored[namespace]
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks, nil
}

func (f *fakeIndex) Delete(ctx context.Context, namespace string) error {
	f.mu.Lock()
	gate := f.deleteGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, namespace)
	f.deleteCtx = append(f.deleteCtx, ctx.Err())
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.stored, namespace)
	return nil
}

func (f *fakeIndex) Close() {}

func (f *fakeIndex) set(fn func(f *fakeIndex)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeIndex) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func (f *fakeIndex) has(namespace string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stored[namespace]
	return ok
}

func (f *fakeIndex) lastQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return ""
	}
	return f.queries[len(f.queries)-1]
}

type fakeAnswerer struct {
	mu          sync.Mutex
	answer      string
	err         error
	condensed   string
	condenses   int
	completions []models.CompletionRequest
}

func (a *fakeAnswerer) Condense(_ context.Context, _ []models.Turn, question string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.condenses++
	if a.condensed == "" {
		return question, nil
	}
	return a.condensed, nil
}

func (a *fakeAnswerer) Complete(_ context.Context, req models.CompletionRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completions = append(a.completions, req)
	if a.err != nil {
		return "", a.err
	}
	if req.Stream != nil {
		words := strings.SplitAfter(a.answer, " ")
		for _, word := range words {
			req.Stream(word)
		}
	}
	return a.answer, nil
}

func (a *fakeAnswerer) set(fn func(a *fakeAnswerer)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

var errBoom = errors.New("boom")
