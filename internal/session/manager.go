// Package session drives URL ingestion and question answering for chat sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xhad/sitechat/internal/models"
	"github.com/xhad/sitechat/internal/types"
	"github.com/xhad/sitechat/pkg/metrics"
)

const (
	DefaultGreeting       = "Hello! How can I help you?"
	DefaultTopK           = 4
	DefaultCleanupTimeout = 30 * time.Second
)

var (
	errNoContent      = errors.New("page produced no text chunks")
	errEmptyQuestion  = errors.New("question is empty")
	errEmptyAnswer    = errors.New("answerer returned an empty answer")
	errLoadInProgress = errors.New("another load is in progress for this session")
	errSessionChanged = errors.New("session was reset while answering")
)

type Config struct {
	Greeting string
	// TopK is the number of chunks retrieved per question.
	TopK int
	// CondenseQuestion rewrites follow-up questions into standalone search
	// queries before retrieval.
	CondenseQuestion bool
	CleanupTimeout   time.Duration
	Logger           *zerolog.Logger
	Metrics          *metrics.Metrics
}

type Dependencies struct {
	Fetcher  types.Fetcher
	Chunker  types.Chunker
	Index    types.EmbeddingIndex
	Answerer types.Answerer
}

// Manager performs operations on sessions. It is safe for concurrent use by
// many sessions; namespaces shared between sessions are reference counted so
// that one session's cleanup never removes vectors another still uses.
type Manager struct {
	deps    Dependencies
	config  Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	leases   map[Namespace]int
	deleting map[Namespace]chan struct{}

	wg sync.WaitGroup
}

func NewManager(deps Dependencies, config Config) (*Manager, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("session manager requires a fetcher")
	case deps.Chunker == nil:
		return nil, errors.New("session manager requires a chunker")
	case deps.Index == nil:
		return nil, errors.New("session manager requires an embedding index")
	case deps.Answerer == nil:
		return nil, errors.New("session manager requires an answerer")
	}

	if config.Greeting == "" {
		config.Greeting = DefaultGreeting
	}
	if config.TopK <= 0 {
		config.TopK = DefaultTopK
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = DefaultCleanupTimeout
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Manager{
		deps:     deps,
		config:   config,
		logger:   logger.With().Str("component", "session").Logger(),
		metrics:  config.Metrics,
		leases:   make(map[Namespace]int),
		deleting: make(map[Namespace]chan struct{}),
	}, nil
}

// LoadURL makes rawURL the subject of the session. Loading the URL the session
// already holds is a no-op unless force is set. On failure the session is left
// exactly as it was.
func (m *Manager) LoadURL(ctx context.Context, s *Session, rawURL string, force bool) (IndexResult, error) {
	const op = "load"

	normalized, err := normalizeURL(rawURL)
	if err != nil {
		return IndexResult{}, m.loadFailed(&Error{Kind: KindInvalidURL, Op: op, URL: rawURL, Err: err})
	}
	log := m.logger.With().Str("session", s.ID).Str("url", normalized).Logger()

	if !force {
		if result, ok := s.reusable(normalized); ok {
			log.Debug().Msg("url already loaded")
			m.metrics.Load(metrics.ResultReused)
			return result, nil
		}
	}

	if !s.beginIndexing() {
		return IndexResult{}, m.loadFailed(&Error{Kind: KindIndexingFailed, Op: op, URL: normalized, Err: errLoadInProgress})
	}
	defer s.endIndexing()

	if err := m.deps.Fetcher.Probe(ctx, normalized); err != nil {
		return IndexResult{}, m.loadFailed(&Error{Kind: KindUnreachable, Op: op, URL: normalized, Err: err})
	}

	docs, chunks, err := m.prepare(ctx, normalized)
	if err != nil {
		return IndexResult{}, m.loadFailed(&Error{Kind: KindIndexingFailed, Op: op, URL: normalized, Err: err})
	}

	ns := namespaceOf(normalized)
	// The lease is taken before storing so a pending deletion of the same
	// namespace cannot remove the vectors written below.
	if err := m.acquire(ctx, ns); err != nil {
		return IndexResult{}, m.loadFailed(&Error{Kind: KindIndexingFailed, Op: op, URL: normalized, Err: err})
	}
	if err := m.deps.Index.Store(ctx, string(ns), chunks); err != nil {
		// Drop whatever was partially written unless another session holds ns.
		if m.release(ns) {
			m.cleanupAsync(ctx, nil, ns)
		}
		return IndexResult{}, m.loadFailed(&Error{Kind: KindIndexingFailed, Op: op, URL: normalized, Err: fmt.Errorf("store: %w", err)})
	}

	result := IndexResult{
		URL:       normalized,
		Namespace: ns,
		Documents: len(docs),
		Chunks:    len(chunks),
		IndexedAt: time.Now(),
	}

	prev := s.replace(result, m.config.Greeting)
	if prev != "" {
		if m.release(prev) {
			m.cleanupAsync(ctx, s, prev)
		}
	}

	log.Info().
		Str("namespace", string(ns)).
		Int("documents", result.Documents).
		Int("chunks", result.Chunks).
		Msg("url indexed")
	m.metrics.Load(metrics.ResultOK)
	m.metrics.ObserveChunks(result.Chunks)
	return result, nil
}

func (m *Manager) prepare(ctx context.Context, url string) ([]models.Document, []models.Chunk, error) {
	docs, err := m.deps.Fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch: %w", err)
	}

	chunks, err := m.deps.Chunker.Process(docs)
	if err != nil {
		return nil, nil, fmt.Errorf("chunk: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil, errNoContent
	}
	return docs, chunks, nil
}

func (m *Manager) loadFailed(err *Error) error {
	m.logger.Warn().Err(err).Str("kind", err.Kind.String()).Msg("load failed")
	m.metrics.Load(err.Kind.String())
	return err
}

// Ask answers question from the session's indexed content and records the
// exchange in the transcript.
func (m *Manager) Ask(ctx context.Context, s *Session, question string) (string, error) {
	return m.ask(ctx, s, question, nil)
}

// AskStream is Ask with answer tokens delivered to onChunk as they arrive.
// The returned answer is the complete text. Tokens are delivered before the
// answer is accepted: when AskStream returns an error, anything already passed
// to onChunk is not part of the transcript and should be discarded.
func (m *Manager) AskStream(ctx context.Context, s *Session, question string, onChunk func(string)) (string, error) {
	return m.ask(ctx, s, question, onChunk)
}

func (m *Manager) ask(ctx context.Context, s *Session, question string, onChunk func(string)) (string, error) {
	const op = "ask"

	ns, history, ready := s.snapshot()
	if !ready {
		return "", m.askFailed(&Error{Kind: KindNotReady, Op: op})
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return "", m.askFailed(&Error{Kind: KindAnswerFailed, Op: op, Err: errEmptyQuestion})
	}

	query := question
	if m.config.CondenseQuestion && hasHumanTurn(history) {
		condensed, err := m.deps.Answerer.Condense(ctx, history, question)
		if err != nil {
			return "", m.askFailed(&Error{Kind: KindAnswerFailed, Op: op, Err: err})
		}
		if condensed = strings.TrimSpace(condensed); condensed != "" {
			query = condensed
		}
	}

	passages, err := m.deps.Index.Query(ctx, string(ns), query, m.config.TopK)
	if err != nil {
		return "", m.askFailed(&Error{Kind: KindAnswerFailed, Op: op, Err: fmt.Errorf("retrieve: %w", err)})
	}

	start := time.Now()
	answer, err := m.deps.Answerer.Complete(ctx, models.CompletionRequest{
		History:  history,
		Question: question,
		Context:  passages,
		Stream:   onChunk,
	})
	m.metrics.ObserveAnswer(time.Since(start))
	if err != nil {
		return "", m.askFailed(&Error{Kind: KindAnswerFailed, Op: op, Err: err})
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", m.askFailed(&Error{Kind: KindAnswerFailed, Op: op, Err: errEmptyAnswer})
	}

	if !s.appendExchange(ns, question, answer) {
		return "", m.askFailed(&Error{Kind: KindAnswerFailed, Op: op, Err: errSessionChanged})
	}

	m.metrics.Ask(metrics.ResultOK)
	return answer, nil
}

func (m *Manager) askFailed(err *Error) error {
	m.logger.Debug().Err(err).Str("kind", err.Kind.String()).Msg("ask failed")
	m.metrics.Ask(err.Kind.String())
	return err
}

// ClearHistory returns the session to its empty state and deletes its
// namespace when no other session holds it. A deletion failure is reported
// as a KindCleanupFailed error; the session is reset regardless.
func (m *Manager) ClearHistory(ctx context.Context, s *Session) error {
	ns := s.reset()
	if ns == "" || !m.release(ns) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.CleanupTimeout)
	defer cancel()
	if err := m.cleanup(ctx, ns); err != nil {
		return &Error{Kind: KindCleanupFailed, Op: "clear", Err: err}
	}
	return nil
}

// Wait blocks until background namespace cleanups have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// acquire takes a lease on ns, waiting for an in-flight deletion of it first.
func (m *Manager) acquire(ctx context.Context, ns Namespace) error {
	m.mu.Lock()
	m.leases[ns]++
	pending := m.deleting[ns]
	m.mu.Unlock()

	if pending == nil {
		return nil
	}
	select {
	case <-pending:
		return nil
	case <-ctx.Done():
		if m.release(ns) {
			m.cleanupAsync(ctx, nil, ns)
		}
		return ctx.Err()
	}
}

// release drops a lease on ns. It reports true when that was the last lease
// and no deletion is already pending; ns is then marked as being deleted and
// the caller must call cleanup.
func (m *Manager) release(ns Namespace) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leases[ns]--
	if m.leases[ns] > 0 {
		return false
	}
	delete(m.leases, ns)
	if _, ok := m.deleting[ns]; ok {
		return false
	}
	m.deleting[ns] = make(chan struct{})
	return true
}

func (m *Manager) cleanup(ctx context.Context, ns Namespace) error {
	err := m.deps.Index.Delete(ctx, string(ns))

	m.mu.Lock()
	if done, ok := m.deleting[ns]; ok {
		close(done)
		delete(m.deleting, ns)
	}
	m.mu.Unlock()

	log := m.logger.With().Str("namespace", string(ns)).Logger()
	if err != nil {
		log.Warn().Err(err).Msg("namespace cleanup failed")
		m.metrics.Cleanup(metrics.ResultError)
		return err
	}
	log.Debug().Msg("namespace deleted")
	m.metrics.Cleanup(metrics.ResultOK)
	return nil
}

// cleanupAsync deletes ns in the background, detached from the caller's
// cancellation. Failures are reported to s when it is not nil.
func (m *Manager) cleanupAsync(ctx context.Context, s *Session, ns Namespace) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, m.config.CleanupTimeout)
		defer cancel()
		if err := m.cleanup(ctx, ns); err != nil && s != nil {
			s.warn(&Error{Kind: KindCleanupFailed, Op: "load", Err: err})
		}
	}()
}

func hasHumanTurn(history []models.Turn) bool {
	for _, turn := range history {
		if turn.Role == models.RoleHuman {
			return true
		}
	}
	return false
}
