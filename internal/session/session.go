package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xhad/sitechat/internal/models"
)

type State int

const (
	StateEmpty State = iota
	StateIndexing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateIndexing:
		return "indexing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// IndexResult describes a successful load.
type IndexResult struct {
	URL       string
	Namespace Namespace
	Documents int
	Chunks    int
	// Reused is set when the URL was already loaded and nothing was fetched.
	Reused    bool
	IndexedAt time.Time
}

// Session is one conversation about one URL. Operations on a session are
// expected to be issued by a single caller at a time; the Manager performs them.
type Session struct {
	ID string

	mu         sync.Mutex
	url        string
	namespace  Namespace
	transcript []models.Turn
	ready      bool
	indexing   bool
	last       IndexResult
	onWarning  func(error)
}

func NewSession() *Session {
	return &Session{ID: uuid.NewString()}
}

// OnWarning registers fn to receive non-fatal errors, such as a failed
// background cleanup of a replaced namespace.
func (s *Session) OnWarning(fn func(error)) {
	s.mu.Lock()
	s.onWarning = fn
	s.mu.Unlock()
}

func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Session) Namespace() Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespace
}

func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.indexing:
		return StateIndexing
	case s.ready:
		return StateReady
	default:
		return StateEmpty
	}
}

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Turn(nil), s.transcript...)
}

// LastResult returns the result of the load that produced the current namespace.
func (s *Session) LastResult() IndexResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Session) reusable(normalized string) (IndexResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || s.url != normalized {
		return IndexResult{}, false
	}
	result := s.last
	result.Reused = true
	return result, true
}

func (s *Session) beginIndexing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexing {
		return false
	}
	s.indexing = true
	return true
}

func (s *Session) endIndexing() {
	s.mu.Lock()
	s.indexing = false
	s.mu.Unlock()
}

// replace installs a freshly indexed URL and returns the namespace it displaced.
func (s *Session) replace(result IndexResult, greeting string) Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.namespace
	s.url = result.URL
	s.namespace = result.Namespace
	s.transcript = []models.Turn{models.AssistantTurn(greeting)}
	s.ready = true
	s.last = result
	return prev
}

// reset empties the session and returns the namespace it held.
func (s *Session) reset() Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.namespace
	s.url = ""
	s.namespace = ""
	s.transcript = nil
	s.ready = false
	s.last = IndexResult{}
	return prev
}

func (s *Session) snapshot() (ns Namespace, history []models.Turn, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespace, append([]models.Turn(nil), s.transcript...), s.ready
}

// appendExchange records a question and its answer, unless the session moved
// to another namespace while the answer was being generated.
func (s *Session) appendExchange(ns Namespace, question, answer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || s.namespace != ns {
		return false
	}
	s.transcript = append(s.transcript, models.HumanTurn(question), models.AssistantTurn(answer))
	return true
}

func (s *Session) warn(err error) {
	s.mu.Lock()
	fn := s.onWarning
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
