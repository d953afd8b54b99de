package session

import (
	"errors"
	"fmt"
)

// Kind classifies session failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidURL
	KindUnreachable
	KindIndexingFailed
	KindNotReady
	KindAnswerFailed
	KindCleanupFailed
)

var (
	ErrInvalidURL     = errors.New("invalid url")
	ErrUnreachable    = errors.New("url unreachable")
	ErrIndexingFailed = errors.New("indexing failed")
	ErrNotReady       = errors.New("no url loaded")
	ErrAnswerFailed   = errors.New("answer failed")
	ErrCleanupFailed  = errors.New("cleanup failed")
)

var kinds = []struct {
	kind     Kind
	name     string
	sentinel error
}{
	{KindInvalidURL, "invalid_url", ErrInvalidURL},
	{KindUnreachable, "unreachable", ErrUnreachable},
	{KindIndexingFailed, "indexing_failed", ErrIndexingFailed},
	{KindNotReady, "not_ready", ErrNotReady},
	{KindAnswerFailed, "answer_failed", ErrAnswerFailed},
	{KindCleanupFailed, "cleanup_failed", ErrCleanupFailed},
}

func (k Kind) String() string {
	for _, entry := range kinds {
		if entry.kind == k {
			return entry.name
		}
	}
	return "unknown"
}

func (k Kind) sentinel() error {
	for _, entry := range kinds {
		if entry.kind == k {
			return entry.sentinel
		}
	}
	return nil
}

// Error is returned by every Manager operation that fails.
// It matches both its Kind's sentinel and the underlying cause with errors.Is.
type Error struct {
	Kind Kind
	Op   string
	URL  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if sentinel := e.Kind.sentinel(); sentinel != nil {
		msg = sentinel.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.URL != "" {
		msg += fmt.Sprintf(" %q", e.URL)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if sentinel := e.Kind.sentinel(); sentinel != nil {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf reports the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	for _, entry := range kinds {
		if errors.Is(err, entry.sentinel) {
			return entry.kind
		}
	}
	return KindUnknown
}
