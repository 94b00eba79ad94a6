package helper

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by all components. Callers classify failures with errors.Is.
var (
	// ErrTransient marks a network or timeout failure on an external call.
	ErrTransient = errors.New("transient io error")
	// ErrNotConfigured marks an integration that lacks credentials or an endpoint.
	ErrNotConfigured = errors.New("integration not configured")
	// ErrNotFound marks a requested document that is missing or out of scope.
	ErrNotFound = errors.New("not found")
	// ErrIndexUnavailable marks a vector store that is unreachable or empty.
	ErrIndexUnavailable = errors.New("index unavailable")
	// ErrEmptyIndex is returned when searching an index that holds no documents.
	ErrEmptyIndex = fmt.Errorf("%w: index is empty", ErrIndexUnavailable)
	// ErrLLM marks a failed or unusable LLM response.
	ErrLLM = errors.New("llm error")
)

// Error wraps an error with the operation that produced it.
type Error struct {
	Original error
	Trace    string
}

// NewError wraps err with a trace describing the failed operation.
// It returns nil if err is nil.
func NewError(trace string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Original: err,
		Trace:    trace,
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Trace, e.Original)
}

func (e *Error) Unwrap() error {
	return e.Original
}

// Classify wraps err with kind unless it already carries it.
func Classify(kind error, err error) error {
	if err == nil || errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
