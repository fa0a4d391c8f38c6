// Package apperr defines the review engine's error taxonomy: simple
// sentinels for common cases, and a richer AppError for cross-cutting
// failures (external tools, the LLM provider) that need structured
// context.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple, unambiguous failure modes.
var (
	ErrNotFound = errors.New("not found")
	ErrAborted  = errors.New("aborted")
)

// Category classifies an AppError.
type Category string

const (
	CategoryInput        Category = "INPUT"
	CategoryNotFound     Category = "NOT_FOUND"
	CategoryExternalTool Category = "EXTERNAL_TOOL"
	CategoryProvider     Category = "PROVIDER"
	CategoryAborted      Category = "ABORTED"
)

// AppError is a categorized error with optional wrapped cause and context.
type AppError struct {
	Category Category
	Message  string
	Context  map[string]any
	Err      error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithContext returns a copy of e with an additional context key/value.
func (e *AppError) WithContext(key string, value any) *AppError {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	return &AppError{Category: e.Category, Message: e.Message, Context: ctx, Err: e.Err}
}

// NewInputError reports an ill-formed request: a bad line reference, a
// path that escapes the workspace, a missing tool argument, an unknown
// rule id.
func NewInputError(field, reason string) *AppError {
	return &AppError{
		Category: CategoryInput,
		Message:  fmt.Sprintf("invalid %s: %s", field, reason),
		Context:  map[string]any{"field": field},
	}
}

// NewNotFoundError reports a missing file or directory for a tool call.
func NewNotFoundError(path string) *AppError {
	return &AppError{
		Category: CategoryNotFound,
		Message:  fmt.Sprintf("not found: %s", path),
		Context:  map[string]any{"path": path},
		Err:      ErrNotFound,
	}
}

// NewExternalToolError wraps a failure from an external process (ripgrep).
func NewExternalToolError(tool string, err error) *AppError {
	return &AppError{
		Category: CategoryExternalTool,
		Message:  fmt.Sprintf("%s failed", tool),
		Context:  map[string]any{"tool": tool},
		Err:      err,
	}
}

// ProviderError reports a failure from the LLM endpoint, with whatever
// structured fields could be opportunistically extracted from the response
// body (see internal/llm for the parser).
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Type       string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider=%s status=%d code=%s type=%s: %v",
		e.Provider, e.StatusCode, e.Code, e.Type, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewAbortedError reports cancellation while a task was in flight.
func NewAbortedError() *AppError {
	return &AppError{Category: CategoryAborted, Message: "task aborted", Err: ErrAborted}
}

// IsAborted reports whether err is (or wraps) the aborted sentinel.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

// IsNotFound reports whether err is (or wraps) the not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
