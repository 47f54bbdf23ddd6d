package mnemo

import (
	"errors"
	"fmt"

	"github.com/mnemo-dev/mnemo/ingest"
)

// Validation sentinels shared with the ingestion coordinator, re-exported so
// callers can test against the root package alone.
var (
	ErrInvalidArtifactType = ingest.ErrInvalidArtifactType
	ErrContentTooLarge     = ingest.ErrContentTooLarge
	ErrInvalidUTF8         = ingest.ErrInvalidUTF8
	ErrEmptyContent        = ingest.ErrEmptyContent
)

var (
	// ErrNotFound is returned when a direct-id lookup misses.
	ErrNotFound = errors.New("mnemo: not found")

	// ErrConfirmRequired is returned by forget when confirm is not true.
	ErrConfirmRequired = errors.New("mnemo: forget requires confirm=true")

	// ErrEventNotForgettable is returned when forget targets an evt_ id.
	// Events are derived state; callers must forget the source artifact.
	ErrEventNotForgettable = errors.New("mnemo: events are derived from artifacts; forget the source artifact instead")

	// ErrEmbeddingFailed is returned when embedding generation fails after retries.
	ErrEmbeddingFailed = errors.New("mnemo: embedding generation failed")

	// ErrMissingQuery is returned when recall has neither query nor id.
	ErrMissingQuery = errors.New("mnemo: recall requires a query, id, or conversation_id")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("mnemo: invalid configuration")

	// ErrClosed is returned when operating on a closed Memory.
	ErrClosed = errors.New("mnemo: memory is closed")
)

// Wire error codes for the RPC surface.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeMaxAttempts  = "MAX_ATTEMPTS_EXCEEDED"
	CodeTransient    = "TRANSIENT_FAILURE"
)

// Error is the typed error returned across the RPC surface.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a typed wire error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetail attaches a detail field and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// CodeOf maps an error to its wire code. Unrecognized errors map to
// TRANSIENT_FAILURE so callers know a retry is reasonable; validation
// sentinels and not-found map to their documented codes.
func CodeOf(err error) string {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidArtifactType),
		errors.Is(err, ErrContentTooLarge),
		errors.Is(err, ErrInvalidUTF8),
		errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrConfirmRequired),
		errors.Is(err, ErrEventNotForgettable),
		errors.Is(err, ErrMissingQuery):
		return CodeValidation
	default:
		return CodeTransient
	}
}
