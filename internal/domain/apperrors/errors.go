// Package apperrors defines the structured errors returned by the domain layer.
// Every error carries a kind (what the caller can do about it), a stable code,
// and for pipeline failures the ingestion stage that failed.
package apperrors

import (
	"errors"
	"fmt"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

// Kind is the category of an error.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindPipeline       Kind = "pipeline"
	KindGeneration     Kind = "generation"
	KindInfrastructure Kind = "infrastructure"
)

// Error is a domain error. Two errors match under errors.Is when their codes match.
type Error struct {
	Kind    Kind
	Code    string
	Stage   entities.IngestionStage
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Stage != "" {
		msg = fmt.Sprintf("%s (stage %s)", msg, e.Stage)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so wrapped copies of a sentinel compare equal to it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Code == "" {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of e carrying message and cause.
func (e *Error) Wrap(cause error, message string) *Error {
	cp := *e
	cp.Err = cause
	if message != "" {
		cp.Message = message
	}
	return &cp
}

// Wrapf is Wrap with a formatted message.
func (e *Error) Wrapf(cause error, format string, args ...any) *Error {
	return e.Wrap(cause, fmt.Sprintf(format, args...))
}

// New creates a sentinel.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidArgument       = New(KindValidation, "invalid_argument", "invalid argument")
	ErrEmptyQuery            = New(KindValidation, "empty_query", "query is empty after cleaning")
	ErrPendingExchangeExists = New(KindConflict, "pending_exchange_exists", "last exchange is still pending")
	ErrNoPendingExchange     = New(KindConflict, "no_pending_exchange", "no pending exchange to complete")
	ErrConversationNotFound  = New(KindNotFound, "conversation_not_found", "conversation not found")
	ErrDocumentNotFound      = New(KindNotFound, "document_not_found", "document not found")
	ErrUnsupportedMediaType  = New(KindPipeline, "unsupported_media_type", "unsupported media type")
	ErrExtractionFailed      = New(KindPipeline, "extraction_failed", "text extraction failed")
	ErrEmbeddingFailed       = New(KindPipeline, "embedding_failed", "embedding failed")
	ErrIngestionFailed       = New(KindPipeline, "ingestion_failed", "ingestion failed")
	ErrGenerationFailed      = New(KindGeneration, "generation_failed", "answer generation failed")
	ErrUnavailable           = New(KindInfrastructure, "unavailable", "dependency unavailable")
	ErrTimeout               = New(KindInfrastructure, "timeout", "operation timed out")
)

// Validation builds a validation error with a specific message.
func Validation(format string, args ...any) *Error {
	return ErrInvalidArgument.Wrap(nil, fmt.Sprintf(format, args...))
}

// Ingestion reports a failed ingestion stage. The cause keeps its own code,
// so errors.Is(err, ErrExtractionFailed) still matches.
func Ingestion(stage entities.IngestionStage, cause error) *Error {
	e := ErrIngestionFailed.Wrap(cause, "")
	e.Stage = stage
	return e
}

// Unavailable wraps an infrastructure failure unless cause already carries a kind.
func Unavailable(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var ae *Error
	if errors.As(cause, &ae) {
		return cause
	}
	return ErrUnavailable.Wrapf(cause, "%s failed", op)
}

// KindOf returns the kind of the outermost domain error in err's chain.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// StageOf returns the ingestion stage carried by err, if any.
func StageOf(err error) entities.IngestionStage {
	for err != nil {
		var ae *Error
		if !errors.As(err, &ae) {
			return ""
		}
		if ae.Stage != "" {
			return ae.Stage
		}
		err = ae.Err
	}
	return ""
}

// CodeOf returns the code of the outermost domain error in err's chain.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
