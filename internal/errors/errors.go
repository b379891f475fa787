// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Wire protocol error codes
// - Sentinel errors for all error conditions
// - Error category checking functions
// - ErrorToCode and CodeToError mapping
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Wire protocol error codes - used in ack/error frames
// ============================================================================

const (
	CodeUnknown          int32 = 1
	CodeAuthFailed       int32 = 2
	CodeNotAuthenticated int32 = 3
	CodeInvalidRequest   int32 = 4
	CodeNotFound         int32 = 5
	CodeMalformed        int32 = 6
	CodeChecksumMismatch int32 = 7
	CodeOutOfOrder       int32 = 8
	CodeBackpressure     int32 = 9
	CodeUnavailable      int32 = 10
	CodeTooLarge         int32 = 11
	CodeStreamClosed     int32 = 12
	CodeInternal         int32 = 13
	CodeTimeout          int32 = 14
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeAuthFailed:
		return "AuthFailed"
	case CodeNotAuthenticated:
		return "NotAuthenticated"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeMalformed:
		return "Malformed"
	case CodeChecksumMismatch:
		return "ChecksumMismatch"
	case CodeOutOfOrder:
		return "OutOfOrder"
	case CodeBackpressure:
		return "Backpressure"
	case CodeUnavailable:
		return "Unavailable"
	case CodeTooLarge:
		return "TooLarge"
	case CodeStreamClosed:
		return "StreamClosed"
	case CodeInternal:
		return "Internal"
	case CodeTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Decode errors - reject the single envelope, never the stream
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrEnvelopeTooLarge  = errors.New("envelope exceeds size limit")

	// Ordering errors - duplicate or regression, dropped with a warning
	ErrOutOfOrder = errors.New("sequence number out of order")

	// Flow control
	ErrBackpressure = errors.New("pipeline throttled, slow down")

	// Routing errors
	ErrUnavailable = errors.New("storage backend unavailable")

	// Read errors
	ErrNotFound = errors.New("not found")
	ErrTimeout  = errors.New("timeout")

	// Stream lifecycle
	ErrStreamClosed   = errors.New("stream is closed")
	ErrSessionClosed  = errors.New("session is closed")
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")

	// Auth errors
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidToken     = errors.New("invalid token")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidKey    = errors.New("invalid key")
	ErrUnknownType   = errors.New("unknown data type")
	ErrUnknownTier   = errors.New("unknown tier")

	// Transport errors
	ErrConnectionFailed = errors.New("connection failed")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsDecodeError returns true if err rejects a single envelope.
// Decode errors never fail the stream.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformedEnvelope) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrEnvelopeTooLarge)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrUnknownTier)
}

// IsAuthError returns true if err is an authentication error.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrInvalidToken)
}

// IsRetriable returns true if the error is potentially retriable.
// NotFound and decode errors are terminal; transient backend and
// transport failures are not.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrDatabase)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its wire protocol code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	// Auth errors
	case Is(err, ErrInvalidToken):
		return CodeAuthFailed
	case Is(err, ErrNotAuthenticated):
		return CodeNotAuthenticated

	// Decode errors
	case Is(err, ErrChecksumMismatch):
		return CodeChecksumMismatch
	case Is(err, ErrEnvelopeTooLarge):
		return CodeTooLarge
	case Is(err, ErrMalformedEnvelope):
		return CodeMalformed

	// Ordering
	case Is(err, ErrOutOfOrder):
		return CodeOutOfOrder

	// Flow control
	case Is(err, ErrBackpressure):
		return CodeBackpressure

	// Routing
	case Is(err, ErrUnavailable):
		return CodeUnavailable

	// Reads
	case IsNotFound(err):
		return CodeNotFound
	case Is(err, ErrTimeout):
		return CodeTimeout

	// Lifecycle
	case Is(err, ErrStreamClosed), Is(err, ErrSessionClosed):
		return CodeStreamClosed

	// Validation
	case IsValidation(err):
		return CodeInvalidRequest

	// Default to internal
	default:
		return CodeInternal
	}
}

// CodeToError maps a wire code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeAuthFailed:
		return ErrInvalidToken
	case CodeNotAuthenticated:
		return ErrNotAuthenticated
	case CodeInvalidRequest:
		return ErrInvalidConfig
	case CodeNotFound:
		return ErrNotFound
	case CodeMalformed:
		return ErrMalformedEnvelope
	case CodeChecksumMismatch:
		return ErrChecksumMismatch
	case CodeOutOfOrder:
		return ErrOutOfOrder
	case CodeBackpressure:
		return ErrBackpressure
	case CodeUnavailable:
		return ErrUnavailable
	case CodeTooLarge:
		return ErrEnvelopeTooLarge
	case CodeStreamClosed:
		return ErrStreamClosed
	case CodeTimeout:
		return ErrTimeout
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewMalformed creates a malformed-envelope error with context.
func NewMalformed(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrMalformedEnvelope)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
