// Package errors provides standardized error handling patterns for chatsync
// components. It includes error classification, standard error variables, and
// helper functions for consistent error wrapping across the engine.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary network or service errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorAuth represents token or API-key failures that require re-authentication
	ErrorAuth
	// ErrorDecode represents malformed server payloads; the offending input is dropped
	ErrorDecode
	// ErrorStoreIntegrity represents a dangling entity reference inside the local store
	ErrorStoreIntegrity
	// ErrorAlreadyExists represents a duplicate local creation of an entity id
	ErrorAlreadyExists
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorAuth:
		return "auth"
	case ErrorDecode:
		return "decode"
	case ErrorStoreIntegrity:
		return "store_integrity"
	case ErrorAlreadyExists:
		return "already_exists"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Connection and session errors
	ErrNotConnected        = errors.New("not connected")
	ErrConnectionLost      = errors.New("connection lost")
	ErrConnectionTimeout   = errors.New("connection timeout")
	ErrConnectionIDMissing = errors.New("connection id unavailable")
	ErrSessionClosed       = errors.New("session closed")
	ErrNoCurrentUser       = errors.New("no current user set")
	ErrNetworkUnreachable  = errors.New("network unreachable")

	// Authentication errors
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenInvalid  = errors.New("token invalid")
	ErrMissingAPIKey = errors.New("missing API key")

	// Data errors
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid payload")

	// Store errors
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrDanglingRef     = errors.New("dangling entity reference")
	ErrStoreClosed     = errors.New("store closed")
	ErrTxDone          = errors.New("transaction already finished")
	ErrStoreUnavailable = errors.New("store unavailable")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrShuttingDown   = errors.New("shutting down")
	ErrQueueFull      = errors.New("queue full")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// classOf extracts the class of a classified error, or reports false
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Fall back on common transient substrings from transport errors
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection refused", "connection reset", "temporary", "unavailable", "too many requests"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsAuth checks if an error indicates an invalid or expired token
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorAuth
	}
	return errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrMissingAPIKey)
}

// IsDecode checks if an error indicates a malformed server payload
func IsDecode(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorDecode
	}
	return errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrUnknownEvent)
}

// IsStoreIntegrity checks if an error indicates a dangling reference in the store
func IsStoreIntegrity(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorStoreIntegrity
	}
	return errors.Is(err, ErrDanglingRef)
}

// IsAlreadyExists checks if an error indicates a duplicate entity creation
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorAlreadyExists
	}
	return errors.Is(err, ErrAlreadyExists)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
}

// IsNotFound checks if an error wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Classify returns the error class for an error. Unknown errors default to
// transient so callers err on the side of retrying.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if class, ok := classOf(err); ok {
		return class
	}
	switch {
	case IsAuth(err):
		return ErrorAuth
	case IsDecode(err):
		return ErrorDecode
	case IsStoreIntegrity(err):
		return ErrorStoreIntegrity
	case IsAlreadyExists(err):
		return ErrorAlreadyExists
	case IsFatal(err):
		return ErrorFatal
	default:
		return ErrorTransient
	}
}

// newClassified creates a new classified error.
// Internal helper - use the Wrap* functions instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// wrapAs wraps an error with context under the given class
func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(class, wrappedErr, component, method, wrappedErr.Error())
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapAuth wraps an error as an authentication failure with context
func WrapAuth(err error, component, method, action string) error {
	return wrapAs(ErrorAuth, err, component, method, action)
}

// WrapDecode wraps an error as a payload decode failure with context
func WrapDecode(err error, component, method, action string) error {
	return wrapAs(ErrorDecode, err, component, method, action)
}

// WrapStoreIntegrity wraps an error as a store integrity violation with context
func WrapStoreIntegrity(err error, component, method, action string) error {
	return wrapAs(ErrorStoreIntegrity, err, component, method, action)
}

// WrapAlreadyExists wraps an error as a duplicate creation with context
func WrapAlreadyExists(err error, component, method, action string) error {
	return wrapAs(ErrorAlreadyExists, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}
