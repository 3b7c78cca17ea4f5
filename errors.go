package pgguard

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrorCode represents a supervisor error classification
type ErrorCode string

const (
	CodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	CodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	CodeServiceDegraded  ErrorCode = "SERVICE_DEGRADED"
	CodeClosed           ErrorCode = "CLOSED"
	CodeUnknown          ErrorCode = "UNKNOWN"
)

// Sentinel errors for quick checks
var (
	ErrConnection      = errors.New("pgguard: connection failed")
	ErrInvalidConfig   = errors.New("pgguard: invalid configuration")
	ErrServiceDegraded = errors.New("pgguard: service degraded")
	ErrClosed          = errors.New("pgguard: supervisor closed")
)

// Error is a rich supervisor error with context
type Error struct {
	Code    ErrorCode // Error classification
	Message string    // Human-readable message
	Op      string    // Operation that failed (e.g., "New", "Connect")
	Cause   error     // Underlying error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("pgguard: %s", e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("pgguard.%s: %s", e.Op, e.Message)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (cause: %v)", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for sentinel error matching
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeConnectionFailed:
		return target == ErrConnection
	case CodeInvalidConfig:
		return target == ErrInvalidConfig
	case CodeServiceDegraded:
		return target == ErrServiceDegraded
	case CodeClosed:
		return target == ErrClosed
	}
	return false
}

// DegradedError is returned to every caller while the supervisor is degraded.
// No network operation was attempted when it is returned.
type DegradedError struct {
	Op           string        // Query, QueryRow, Exec or Connect
	RetryAfter   time.Duration // Hint derived from the current backoff delay
	Reconnecting bool          // Whether a reconnection run is active
	Since        time.Time     // Start of the degradation episode
}

func (e *DegradedError) Error() string {
	if e.Reconnecting {
		return fmt.Sprintf("pgguard.%s: database temporarily unavailable, reconnecting (retry after %s)", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("pgguard.%s: database temporarily unavailable (retry after %s)", e.Op, e.RetryAfter)
}

// Is implements errors.Is for sentinel error matching
func (e *DegradedError) Is(target error) bool {
	return target == ErrServiceDegraded
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, never below one.
func (e *DegradedError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// IsDegraded checks if error is a service degraded error
func IsDegraded(err error) bool {
	return errors.Is(err, ErrServiceDegraded)
}

// IsConnection checks if error is a connection error
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsClosed checks if error was returned by a closed supervisor
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsPoolFatal reports whether err would trigger degradation.
func IsPoolFatal(err error) bool {
	return Classify(err).Fatal()
}

// RetryAfter extracts the retry hint from a degraded error
func RetryAfter(err error) (time.Duration, bool) {
	var dErr *DegradedError
	if errors.As(err, &dErr) {
		return dErr.RetryAfter, true
	}
	return 0, false
}

// GetErrorCode extracts the error code if it's a pgguard error
func GetErrorCode(err error) (ErrorCode, bool) {
	var dErr *DegradedError
	if errors.As(err, &dErr) {
		return CodeServiceDegraded, true
	}
	var gErr *Error
	if errors.As(err, &gErr) {
		return gErr.Code, true
	}
	return "", false
}
