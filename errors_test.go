package pgguard

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		err      *Error
		expected string
	}{
		{
			err:      &Error{Message: "test error"},
			expected: "pgguard: test error",
		},
		{
			err:      &Error{Op: "New", Message: "database URL is required"},
			expected: "pgguard.New: database URL is required",
		},
		{
			err:      &Error{Op: "Open", Message: "failed", Cause: errors.New("boom")},
			expected: "pgguard.Open: failed (cause: boom)",
		},
	}

	for _, tt := range tests {
		if tt.err.Error() != tt.expected {
			t.Errorf("expected %s, got %s", tt.expected, tt.err.Error())
		}
	}
}

func TestError_Is(t *testing.T) {
	tests := []struct {
		err    *Error
		target error
		match  bool
	}{
		{&Error{Code: CodeConnectionFailed}, ErrConnection, true},
		{&Error{Code: CodeInvalidConfig}, ErrInvalidConfig, true},
		{&Error{Code: CodeServiceDegraded}, ErrServiceDegraded, true},
		{&Error{Code: CodeClosed}, ErrClosed, true},
		{&Error{Code: CodeClosed}, ErrConnection, false},
		{&Error{Code: CodeUnknown}, ErrConnection, false},
	}

	for _, tt := range tests {
		if errors.Is(tt.err, tt.target) != tt.match {
			t.Errorf("expected Is(%v, %v) = %v", tt.err.Code, tt.target, tt.match)
		}
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &Error{Code: CodeUnknown, Cause: cause}

	if err.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestDegradedError(t *testing.T) {
	err := fmt.Errorf("list trips: %w", &DegradedError{Op: "Query", RetryAfter: 1500 * time.Millisecond, Reconnecting: true})

	if !IsDegraded(err) {
		t.Error("wrapped degraded error should match ErrServiceDegraded")
	}

	d, ok := RetryAfter(err)
	if !ok || d != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %s (%v)", d, ok)
	}

	code, ok := GetErrorCode(err)
	if !ok || code != CodeServiceDegraded {
		t.Errorf("expected SERVICE_DEGRADED, got %s", code)
	}
}

func TestDegradedError_RetryAfterSeconds(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected int
	}{
		{0, 1},
		{250 * time.Millisecond, 1},
		{time.Second, 1},
		{1001 * time.Millisecond, 2},
		{5 * time.Second, 5},
	}

	for _, tt := range tests {
		e := &DegradedError{RetryAfter: tt.d}
		if got := e.RetryAfterSeconds(); got != tt.expected {
			t.Errorf("RetryAfterSeconds(%s) = %d, expected %d", tt.d, got, tt.expected)
		}
	}
}

func TestGetErrorCode(t *testing.T) {
	err := &Error{Code: CodeInvalidConfig}
	code, ok := GetErrorCode(err)
	if !ok || code != CodeInvalidConfig {
		t.Errorf("expected INVALID_CONFIG, got %s", code)
	}

	_, ok = GetErrorCode(errors.New("regular error"))
	if ok {
		t.Error("expected ok=false for regular error")
	}

	if _, ok := RetryAfter(errors.New("regular error")); ok {
		t.Error("expected no retry hint for regular error")
	}
}
