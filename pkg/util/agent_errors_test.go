package util

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", NewValidationError("bad input"), http.StatusBadRequest},
		{"provider disabled", ErrProviderDisabled, http.StatusServiceUnavailable},
		{"lab not found", ErrLabNotFound, http.StatusNotFound},
		{"node not found", ErrNodeNotFound, http.StatusNotFound},
		{"lock held", ErrLockHeld, http.StatusServiceUnavailable},
		{"conflict error", NewConflictError("lab-1", "deploy in progress"), http.StatusServiceUnavailable},
		{"retryable", ErrRetryable, http.StatusServiceUnavailable},
		{"retryable error", NewRetryableError("deploy", 3, errors.New("timeout")), http.StatusServiceUnavailable},
		{"integrity failure", ErrIntegrityFailure, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestConflictErrorUnwrapsToLockHeld(t *testing.T) {
	err := NewConflictError("lab-1", "deploy in progress")
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ConflictError to unwrap to ErrLockHeld")
	}
	if err.Error() == "" {
		t.Fatalf("expected non-empty error message")
	}
}

func TestRetryableErrorUnwrapsToErrRetryable(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewRetryableError("lockmgr.Acquire", 5, cause)
	if !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected RetryableError to unwrap to ErrRetryable")
	}
	if err.Attempts != 5 || err.Op != "lockmgr.Acquire" {
		t.Fatalf("unexpected RetryableError fields: %+v", err)
	}
}
