package errors

import (
	"fmt"
	"testing"
)

func TestSeverityString(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.severity.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestFetchError_Format(t *testing.T) {
	cause := New("connection refused")
	err := NewFetchError("fetch failed", cause).
		WithResource("events:page:3").
		WithAttempt(2)

	want := "fetch error [resource=events:page:3, attempt=2]: fetch failed: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestFetchError_WrapsCause(t *testing.T) {
	cause := New("boom")
	err := NewFetchError("fetch failed", cause)

	if !Is(err, cause) {
		t.Error("errors.Is should match the wrapped cause")
	}

	var fetchErr *FetchError
	if !As(err, &fetchErr) {
		t.Error("errors.As should extract *FetchError")
	}
}

func TestFetchError_RetryableByDefault(t *testing.T) {
	err := NewFetchError("fetch failed", nil)
	if !IsRetryable(err) {
		t.Error("fetch errors should be retryable by default")
	}
}

func TestMutationError_Format(t *testing.T) {
	err := NewMutationError("update failed", ErrEntryNotFound).
		WithMutation("update", "events", "ev-42")

	want := "mutation error [type=update, entity=events, id=ev-42]: update failed: cache entry not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !Is(err, ErrEntryNotFound) {
		t.Error("errors.Is should match the wrapped sentinel")
	}
}

func TestInvalidationError_Format(t *testing.T) {
	err := NewInvalidationError("refetch failed", nil).
		WithStrategy("background").
		WithTargets([]string{"events:page:1", "events:page:2"})

	want := "invalidation error [strategy=background, targets=2]: refetch failed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsCancellation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrCancelled, true},
		{"wrapped", fmt.Errorf("committing result: %w", ErrCancelled), true},
		{"fetch error", NewFetchError("fetch failed", nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCancellation(tt.err); got != tt.want {
				t.Errorf("IsCancellation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable_CancellationNeverRetryable(t *testing.T) {
	// Even a retryable fetch error wrapping a cancellation must not retry.
	err := NewFetchError("fetch failed", ErrCancelled)
	if IsRetryable(err) {
		t.Error("a cancellation must never be classified as retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", New("boom"), false},
		{"fetch error", NewFetchError("fetch failed", nil), true},
		{"mutation error", NewMutationError("update failed", nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDuplicateSlot(t *testing.T) {
	wrapped := fmt.Errorf("enqueue page:4: %w", ErrSlotOccupied)
	if !IsDuplicateSlot(wrapped) {
		t.Error("IsDuplicateSlot should match a wrapped ErrSlotOccupied")
	}
	if IsDuplicateSlot(ErrCancelled) {
		t.Error("IsDuplicateSlot should not match unrelated sentinels")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(ErrEntryNotFound) {
		t.Error("IsNotFound should match ErrEntryNotFound")
	}
	if !IsNotFound(ErrTokenNotFound) {
		t.Error("IsNotFound should match ErrTokenNotFound")
	}
	if IsNotFound(ErrOffline) {
		t.Error("IsNotFound should not match ErrOffline")
	}
}

func TestGetSeverity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{"nil", nil, SeverityInfo},
		{"plain", New("boom"), SeverityError},
		{"fetch", NewFetchError("fetch failed", nil), SeverityError},
		{"invalidation", NewInvalidationError("refetch failed", nil), SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetSeverity(tt.err); got != tt.want {
				t.Errorf("GetSeverity() = %v, want %v", got, tt.want)
			}
		})
	}
}
