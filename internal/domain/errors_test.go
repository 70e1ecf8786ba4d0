package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"},
			expected: "invalid_request: bad request",
		},
		{
			name:     "error with type, code, and message",
			err:      &APIError{Type: ErrorTypeRateLimit, Code: ErrorCodeRateLimitExceeded, Message: "rate limited"},
			expected: "rate_limit (rate_limit_exceeded): rate limited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{"invalid request", &APIError{Type: ErrorTypeInvalidRequest}, http.StatusBadRequest},
		{"authentication", &APIError{Type: ErrorTypeAuthentication}, http.StatusUnauthorized},
		{"permission", &APIError{Type: ErrorTypePermission}, http.StatusForbidden},
		{"not found", &APIError{Type: ErrorTypeNotFound}, http.StatusNotFound},
		{"rate limit", &APIError{Type: ErrorTypeRateLimit}, http.StatusTooManyRequests},
		{"overloaded", &APIError{Type: ErrorTypeOverloaded}, http.StatusServiceUnavailable},
		{"server", &APIError{Type: ErrorTypeServer}, http.StatusInternalServerError},
		{"explicit status wins", &APIError{Type: ErrorTypeServer, StatusCode: http.StatusBadGateway}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestAsAPIError(t *testing.T) {
	if AsAPIError(nil) != nil {
		t.Error("AsAPIError(nil) should be nil")
	}

	wrapped := fmt.Errorf("upstream: %w", ErrInvalidRequest("messages required"))
	got := AsAPIError(wrapped)
	if got.Type != ErrorTypeInvalidRequest {
		t.Errorf("Type = %q, want %q", got.Type, ErrorTypeInvalidRequest)
	}

	got = AsAPIError(errors.New("boom"))
	if got.Type != ErrorTypeServer || got.Message != "boom" {
		t.Errorf("AsAPIError(plain) = %+v", got)
	}
}

func TestStreamEvent_Terminal(t *testing.T) {
	if !DoneEvent(nil).Terminal() || !ErrorEvent("x").Terminal() {
		t.Error("done and error events must be terminal")
	}
	if ContentEvent("x").Terminal() || ReasoningEvent("x").Terminal() || MarkerEvent(Marker{Type: "m"}).Terminal() {
		t.Error("content, reasoning and marker events must not be terminal")
	}
}
