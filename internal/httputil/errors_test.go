package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/af-corp/aegis-assistant/internal/types"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, "req_123", http.StatusBadRequest, "invalid_request_error", "bad_request", "test message")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}
	if rid := w.Header().Get("X-Request-ID"); rid != "req_123" {
		t.Errorf("expected X-Request-ID req_123, got %s", rid)
	}

	var resp APIError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Error.Message != "test message" {
		t.Errorf("expected message 'test message', got %q", resp.Error.Message)
	}
	if resp.Error.Type != "invalid_request_error" {
		t.Errorf("expected type 'invalid_request_error', got %q", resp.Error.Type)
	}
	if resp.Error.RequestID != "req_123" {
		t.Errorf("expected aegis_request_id 'req_123', got %q", resp.Error.RequestID)
	}
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		stage  string
	}{
		{"invalid role", &types.InvalidRoleError{Index: 0, Role: "system"}, 400, "invalid_request", ""},
		{"no user message", fmt.Errorf("retrieve: %w", types.ErrNoUserMessage), 400, "invalid_request", ""},
		{"content policy", &types.ContentPolicyError{Flagged: []types.FlaggedMessage{{Categories: []string{"hate"}}}}, 451, "content_blocked", ""},
		{"context length", &types.ContextLengthError{Model: "gpt-4"}, 400, "context_length_exceeded", ""},
		{"upstream", types.Upstream(types.StageEmbedding, errors.New("timeout")), 503, "service_unavailable", "embedding"},
		{"budget misconfigured", &types.BudgetError{Model: "m", FixedTokens: 5000, MaxContext: 4096}, 500, "budget_misconfigured", ""},
		{"budget exhausted", &types.BudgetError{Model: "m", Exhausted: true}, 400, "conversation_too_long", ""},
		{"deadline", context.DeadlineExceeded, 504, "timeout", ""},
		{"cancelled", context.Canceled, StatusClientClosedRequest, "request_cancelled", ""},
		{"unknown", errors.New("pq: password authentication failed"), 500, "internal_error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			status := WriteServiceError(w, "req_1", tt.err)

			if status != tt.status || w.Code != tt.status {
				t.Errorf("expected status %d, got %d (recorded %d)", tt.status, status, w.Code)
			}
			var resp APIError
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("expected code %q, got %q", tt.code, resp.Error.Code)
			}
			if resp.Error.Stage != tt.stage {
				t.Errorf("expected stage %q, got %q", tt.stage, resp.Error.Stage)
			}
		})
	}
}

func TestWriteServiceError_Categories(t *testing.T) {
	w := httptest.NewRecorder()
	WriteServiceError(w, "req_2", &types.ContentPolicyError{Flagged: []types.FlaggedMessage{
		{Index: 0, Checker: "openai", Categories: []string{"hate", "harassment"}},
		{Index: 2, Checker: "secrets", Categories: []string{"hate", "secrets/jwt"}},
	}})

	var resp APIError
	json.Unmarshal(w.Body.Bytes(), &resp)
	want := []string{"hate", "harassment", "secrets/jwt"}
	if len(resp.Error.Categories) != len(want) {
		t.Fatalf("expected categories %v, got %v", want, resp.Error.Categories)
	}
	for i := range want {
		if resp.Error.Categories[i] != want[i] {
			t.Errorf("expected categories %v, got %v", want, resp.Error.Categories)
		}
	}
}

func TestWriteServiceError_DoesNotLeakInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteServiceError(w, "req_3", errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	var resp APIError
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Message != "Internal server error" {
		t.Errorf("unexpected message %q", resp.Error.Message)
	}
}

func TestWriteRateLimitErrors(t *testing.T) {
	w := httptest.NewRecorder()
	WriteRateLimitError(w, "req_4", "slow down")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	WriteQuotaExceededError(w, "req_5", "quota")
	var resp APIError
	json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusTooManyRequests || resp.Error.Code != "token_quota_exceeded" {
		t.Errorf("unexpected quota error: %d %+v", w.Code, resp.Error)
	}
}
