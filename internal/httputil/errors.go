package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/af-corp/aegis-assistant/internal/types"
)

// StatusClientClosedRequest is the nginx convention for a request the
// client abandoned before a response was written.
const StatusClientClosedRequest = 499

// APIError matches the OpenAI error response format.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message    string   `json:"message"`
	Type       string   `json:"type"`
	Code       string   `json:"code"`
	Stage      string   `json:"stage,omitempty"`
	Categories []string `json:"categories,omitempty"`
	RequestID  string   `json:"aegis_request_id,omitempty"`
}

func writeBody(w http.ResponseWriter, requestID string, statusCode int, body APIErrorBody) {
	body.RequestID = requestID
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{Error: body})
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	writeBody(w, requestID, statusCode, APIErrorBody{Message: message, Type: errType, Code: code})
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded", message)
}

func WriteQuotaExceededError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_error", "token_quota_exceeded", message)
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", "invalid_request", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", "internal_error", message)
}

// Describe maps a pipeline error onto an HTTP status and error body. Errors
// outside the service taxonomy become a generic internal error so their
// detail is not leaked to clients.
func Describe(err error) (int, APIErrorBody) {
	var (
		invalidRole *types.InvalidRoleError
		policy      *types.ContentPolicyError
		ctxLen      *types.ContextLengthError
		up          *types.UpstreamUnavailableError
		budget      *types.BudgetError
	)
	switch {
	case errors.As(err, &invalidRole), errors.Is(err, types.ErrNoUserMessage):
		return http.StatusBadRequest, APIErrorBody{
			Message: err.Error(), Type: "invalid_request_error", Code: "invalid_request",
		}
	case errors.As(err, &policy):
		return http.StatusUnavailableForLegalReasons, APIErrorBody{
			Message:    "Request blocked by content moderation",
			Type:       "content_filter_error",
			Code:       "content_blocked",
			Categories: policy.Categories(),
		}
	case errors.As(err, &ctxLen):
		return http.StatusBadRequest, APIErrorBody{
			Message: ctxLen.Error(), Type: "invalid_request_error", Code: "context_length_exceeded",
		}
	case errors.As(err, &up):
		return http.StatusServiceUnavailable, APIErrorBody{
			Message: string(up.Stage) + " service unavailable",
			Type:    "server_error",
			Code:    "service_unavailable",
			Stage:   string(up.Stage),
		}
	case errors.As(err, &budget):
		if budget.Exhausted {
			return http.StatusBadRequest, APIErrorBody{
				Message: budget.Error(), Type: "invalid_request_error", Code: "conversation_too_long",
			}
		}
		return http.StatusInternalServerError, APIErrorBody{
			Message: "Prompt configuration exceeds the model context window",
			Type:    "server_error",
			Code:    "budget_misconfigured",
		}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, APIErrorBody{
			Message: "Request timed out", Type: "server_error", Code: "timeout",
		}
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, APIErrorBody{
			Message: "Request cancelled", Type: "server_error", Code: "request_cancelled",
		}
	default:
		return http.StatusInternalServerError, APIErrorBody{
			Message: "Internal server error", Type: "server_error", Code: "internal_error",
		}
	}
}

// WriteServiceError writes err in the OpenAI error envelope and returns the
// status code used.
func WriteServiceError(w http.ResponseWriter, requestID string, err error) int {
	status, body := Describe(err)
	writeBody(w, requestID, status, body)
	return status
}
