package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/af-corp/aegis-assistant/internal/types"
	"github.com/af-corp/aegis-assistant/internal/upstream"
	openai "github.com/sashabaranov/go-openai"
)

func isContextLength(code, message string) bool {
	if code == "context_length_exceeded" {
		return true
	}
	msg := strings.ToLower(message)
	return strings.Contains(msg, "maximum context length") || strings.Contains(msg, "prompt is too long")
}

// Classify maps an error from the go-openai client onto the service error
// taxonomy. Context window violations become ContextLengthError for model;
// anything else is an unavailable completion stage. Errors that are already
// classified, and cancellation, are returned unchanged.
func Classify(model string, err error) error {
	var cl *types.ContextLengthError
	var up *types.UpstreamUnavailableError
	if errors.As(err, &cl) || errors.As(err, &up) || errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		if isContextLength(code, apiErr.Message) {
			return &types.ContextLengthError{Model: model, Payload: apiErr.Message}
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if cls := ClassifyResponse(model, reqErr.HTTPStatusCode, reqErr.Body); !isUpstream(cls) {
			return cls
		}
	}
	return upstream.FromOpenAI(types.StageCompletion, err)
}

func isUpstream(err error) bool {
	var up *types.UpstreamUnavailableError
	return errors.As(err, &up)
}

// ClassifyResponse maps a non-2xx provider response. Both OpenAI and
// Anthropic wrap failures in an {"error": {...}} envelope.
func ClassifyResponse(model string, status int, body []byte) error {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	payload := strings.TrimSpace(string(body))
	code := ""
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		payload = env.Error.Message
		if env.Error.Code != nil {
			code = fmt.Sprint(env.Error.Code)
		}
	}
	if isContextLength(code, payload) {
		return &types.ContextLengthError{Model: model, Payload: payload}
	}
	return &types.UpstreamUnavailableError{
		Stage:      types.StageCompletion,
		StatusCode: status,
		Payload:    payload,
		Err:        fmt.Errorf("provider returned status %d", status),
	}
}
