package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/types"
)

const defaultAnthropicVersion = "2023-06-01"

// AnthropicAdapter handles communication with the Anthropic Messages API.
type AnthropicAdapter struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewAnthropicAdapter(cfg config.ProviderConfig, client *http.Client) *AnthropicAdapter {
	return &AnthropicAdapter{cfg: cfg, client: client}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

// TransformRequest lifts system messages into the top-level system field,
// joining several with blank lines, since the Messages API only accepts user
// and assistant turns.
func (a *AnthropicAdapter) TransformRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	var system []byte
	var messages []anthropicMessage
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			if len(system) > 0 {
				system = append(system, "\n\n"...)
			}
			system = append(system, m.Content...)
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	// Anthropic requires max_tokens
	maxTokens := 4096
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	body := anthropicRequestBody{
		Model:       req.Model,
		Messages:    messages,
		System:      string(system),
		MaxTokens:   maxTokens,
		Stream:      true,
		Temperature: req.Temperature,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	url := a.cfg.BaseURL + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}

	version := a.cfg.APIVersion
	if version == "" {
		version = defaultAnthropicVersion
	}
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", version)
	setHeaders(httpReq, a.cfg.Headers)
	return httpReq, nil
}

// StreamError is an error event sent by the provider after the stream opened.
type StreamError struct {
	Type    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error %s: %s", e.Type, e.Message)
}

// TransformStreamChunk converts an Anthropic SSE data payload to OpenAI streaming format.
// Anthropic events: message_start, content_block_start, content_block_delta, message_delta, message_stop
// We convert content_block_delta (text) → OpenAI delta chunk, and message_stop → [DONE].
func (a *AnthropicAdapter) TransformStreamChunk(chunk []byte) ([]byte, error) {
	var event struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(chunk, &event); err != nil {
		return nil, nil // skip unparseable chunks
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta.Type != "text_delta" {
			return nil, nil
		}
		data, err := json.Marshal(openAIStreamChunk{
			Choices: []openAIStreamChoice{{
				Index: event.Index,
				Delta: openAIDelta{Content: event.Delta.Text},
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("marshal openai chunk: %w", err)
		}
		return data, nil

	case "message_delta":
		finishReason := mapStopReason(event.Delta.StopReason)
		data, err := json.Marshal(openAIStreamChunk{
			Choices: []openAIStreamChoice{{
				Delta:        openAIDelta{},
				FinishReason: &finishReason,
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("marshal openai finish chunk: %w", err)
		}
		return data, nil

	case "message_stop":
		return []byte("[DONE]"), nil

	case "error":
		return nil, &StreamError{Type: event.Error.Type, Message: event.Error.Message}

	default:
		// message_start, content_block_start, content_block_stop, ping
		return nil, nil
	}
}

func (a *AnthropicAdapter) SendRequest(req *http.Request) (*http.Response, error) {
	return a.client.Do(req)
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequestBody struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream"`
	Temperature float64            `json:"temperature"`
}
