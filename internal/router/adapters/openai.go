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

// OpenAIAdapter talks to OpenAI-compatible chat completion APIs. Their stream
// chunks are already in the common form and pass through untouched.
type OpenAIAdapter struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewOpenAIAdapter(cfg config.ProviderConfig, client *http.Client) *OpenAIAdapter {
	return &OpenAIAdapter{cfg: cfg, client: client}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) TransformRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	body := openAIRequestBody{
		Model:       req.Model,
		Messages:    make([]openAIMessage, len(req.Messages)),
		Stream:      true,
		Temperature: req.Temperature,
	}
	for i, m := range req.Messages {
		body.Messages[i] = openAIMessage{Role: string(m.Role), Content: m.Content}
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = &req.MaxTokens
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	url := a.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	if a.cfg.Organization != "" {
		httpReq.Header.Set("OpenAI-Organization", a.cfg.Organization)
	}
	setHeaders(httpReq, a.cfg.Headers)
	return httpReq, nil
}

func (a *OpenAIAdapter) TransformStreamChunk(chunk []byte) ([]byte, error) {
	return chunk, nil
}

func (a *OpenAIAdapter) SendRequest(req *http.Request) (*http.Response, error) {
	return a.client.Do(req)
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Temperature has no omitempty: zero is the value we want sent.
type openAIRequestBody struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature float64         `json:"temperature"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}
