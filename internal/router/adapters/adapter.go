package adapters

import (
	"context"
	"net/http"

	"github.com/af-corp/aegis-assistant/internal/types"
)

// ProviderAdapter builds streaming chat requests in a provider's wire format
// and re-frames its stream chunks into OpenAI chunk form.
type ProviderAdapter interface {
	Name() string
	TransformRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error)
	// TransformStreamChunk converts one SSE data payload. A nil result means
	// the chunk carries nothing for the client; "[DONE]" ends the stream.
	TransformStreamChunk(chunk []byte) ([]byte, error)
	// SendRequest sends an HTTP request using the provider's configured client.
	SendRequest(req *http.Request) (*http.Response, error)
}

// OpenAI streaming chunk shape, the common form every adapter emits.
type openAIStreamChunk struct {
	Choices []openAIStreamChoice `json:"choices"`
}

type openAIStreamChoice struct {
	Index        int         `json:"index"`
	Delta        openAIDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type openAIDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func setHeaders(req *http.Request, headers map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
}
