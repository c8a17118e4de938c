package completion

import (
	"context"
	"errors"
	"io"
	"math"

	"github.com/af-corp/aegis-assistant/internal/types"
	openai "github.com/sashabaranov/go-openai"
)

// SDKTransport streams completions through the go-openai client and re-frames
// the deltas as plain text.
type SDKTransport struct {
	provider string
	client   *openai.Client
}

func NewSDKTransport(provider string, client *openai.Client) *SDKTransport {
	return &SDKTransport{provider: provider, client: client}
}

func (t *SDKTransport) Open(ctx context.Context, req types.ChatRequest) (*Stream, error) {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}

	stream, err := t.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: sdkTemperature(req.Temperature),
		Stream:      true,
	})
	if err != nil {
		return nil, Classify(req.Model, err)
	}
	return &Stream{
		Body:     NewReader(&sdkSource{stream: stream, model: req.Model}),
		Format:   FormatText,
		Provider: t.provider,
		Model:    req.Model,
	}, nil
}

// sdkTemperature maps zero to the smallest positive float32: the SDK omits a
// zero temperature and the provider default would apply instead.
func sdkTemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

type sdkSource struct {
	stream *openai.ChatCompletionStream
	model  string
}

func (s *sdkSource) Next() (string, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return "", io.EOF
	}
	if err != nil {
		return "", Classify(s.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

func (s *sdkSource) Close() error {
	return s.stream.Close()
}
