// Package openai embeds retrieval queries with the OpenAI embeddings endpoint.
package openai

import (
	"context"
	"errors"
	"time"

	"github.com/af-corp/aegis-assistant/internal/types"
	"github.com/af-corp/aegis-assistant/internal/upstream"
	openai "github.com/sashabaranov/go-openai"
)

type Embedder struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	timeout time.Duration
}

func New(client *openai.Client, model string, timeout time.Duration) *Embedder {
	if model == "" {
		model = string(openai.AdaEmbeddingV2)
	}
	return &Embedder{client: client, model: openai.EmbeddingModel(model), timeout: timeout}
}

// Embed returns the embedding of text. The input is sent as-is; callers
// normalize it first.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:          []string{text},
		Model:          e.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	})
	if err != nil {
		return nil, upstream.FromOpenAI(types.StageEmbedding, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, types.Upstream(types.StageEmbedding, errors.New("embedding response has no data"))
	}
	return resp.Data[0].Embedding, nil
}
