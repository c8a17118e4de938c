package completion

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/af-corp/aegis-assistant/internal/router/adapters"
	"github.com/af-corp/aegis-assistant/internal/types"
)

const maxErrorBody = 64 * 1024

// RawTransport sends requests through a provider adapter and hands back the
// provider's event stream unread.
type RawTransport struct {
	provider string
	adapter  adapters.ProviderAdapter
}

func NewRawTransport(provider string, adapter adapters.ProviderAdapter) *RawTransport {
	return &RawTransport{provider: provider, adapter: adapter}
}

func (t *RawTransport) Open(ctx context.Context, req types.ChatRequest) (*Stream, error) {
	httpReq, err := t.adapter.TransformRequest(ctx, &req)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", t.provider, err)
	}

	resp, err := t.adapter.SendRequest(httpReq)
	if err != nil {
		return nil, Classify(req.Model, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, ClassifyResponse(req.Model, resp.StatusCode, body)
	}

	return &Stream{
		Body:      resp.Body,
		Format:    FormatSSE,
		Provider:  t.provider,
		Model:     req.Model,
		Transform: t.adapter.TransformStreamChunk,
	}, nil
}
