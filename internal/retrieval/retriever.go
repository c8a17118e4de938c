// Package retrieval finds knowledge base passages relevant to the latest user
// message and folds them into a bounded context block.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/types"
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Query is a ranked similarity search request.
type Query struct {
	Vector         []float32
	Threshold      float64
	MinLength      int
	ExcludeIgnored bool
	Limit          int
	Source         string
}

// Searcher returns passages ordered by descending similarity.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]types.RetrievedPassage, error)
}

type Retriever struct {
	embedder  Embedder
	searcher  Searcher
	threshold float64
	minLength int
	limit     int
}

func New(embedder Embedder, searcher Searcher, cfg config.RetrievalConfig) *Retriever {
	return &Retriever{
		embedder:  embedder,
		searcher:  searcher,
		threshold: cfg.SimilarityThreshold,
		minLength: cfg.MinContentLength,
		limit:     cfg.MatchLimit,
	}
}

// Retrieve embeds the most recent user message and searches source for
// matching passages. Ignored sources are always excluded. Failures are
// reported as unavailable embedding or retrieval stages.
func (r *Retriever) Retrieve(ctx context.Context, conv []types.Message, source string) ([]types.RetrievedPassage, error) {
	last, ok := types.LastUserMessage(conv)
	if !ok {
		return nil, types.ErrNoUserMessage
	}
	input := types.NormalizeQuery(last.Content)

	vector, err := r.embedder.Embed(ctx, input)
	if err != nil {
		return nil, stageError(types.StageEmbedding, "embed query", err)
	}
	if len(vector) == 0 {
		return nil, types.Upstream(types.StageEmbedding, errors.New("embedding service returned an empty vector"))
	}

	passages, err := r.searcher.Search(ctx, Query{
		Vector:         vector,
		Threshold:      r.threshold,
		MinLength:      r.minLength,
		ExcludeIgnored: true,
		Limit:          r.limit,
		Source:         source,
	})
	if err != nil {
		return nil, stageError(types.StageRetrieval, "search passages", err)
	}
	return passages, nil
}

func stageError(stage types.Stage, op string, err error) error {
	var up *types.UpstreamUnavailableError
	if errors.As(err, &up) && up.Stage == stage {
		return up
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return types.Upstream(stage, fmt.Errorf("%s: %w", op, err))
}
