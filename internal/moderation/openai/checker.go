// Package openai screens text with the OpenAI moderation endpoint.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/af-corp/aegis-assistant/internal/types"
	"github.com/af-corp/aegis-assistant/internal/upstream"
	openai "github.com/sashabaranov/go-openai"
)

type Checker struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// New returns a checker. An empty model uses the endpoint default.
func New(client *openai.Client, model string, timeout time.Duration) *Checker {
	return &Checker{client: client, model: model, timeout: timeout}
}

func (c *Checker) Name() string { return "openai" }

func (c *Checker) Check(ctx context.Context, text string) (types.ModerationVerdict, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.client.Moderations(ctx, openai.ModerationRequest{Input: text, Model: c.model})
	if err != nil {
		return types.ModerationVerdict{}, upstream.FromOpenAI(types.StageModeration, err)
	}
	if len(resp.Results) == 0 {
		return types.ModerationVerdict{}, types.Upstream(types.StageModeration, fmt.Errorf("moderation response has no results"))
	}

	var verdict types.ModerationVerdict
	seen := make(map[string]bool)
	for _, r := range resp.Results {
		if !r.Flagged {
			continue
		}
		verdict.Flagged = true
		cats, err := flaggedCategories(r.Categories)
		if err != nil {
			return types.ModerationVerdict{}, types.Upstream(types.StageModeration, err)
		}
		for _, cat := range cats {
			if !seen[cat] {
				seen[cat] = true
				verdict.Categories = append(verdict.Categories, cat)
			}
		}
	}
	return verdict, nil
}

// flaggedCategories lists the wire names of every true category, sorted.
func flaggedCategories(c openai.ResultCategories) ([]string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal moderation categories: %w", err)
	}
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal moderation categories: %w", err)
	}
	var out []string
	for name, flagged := range m {
		if flagged {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
