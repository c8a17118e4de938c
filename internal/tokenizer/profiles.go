package tokenizer

import (
	"fmt"
	"sort"

	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/types"
)

const (
	defaultEncoding           = "cl100k_base"
	defaultTokensPerMessage   = 3
	defaultReplyPrimingTokens = 3
)

// ProfileTable is an immutable lookup of model profiles by identifier.
type ProfileTable struct {
	profiles map[string]types.ModelProfile
}

// NewProfileTable validates the models config and snapshots it.
func NewProfileTable(cfg *config.ModelsConfig) (*ProfileTable, error) {
	profiles := make(map[string]types.ModelProfile, len(cfg.Models))
	for id, m := range cfg.Models {
		if m.MaxContextTokens <= 0 {
			return nil, fmt.Errorf("model %s: max_context_tokens must be positive", id)
		}
		if m.ReservedCompletionTokens < 0 || m.ReservedCompletionTokens >= m.MaxContextTokens {
			return nil, fmt.Errorf("model %s: reserved_completion_tokens must be in [0, %d)", id, m.MaxContextTokens)
		}
		p := types.ModelProfile{
			ID:                       id,
			Provider:                 m.Provider,
			ProviderModel:            m.Model,
			Encoding:                 m.Encoding,
			MaxContextTokens:         m.MaxContextTokens,
			ReservedCompletionTokens: m.ReservedCompletionTokens,
			TokensPerMessage:         m.TokensPerMessage,
			ReplyPrimingTokens:       m.ReplyPrimingTokens,
		}
		if p.ProviderModel == "" {
			p.ProviderModel = id
		}
		if p.Encoding == "" {
			p.Encoding = defaultEncoding
		}
		if p.TokensPerMessage == 0 {
			p.TokensPerMessage = defaultTokensPerMessage
		}
		if p.ReplyPrimingTokens == 0 {
			p.ReplyPrimingTokens = defaultReplyPrimingTokens
		}
		profiles[id] = p
	}
	return &ProfileTable{profiles: profiles}, nil
}

// Profile returns the profile for a model identifier.
func (t *ProfileTable) Profile(model string) (types.ModelProfile, error) {
	p, ok := t.profiles[model]
	if !ok {
		return types.ModelProfile{}, fmt.Errorf("unknown model: %s", model)
	}
	return p, nil
}

// All returns every profile sorted by identifier.
func (t *ProfileTable) All() []types.ModelProfile {
	out := make([]types.ModelProfile, 0, len(t.profiles))
	for _, p := range t.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *ProfileTable) encodings() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range t.profiles {
		if !seen[p.Encoding] {
			seen[p.Encoding] = true
			out = append(out, p.Encoding)
		}
	}
	sort.Strings(out)
	return out
}
