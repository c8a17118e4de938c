// Package tokenizer counts prompt tokens the way the target model's provider
// bills them, including per-message framing overhead.
package tokenizer

import (
	"fmt"

	"github.com/af-corp/aegis-assistant/internal/types"
	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter measures messages and text in tokens of a given model.
type Counter interface {
	Count(messages []types.Message, model string) (int, error)
	CountText(text, model string) (int, error)
	MaxContext(model string) (int, error)
}

type encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// Tokenizer implements Counter over BPE encodings resolved at construction.
// It holds no mutable state and is safe for concurrent use.
type Tokenizer struct {
	profiles *ProfileTable
	encoders map[string]encoder
}

// New loads the BPE encoding of every profile in the table.
func New(profiles *ProfileTable) (*Tokenizer, error) {
	encoders := make(map[string]encoder)
	for _, name := range profiles.encodings() {
		enc, err := tiktoken.GetEncoding(name)
		if err != nil {
			return nil, fmt.Errorf("tokenizer: get encoding %s: %w", name, err)
		}
		encoders[name] = enc
	}
	return &Tokenizer{profiles: profiles, encoders: encoders}, nil
}

func (t *Tokenizer) lookup(model string) (types.ModelProfile, encoder, error) {
	p, err := t.profiles.Profile(model)
	if err != nil {
		return types.ModelProfile{}, nil, err
	}
	enc, ok := t.encoders[p.Encoding]
	if !ok {
		return types.ModelProfile{}, nil, fmt.Errorf("tokenizer: encoding %s not loaded", p.Encoding)
	}
	return p, enc, nil
}

// Count returns the prompt tokens a chat request with these messages costs:
// each message pays a fixed framing overhead plus its role and content, and
// the request pays the reply priming tokens once.
func (t *Tokenizer) Count(messages []types.Message, model string) (int, error) {
	p, enc, err := t.lookup(model)
	if err != nil {
		return 0, err
	}
	total := p.ReplyPrimingTokens
	for _, m := range messages {
		total += p.TokensPerMessage
		total += len(enc.Encode(string(m.Role), nil, nil))
		total += len(enc.Encode(m.Content, nil, nil))
	}
	return total, nil
}

// CountText returns the tokens of bare text without message framing.
func (t *Tokenizer) CountText(text, model string) (int, error) {
	_, enc, err := t.lookup(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

func (t *Tokenizer) MaxContext(model string) (int, error) {
	p, err := t.profiles.Profile(model)
	if err != nil {
		return 0, err
	}
	return p.MaxContextTokens, nil
}
