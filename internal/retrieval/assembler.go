package retrieval

import (
	"fmt"
	"strings"

	"github.com/af-corp/aegis-assistant/internal/tokenizer"
	"github.com/af-corp/aegis-assistant/internal/types"
)

const delimiter = "\n---\n"

// Assemble admits passages in rank order while the running token count stays
// below limit. The first passage that would bring the count to or over the
// limit ends assembly; later passages are never considered, even if they
// would fit. Each admitted passage is counted together with its delimiter.
func Assemble(passages []types.RetrievedPassage, counter tokenizer.Counter, model string, limit int) (types.ContextBlock, error) {
	var b strings.Builder
	running := 0
	included := 0
	for _, p := range passages {
		piece := strings.TrimSpace(p.Text) + delimiter
		n, err := counter.CountText(piece, model)
		if err != nil {
			return types.ContextBlock{}, fmt.Errorf("count passage tokens: %w", err)
		}
		if running+n >= limit {
			break
		}
		running += n
		included++
		b.WriteString(piece)
	}

	text := strings.TrimSpace(b.String())
	tokens := 0
	if text != "" {
		var err error
		if tokens, err = counter.CountText(text, model); err != nil {
			return types.ContextBlock{}, fmt.Errorf("count context tokens: %w", err)
		}
	}
	return types.ContextBlock{Text: text, Tokens: tokens, Included: included}, nil
}
