// Package prompt assembles the ordered message sequence sent to the model.
package prompt

import (
	"strings"

	"github.com/af-corp/aegis-assistant/internal/types"
)

// Context carries optional structured grounding for the policy and query
// flows. Empty fields produce no message.
type Context struct {
	Schema string
	Draft  string
	// DraftLabel names what Draft is, e.g. "existing policy".
	DraftLabel string
}

// Build returns [instructions, schema?, draft?] as the fixed block and the
// conversation, unmodified and in order, as the trimmable block.
func Build(instructions string, ctx Context, conv []types.Message) (types.PromptPlan, error) {
	if err := types.ValidateConversation(conv); err != nil {
		return types.PromptPlan{}, err
	}

	fixed := []types.Message{types.SystemMessage(instructions)}
	if ctx.Schema != "" {
		fixed = append(fixed, types.UserMessage(fenced("Here is my database schema for reference:", "sql", ctx.Schema)))
	}
	if ctx.Draft != "" {
		label := ctx.DraftLabel
		if label == "" {
			label = "existing draft"
		}
		fixed = append(fixed, types.UserMessage(fenced("Here is the "+label+" I am working on:", "sql", ctx.Draft)))
	}

	return types.PromptPlan{Fixed: fixed, Trimmable: cloneConversation(conv)}, nil
}

// BuildRetrieval returns [instructions, context block, grounding] as the
// fixed block followed by the conversation.
func BuildRetrieval(instr *Instructions, block types.ContextBlock, conv []types.Message) (types.PromptPlan, error) {
	if err := types.ValidateConversation(conv); err != nil {
		return types.PromptPlan{}, err
	}

	fixed := []types.Message{
		types.SystemMessage(instr.Retrieval),
		types.UserMessage("Here is the documentation:\n" + block.Text),
		types.UserMessage(instr.Grounding),
	}
	return types.PromptPlan{Fixed: fixed, Trimmable: cloneConversation(conv)}, nil
}

func fenced(lead, lang, body string) string {
	var b strings.Builder
	b.WriteString(lead)
	b.WriteString("\n```")
	b.WriteString(lang)
	b.WriteString("\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```")
	return b.String()
}

func cloneConversation(conv []types.Message) []types.Message {
	out := make([]types.Message, len(conv))
	copy(out, conv)
	return out
}
