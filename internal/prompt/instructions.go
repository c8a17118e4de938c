package prompt

import "fmt"

// Flow identifies which assistant produced a prompt.
type Flow string

const (
	FlowPolicy    Flow = "policy"
	FlowQuery     Flow = "sql"
	FlowRetrieval Flow = "docs"
)

// Instructions is the fixed system text per flow. A table is built once at
// startup and never modified; bump Version whenever any text changes so the
// per-request report identifies which wording produced an answer.
type Instructions struct {
	Version   string
	Policy    string
	Query     string
	Retrieval string
	// Grounding follows the retrieved context block and tells the model to
	// answer from it alone.
	Grounding string
}

// For returns the system text of a flow.
func (in *Instructions) For(flow Flow) (string, error) {
	switch flow {
	case FlowPolicy:
		return in.Policy, nil
	case FlowQuery:
		return in.Query, nil
	case FlowRetrieval:
		return in.Retrieval, nil
	default:
		return "", fmt.Errorf("unknown flow: %s", flow)
	}
}

// DefaultInstructions returns the built-in instruction table.
func DefaultInstructions() *Instructions {
	return &Instructions{
		Version: "2026-09-01",
		Policy: `You are a PostgreSQL row level security expert. You write policies with CREATE POLICY.
Rules:
- Output only valid SQL, wrapped in a single sql code block.
- Use auth.uid() to refer to the signed in user.
- Always name the operation (SELECT, INSERT, UPDATE or DELETE); never use FOR ALL.
- SELECT policies use USING only, INSERT policies use WITH CHECK only.
- Add a short SQL comment above each policy explaining what it allows.
- If the request is not about access policies, say that you only help with policies.`,
		Query: `You are a PostgreSQL expert. You translate questions into SQL.
Rules:
- Output only valid PostgreSQL, wrapped in a single sql code block.
- Prefer explicit column lists over SELECT *.
- Use identity columns for new primary keys and snake_case names.
- Only reference tables and columns from the schema you are given, if any.
- If you are editing an existing query, return the whole revised query.`,
		Retrieval: `You are a documentation assistant. You answer developer questions about the product using the documentation you are given.
Format answers in markdown, include code snippets when they help, and keep answers concise.`,
		Grounding: `Answer all following questions using only the documentation above.
- Do not make up answers that are not in the documentation.
- If the documentation does not contain the answer, say "Sorry, I don't know how to help with that."
- Prefer lists and code examples over long paragraphs.`,
	}
}
