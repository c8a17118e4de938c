package types

// ChatRequest is a streaming chat completion request in provider-neutral form.
// Model is the provider-side model name.
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}
