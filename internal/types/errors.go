package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoUserMessage is returned when a flow needs a user message to anchor
// retrieval and the conversation has none.
var ErrNoUserMessage = errors.New("conversation has no user message")

// InvalidRoleError reports a caller-supplied message with a role other than
// user or assistant.
type InvalidRoleError struct {
	Index int
	Role  string
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("message %d: invalid role %q", e.Index, e.Role)
}

// FlaggedMessage records the moderation categories raised for one message.
type FlaggedMessage struct {
	Index      int
	Checker    string
	Categories []string
}

// ContentPolicyError is returned when moderation flags any message.
type ContentPolicyError struct {
	Flagged []FlaggedMessage
}

func (e *ContentPolicyError) Error() string {
	return "content flagged by moderation: " + strings.Join(e.Categories(), ", ")
}

// Categories returns the de-duplicated categories across all flagged messages.
func (e *ContentPolicyError) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range e.Flagged {
		for _, c := range f.Categories {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Stage names the external collaborator that failed.
type Stage string

const (
	StageModeration Stage = "moderation"
	StageEmbedding  Stage = "embedding"
	StageRetrieval  Stage = "retrieval"
	StageCompletion Stage = "completion"
)

// UpstreamUnavailableError wraps a transport or application failure of an
// external collaborator.
type UpstreamUnavailableError struct {
	Stage      Stage
	StatusCode int
	Payload    string
	Err        error
}

func (e *UpstreamUnavailableError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s unavailable", e.Stage)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if e.Payload != "" {
		b.WriteString(": ")
		b.WriteString(e.Payload)
	}
	return b.String()
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// Upstream builds an UpstreamUnavailableError for stage wrapping err.
func Upstream(stage Stage, err error) *UpstreamUnavailableError {
	return &UpstreamUnavailableError{Stage: stage, Err: err}
}

// ContextLengthError is returned when the provider rejects a request for
// exceeding the model's context window.
type ContextLengthError struct {
	Model   string
	Payload string
}

func (e *ContextLengthError) Error() string {
	if e.Payload == "" {
		return fmt.Sprintf("request exceeds context window of model %s", e.Model)
	}
	return fmt.Sprintf("request exceeds context window of model %s: %s", e.Model, e.Payload)
}

// BudgetError is returned when a prompt cannot be fitted into a model's
// context window by trimming conversation turns.
type BudgetError struct {
	Model       string
	FixedTokens int
	Reserved    int
	MaxContext  int
	// Exhausted is set when every conversation turn had to be removed and the
	// exhaustion policy forbids proceeding with the fixed messages alone.
	Exhausted bool
}

func (e *BudgetError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("conversation does not fit context window of model %s (%d tokens)", e.Model, e.MaxContext)
	}
	return fmt.Sprintf("fixed prompt of %d tokens plus %d reserved exceeds context window of model %s (%d tokens)",
		e.FixedTokens, e.Reserved, e.Model, e.MaxContext)
}
