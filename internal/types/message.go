package types

import "strings"

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a wire role string.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleSystem, RoleUser, RoleAssistant:
		return Role(s), true
	default:
		return "", false
	}
}

// Conversational reports whether a caller may supply messages with this role.
// System messages are only ever generated internally.
func (r Role) Conversational() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single chat turn. Treat values as immutable once built.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func SystemMessage(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func UserMessage(content string) Message      { return Message{Role: RoleUser, Content: content} }
func AssistantMessage(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// LastUserMessage returns the most recent user message of a conversation.
func LastUserMessage(conv []Message) (Message, bool) {
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].Role == RoleUser {
			return conv[i], true
		}
	}
	return Message{}, false
}

// ValidateConversation rejects caller-supplied messages whose role is not
// user or assistant.
func ValidateConversation(conv []Message) error {
	for i, m := range conv {
		if !m.Role.Conversational() {
			return &InvalidRoleError{Index: i, Role: string(m.Role)}
		}
	}
	return nil
}

// NormalizeQuery collapses newlines into spaces and trims the result.
func NormalizeQuery(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// PromptPlan splits an assembled prompt into messages that must always be
// sent and conversation turns that may be evicted oldest-first.
type PromptPlan struct {
	Fixed     []Message
	Trimmable []Message
}

// Messages returns fixed followed by trimmable messages in a fresh slice.
func (p PromptPlan) Messages() []Message {
	out := make([]Message, 0, len(p.Fixed)+len(p.Trimmable))
	out = append(out, p.Fixed...)
	return append(out, p.Trimmable...)
}

// ModelProfile describes the token limits of a target model.
type ModelProfile struct {
	ID                       string
	Provider                 string
	ProviderModel            string
	Encoding                 string
	MaxContextTokens         int
	ReservedCompletionTokens int
	TokensPerMessage         int
	ReplyPrimingTokens       int
}

// RetrievedPassage is a knowledge base section returned by ranked retrieval.
type RetrievedPassage struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// ContextBlock is the bounded text assembled from retrieved passages.
type ContextBlock struct {
	Text     string
	Tokens   int
	Included int
}

// ModerationVerdict is the outcome of screening one piece of text.
type ModerationVerdict struct {
	Flagged    bool
	Categories []string
}
