package config

// ModelsConfig is the static model profile table loaded from models.yaml.
type ModelsConfig struct {
	Models map[string]ModelProfileConfig `yaml:"models"`
}

type ModelProfileConfig struct {
	DisplayName string `yaml:"display_name"`
	Provider    string `yaml:"provider"`
	// Model is the provider-side model name; defaults to the profile key.
	Model                    string `yaml:"model,omitempty"`
	Encoding                 string `yaml:"encoding"`
	MaxContextTokens         int    `yaml:"max_context_tokens"`
	ReservedCompletionTokens int    `yaml:"reserved_completion_tokens"`
	TokensPerMessage         int    `yaml:"tokens_per_message,omitempty"`
	ReplyPrimingTokens       int    `yaml:"reply_priming_tokens,omitempty"`
}
