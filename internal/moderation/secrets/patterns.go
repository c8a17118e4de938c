package secrets

import "regexp"

// Pattern is a credential format that must never be forwarded to a model
// provider.
type Pattern struct {
	ID    string
	Regex *regexp.Regexp
}

// DefaultPatterns returns the built-in credential formats.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{ID: "aws_access_key", Regex: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
		{ID: "gcp_service_account_key", Regex: regexp.MustCompile(`"private_key":\s*"-----BEGIN`)},
		{ID: "github_token", Regex: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,}`)},
		{ID: "stripe_secret_key", Regex: regexp.MustCompile(`sk_live_[A-Za-z0-9]{24,}`)},
		{ID: "openai_api_key", Regex: regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_\-]{32,}`)},
		{ID: "private_key", Regex: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
		// Only URLs that embed a password; bare hosts are common in schema questions.
		{ID: "connection_string", Regex: regexp.MustCompile(`(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis)://[^\s:@/]+:[^\s@/]+@\S+`)},
		{ID: "jwt", Regex: regexp.MustCompile(`eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`)},
	}
}
