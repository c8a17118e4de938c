// Package upstream builds clients for external model providers and maps their
// failures onto the service's error taxonomy.
package upstream

import (
	"errors"
	"net/http"
	"time"

	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/types"
	openai "github.com/sashabaranov/go-openai"
)

// HTTPClient returns a pooled client for a provider. The provider timeout
// bounds the wait for response headers only, so long completion streams are
// not cut off mid-answer; request contexts bound the rest.
func HTTPClient(cfg config.ProviderConfig) *http.Client {
	maxConns := cfg.MaxConcurrent
	if maxConns <= 0 {
		maxConns = 100
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          maxConns,
			MaxIdleConnsPerHost:   maxConns,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
			ForceAttemptHTTP2:     true,
		},
	}
}

// NewOpenAIClient returns a go-openai client for an OpenAI or Azure OpenAI
// provider entry.
func NewOpenAIClient(cfg config.ProviderConfig) *openai.Client {
	var clientCfg openai.ClientConfig
	if cfg.Type == "azure" {
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.APIVersion != "" {
			clientCfg.APIVersion = cfg.APIVersion
		}
	} else {
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
	}
	clientCfg.OrgID = cfg.Organization
	clientCfg.HTTPClient = HTTPClient(cfg)
	return openai.NewClientWithConfig(clientCfg)
}

// FromOpenAI wraps a go-openai error as an UpstreamUnavailableError for
// stage, keeping the HTTP status and provider payload when there is one.
func FromOpenAI(stage types.Stage, err error) *types.UpstreamUnavailableError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &types.UpstreamUnavailableError{
			Stage:      stage,
			StatusCode: apiErr.HTTPStatusCode,
			Payload:    apiErr.Message,
			Err:        err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &types.UpstreamUnavailableError{
			Stage:      stage,
			StatusCode: reqErr.HTTPStatusCode,
			Payload:    string(reqErr.Body),
			Err:        err,
		}
	}
	return types.Upstream(stage, err)
}
