package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/types"
	"github.com/af-corp/aegis-assistant/internal/upstream"
)

func newTestEmbedder(t *testing.T, handler http.HandlerFunc) *Embedder {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := upstream.NewOpenAIClient(config.ProviderConfig{Type: "openai", BaseURL: server.URL + "/v1", APIKey: "sk-test"})
	return New(client, "", 0)
}

func TestEmbed(t *testing.T) {
	e := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Input) != 1 || req.Input[0] != "how do I enable rls?" {
			t.Errorf("unexpected input %v", req.Input)
		}
		if req.Model != "text-embedding-ada-002" {
			t.Errorf("expected default model, got %q", req.Model)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.25,-0.5,1]}],
			"model":"text-embedding-ada-002","usage":{"prompt_tokens":5,"total_tokens":5}}`)
	})

	vec, err := e.Embed(context.Background(), "how do I enable rls?")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.25 || vec[1] != -0.5 || vec[2] != 1 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestEmbed_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   int
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, http.StatusTooManyRequests},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`, http.StatusInternalServerError},
		{"no data", http.StatusOK, `{"object":"list","data":[]}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := e.Embed(context.Background(), "q")
			var up *types.UpstreamUnavailableError
			if !errors.As(err, &up) {
				t.Fatalf("expected UpstreamUnavailableError, got %v", err)
			}
			if up.Stage != types.StageEmbedding {
				t.Errorf("expected embedding stage, got %s", up.Stage)
			}
			if up.StatusCode != tt.code {
				t.Errorf("expected status %d, got %d", tt.code, up.StatusCode)
			}
		})
	}
}
