// Package gateway exposes the assistant flows over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/af-corp/aegis-assistant/internal/assistant"
	"github.com/af-corp/aegis-assistant/internal/completion"
	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/httputil"
	"github.com/af-corp/aegis-assistant/internal/router"
	"github.com/af-corp/aegis-assistant/internal/telemetry"
	"github.com/af-corp/aegis-assistant/internal/types"
)

// Assistant runs the chat flows.
type Assistant interface {
	PolicyChat(ctx context.Context, conv []types.Message, pc assistant.PolicyContext) (*completion.Stream, error)
	QueryChat(ctx context.Context, conv []types.Message, qc assistant.QueryContext) (*completion.Stream, error)
	RetrievalChat(ctx context.Context, conv []types.Message, source string) (*completion.Stream, error)
}

// UsageRecorder is told how many prompt tokens each opened stream cost.
type UsageRecorder interface {
	Record(ctx context.Context, r *http.Request, promptTokens int)
}

// HandlerOptions wires the Handler. Models and Providers may be nil.
type HandlerOptions struct {
	Assistant Assistant
	Settings  func() *config.Config
	Models    func() []types.ModelProfile
	Providers func() []router.ProviderState
	Usage     UsageRecorder
	Version   string
	Logger    *slog.Logger
}

// Handler holds dependencies for the assistant HTTP handlers.
type Handler struct {
	assistant Assistant
	settings  func() *config.Config
	models    func() []types.ModelProfile
	providers func() []router.ProviderState
	usage     UsageRecorder
	version   string
	logger    *slog.Logger
}

func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		assistant: opts.Assistant,
		settings:  opts.Settings,
		models:    opts.Models,
		providers: opts.Providers,
		usage:     opts.Usage,
		version:   opts.Version,
		logger:    opts.Logger,
	}
	if h.settings == nil {
		defaults := config.DefaultConfig()
		h.settings = func() *config.Config { return defaults }
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type policyRequest struct {
	Messages       []wireMessage `json:"messages"`
	Schema         string        `json:"schema,omitempty"`
	ExistingPolicy string        `json:"existing_policy,omitempty"`
}

type queryRequest struct {
	Messages      []wireMessage `json:"messages"`
	ExistingQuery string        `json:"existing_query,omitempty"`
	Schema        string        `json:"schema,omitempty"`
}

type docsRequest struct {
	Messages []wireMessage `json:"messages"`
	Source   string        `json:"source,omitempty"`
}

// conversation converts wire messages, rejecting roles the service does not
// know. Known but non-conversational roles are left for the service to
// reject.
func conversation(msgs []wireMessage) ([]types.Message, error) {
	if len(msgs) == 0 {
		return nil, errors.New("messages is required")
	}
	conv := make([]types.Message, len(msgs))
	for i, m := range msgs {
		role, ok := types.ParseRole(m.Role)
		if !ok {
			return nil, &types.InvalidRoleError{Index: i, Role: m.Role}
		}
		conv[i] = types.Message{Role: role, Content: m.Content}
	}
	return conv, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	reqID := telemetry.RequestID(r.Context())
	if limit := h.settings().Server.MaxBodyBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, reqID, http.StatusRequestEntityTooLarge, "invalid_request_error", "request_too_large",
				fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

// Policy handles POST /v1/assist/policy
func (h *Handler) Policy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv, err := conversation(req.Messages)
	if err != nil {
		h.writeRequestError(w, r, err)
		return
	}
	stream, err := h.assistant.PolicyChat(r.Context(), conv, assistant.PolicyContext{
		Schema:         req.Schema,
		ExistingPolicy: req.ExistingPolicy,
	})
	h.respond(w, r, stream, err)
}

// Query handles POST /v1/assist/sql
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv, err := conversation(req.Messages)
	if err != nil {
		h.writeRequestError(w, r, err)
		return
	}
	stream, err := h.assistant.QueryChat(r.Context(), conv, assistant.QueryContext{
		ExistingQuery: req.ExistingQuery,
		Schema:        req.Schema,
	})
	h.respond(w, r, stream, err)
}

// Docs handles POST /v1/assist/docs
func (h *Handler) Docs(w http.ResponseWriter, r *http.Request) {
	var req docsRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv, err := conversation(req.Messages)
	if err != nil {
		h.writeRequestError(w, r, err)
		return
	}
	stream, err := h.assistant.RetrievalChat(r.Context(), conv, req.Source)
	h.respond(w, r, stream, err)
}

func (h *Handler) writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := telemetry.RequestID(r.Context())
	var roleErr *types.InvalidRoleError
	if errors.As(err, &roleErr) {
		httputil.WriteServiceError(w, reqID, err)
		return
	}
	httputil.WriteBadRequestError(w, reqID, err.Error())
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, stream *completion.Stream, err error) {
	reqID := telemetry.RequestID(r.Context())
	if err != nil {
		httputil.WriteServiceError(w, reqID, err)
		return
	}
	defer stream.Body.Close()

	if h.usage != nil {
		h.usage.Record(r.Context(), r, stream.PromptTokens)
	}

	switch stream.Format {
	case completion.FormatSSE:
		h.streamSSE(w, r, stream)
	default:
		h.streamText(w, r, stream.Text())
	}
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models := []modelObject{}
	if h.models != nil {
		for _, p := range h.models() {
			models = append(models, modelObject{
				ID:                       p.ID,
				Object:                   "model",
				OwnedBy:                  p.Provider,
				ContextWindow:            p.MaxContextTokens,
				ReservedCompletionTokens: p.ReservedCompletionTokens,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(modelListResponse{
		Object: "list",
		Data:   models,
	})
}

type modelObject struct {
	ID                       string `json:"id"`
	Object                   string `json:"object"`
	OwnedBy                  string `json:"owned_by"`
	ContextWindow            int    `json:"context_window"`
	ReservedCompletionTokens int    `json:"reserved_completion_tokens"`
}

type modelListResponse struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Providers []router.ProviderState `json:"providers"`
}

// Health handles GET /health. The service reports degraded while any
// provider circuit is open but still answers 200 so it is not restarted.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Version: h.version, Providers: []router.ProviderState{}}
	if h.providers != nil {
		resp.Providers = h.providers()
	}
	for _, p := range resp.Providers {
		if p.State == router.StateOpen.String() {
			resp.Status = "degraded"
			break
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
