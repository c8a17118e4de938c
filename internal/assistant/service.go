// Package assistant runs the three chat flows: policy and query drafting,
// which send the conversation as-is, and documentation chat, which screens,
// retrieves, trims, and then streams.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/af-corp/aegis-assistant/internal/budget"
	"github.com/af-corp/aegis-assistant/internal/completion"
	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/prompt"
	"github.com/af-corp/aegis-assistant/internal/retrieval"
	"github.com/af-corp/aegis-assistant/internal/telemetry"
	"github.com/af-corp/aegis-assistant/internal/tokenizer"
	"github.com/af-corp/aegis-assistant/internal/types"
)

// Screener rejects conversations that moderation flags.
type Screener interface {
	Screen(ctx context.Context, conv []types.Message) error
}

// Retriever finds knowledge base passages for the latest user message.
type Retriever interface {
	Retrieve(ctx context.Context, conv []types.Message, source string) ([]types.RetrievedPassage, error)
}

// Fitter trims a prompt plan to a model's context window.
type Fitter interface {
	Fit(plan types.PromptPlan, model string) (budget.Result, error)
}

// Transports resolves the completion transport for a provider.
type Transports interface {
	Get(provider string) (completion.Transport, bool)
}

// Profiles resolves model profiles.
type Profiles interface {
	Profile(model string) (types.ModelProfile, error)
}

// Models bundles the tables derived from models.yaml. A reload swaps the
// whole bundle; a request uses the bundle it started with.
type Models struct {
	Profiles Profiles
	Counter  tokenizer.Counter
	Budget   Fitter
}

// PolicyContext grounds a policy drafting conversation.
type PolicyContext struct {
	Schema         string
	ExistingPolicy string
}

// QueryContext grounds a query drafting conversation.
type QueryContext struct {
	ExistingQuery string
	Schema        string
}

type Options struct {
	Moderator    Screener
	Retriever    Retriever
	Transports   Transports
	Models       *Models
	Instructions *prompt.Instructions
	// Settings returns the current configuration.
	Settings func() *config.Config
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

type Service struct {
	moderator    Screener
	retriever    Retriever
	transports   Transports
	models       atomic.Pointer[Models]
	instructions atomic.Pointer[prompt.Instructions]
	settings     func() *config.Config
	metrics      *telemetry.Metrics
	logger       *slog.Logger
}

func New(opts Options) (*Service, error) {
	if opts.Moderator == nil || opts.Retriever == nil || opts.Transports == nil || opts.Models == nil {
		return nil, errors.New("assistant: moderator, retriever, transports and models are required")
	}
	s := &Service{
		moderator:  opts.Moderator,
		retriever:  opts.Retriever,
		transports: opts.Transports,
		settings:   opts.Settings,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	if s.settings == nil {
		defaults := config.DefaultConfig()
		s.settings = func() *config.Config { return defaults }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	instr := opts.Instructions
	if instr == nil {
		instr = prompt.DefaultInstructions()
	}
	s.models.Store(opts.Models)
	s.instructions.Store(instr)
	return s, nil
}

// SetModels installs a new model table bundle.
func (s *Service) SetModels(m *Models) { s.models.Store(m) }

// SetInstructions installs a new instruction set.
func (s *Service) SetInstructions(in *prompt.Instructions) { s.instructions.Store(in) }

// report is what one request logs and records once it is done.
type report struct {
	flow     prompt.Flow
	model    string
	source   string
	removed  int
	tokens   int
	passages int
	started  time.Time
}

// PolicyChat streams a reply for a policy drafting conversation. The
// conversation is sent untrimmed; an oversized one surfaces as the
// provider's ContextLengthError.
func (s *Service) PolicyChat(ctx context.Context, conv []types.Message, pc PolicyContext) (*completion.Stream, error) {
	return s.draftChat(ctx, prompt.FlowPolicy, s.settings().Flows.Policy.Model, conv, prompt.Context{
		Schema:     pc.Schema,
		Draft:      pc.ExistingPolicy,
		DraftLabel: "existing policy",
	})
}

// QueryChat streams a reply for a SQL drafting conversation.
func (s *Service) QueryChat(ctx context.Context, conv []types.Message, qc QueryContext) (*completion.Stream, error) {
	return s.draftChat(ctx, prompt.FlowQuery, s.settings().Flows.Query.Model, conv, prompt.Context{
		Schema:     qc.Schema,
		Draft:      qc.ExistingQuery,
		DraftLabel: "existing query",
	})
}

func (s *Service) draftChat(ctx context.Context, flow prompt.Flow, model string, conv []types.Message, pctx prompt.Context) (stream *completion.Stream, err error) {
	rep := &report{flow: flow, model: model, started: time.Now()}
	defer func() { s.finish(ctx, rep, err) }()

	models := s.models.Load()
	instructions, err := s.instructions.Load().For(flow)
	if err != nil {
		return nil, err
	}
	plan, err := prompt.Build(instructions, pctx, conv)
	if err != nil {
		return nil, err
	}
	if _, ok := types.LastUserMessage(conv); !ok {
		return nil, types.ErrNoUserMessage
	}
	messages := plan.Messages()
	if rep.tokens, err = models.Counter.Count(messages, model); err != nil {
		return nil, fmt.Errorf("count prompt: %w", err)
	}
	return s.open(ctx, models, model, messages, rep.tokens)
}

// RetrievalChat answers the latest user message from the knowledge base.
// Steps run in order and each failure stops the pipeline: validation,
// moderation of every message, retrieval, context assembly, prompt
// assembly, trimming, and finally the completion request.
func (s *Service) RetrievalChat(ctx context.Context, conv []types.Message, source string) (stream *completion.Stream, err error) {
	cfg := s.settings()
	if source == "" {
		source = cfg.Retrieval.DefaultSource
	}
	model := cfg.Flows.Retrieval.Model
	rep := &report{flow: prompt.FlowRetrieval, model: model, source: source, started: time.Now()}
	defer func() { s.finish(ctx, rep, err) }()

	if err := types.ValidateConversation(conv); err != nil {
		return nil, err
	}
	if _, ok := types.LastUserMessage(conv); !ok {
		return nil, types.ErrNoUserMessage
	}

	if err := s.moderator.Screen(ctx, conv); err != nil {
		return nil, err
	}

	passages, err := s.retriever.Retrieve(ctx, conv, source)
	if err != nil {
		return nil, err
	}

	models := s.models.Load()
	block, err := retrieval.Assemble(passages, models.Counter, model, cfg.Retrieval.ContextTokenCap)
	if err != nil {
		return nil, err
	}
	rep.passages = block.Included

	plan, err := prompt.BuildRetrieval(s.instructions.Load(), block, conv)
	if err != nil {
		return nil, err
	}
	fitted, err := models.Budget.Fit(plan, model)
	if err != nil {
		return nil, err
	}
	rep.removed = fitted.Removed
	rep.tokens = fitted.PromptTokens

	return s.open(ctx, models, model, fitted.Messages, rep.tokens)
}

func (s *Service) open(ctx context.Context, models *Models, model string, messages []types.Message, promptTokens int) (*completion.Stream, error) {
	profile, err := models.Profiles.Profile(model)
	if err != nil {
		return nil, err
	}
	transport, ok := s.transports.Get(profile.Provider)
	if !ok {
		return nil, fmt.Errorf("no completion provider %q configured for model %s", profile.Provider, model)
	}

	cc := s.settings().Completion
	maxTokens := cc.MaxTokens
	if r := profile.ReservedCompletionTokens; r > 0 && (maxTokens <= 0 || r < maxTokens) {
		maxTokens = r
	}
	stream, err := transport.Open(ctx, types.ChatRequest{
		Model:       profile.ProviderModel,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: cc.Temperature,
	})
	if err != nil {
		return nil, err
	}
	stream.PromptTokens = promptTokens
	return stream, nil
}

func (s *Service) finish(ctx context.Context, rep *report, err error) {
	status := outcome(err)
	s.metrics.RecordRequest(telemetry.RequestLabels{
		Flow:            string(rep.flow),
		Model:           rep.model,
		Status:          status,
		DurationMs:      float64(time.Since(rep.started).Milliseconds()),
		PromptTokens:    rep.tokens,
		RemovedMessages: rep.removed,
	})

	attrs := []any{
		"request_id", telemetry.RequestID(ctx),
		"flow", rep.flow,
		"model", rep.model,
		"instructions_version", s.instructions.Load().Version,
		"removed_messages", rep.removed,
		"prompt_tokens", rep.tokens,
		"status", status,
	}
	if rep.flow == prompt.FlowRetrieval {
		attrs = append(attrs, "source", rep.source, "passages", rep.passages)
		if err == nil || rep.passages > 0 {
			s.metrics.RecordPassages(rep.source, rep.passages)
		}
	}

	var (
		policy *types.ContentPolicyError
		up     *types.UpstreamUnavailableError
	)
	switch {
	case err == nil:
		s.logger.Info("assistant request", attrs...)
	case errors.As(err, &policy):
		for _, f := range policy.Flagged {
			for _, c := range f.Categories {
				s.metrics.RecordFlagged(f.Checker, c)
			}
		}
		s.logger.Warn("assistant request blocked", append(attrs, "categories", policy.Categories())...)
	case errors.As(err, &up):
		s.metrics.RecordUpstreamError(string(up.Stage))
		s.logger.Error("assistant request failed", append(attrs, "stage", up.Stage, "error", err)...)
	default:
		s.logger.Warn("assistant request failed", append(attrs, "error", err)...)
	}
}

func outcome(err error) string {
	var (
		invalidRole *types.InvalidRoleError
		policy      *types.ContentPolicyError
		ctxLen      *types.ContextLengthError
		up          *types.UpstreamUnavailableError
		budgetErr   *types.BudgetError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &invalidRole), errors.Is(err, types.ErrNoUserMessage):
		return "invalid_request"
	case errors.As(err, &policy):
		return "content_blocked"
	case errors.As(err, &ctxLen):
		return "context_length_exceeded"
	case errors.As(err, &up):
		return "upstream_unavailable"
	case errors.As(err, &budgetErr):
		return "budget"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
