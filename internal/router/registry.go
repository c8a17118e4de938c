package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/af-corp/aegis-assistant/internal/completion"
	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/router/adapters"
	"github.com/af-corp/aegis-assistant/internal/types"
	"github.com/af-corp/aegis-assistant/internal/upstream"
)

// ErrCircuitOpen is wrapped by errors for providers whose circuit is open.
var ErrCircuitOpen = errors.New("circuit open")

// Registry maps provider names to completion transports, each guarded by
// the provider's circuit breaker.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]completion.Transport
	health     *HealthTracker
}

func NewRegistry(health *HealthTracker) *Registry {
	return &Registry{
		transports: make(map[string]completion.Transport),
		health:     health,
	}
}

func (r *Registry) Register(name string, t completion.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = r.guard(name, t)
}

// Replace swaps in a new provider set, as on a config reload.
func (r *Registry) Replace(transports map[string]completion.Transport) {
	guarded := make(map[string]completion.Transport, len(transports))
	for name, t := range transports {
		guarded[name] = r.guard(name, t)
	}
	r.mu.Lock()
	r.transports = guarded
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (completion.Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Health() *HealthTracker { return r.health }

func (r *Registry) guard(name string, t completion.Transport) completion.Transport {
	return &guardedTransport{name: name, next: t, breaker: r.health.Breaker(name)}
}

type guardedTransport struct {
	name    string
	next    completion.Transport
	breaker *CircuitBreaker
}

// Open refuses without a network call while the circuit is open. A context
// window rejection proves the provider is up and counts as a success;
// cancellation by the caller is not counted either way.
func (g *guardedTransport) Open(ctx context.Context, req types.ChatRequest) (*completion.Stream, error) {
	if !g.breaker.Allow() {
		return nil, types.Upstream(types.StageCompletion, fmt.Errorf("provider %s: %w", g.name, ErrCircuitOpen))
	}

	stream, err := g.next.Open(ctx, req)
	if err != nil {
		var cl *types.ContextLengthError
		switch {
		case errors.As(err, &cl):
			g.breaker.RecordSuccess()
		case ctx.Err() != nil:
		default:
			g.breaker.RecordFailure()
			slog.Warn("completion provider failure", "provider", g.name, "state", g.breaker.State().String(), "error", err)
		}
		return nil, err
	}
	g.breaker.RecordSuccess()
	return stream, nil
}

// BuildTransports creates a transport per configured provider. Anthropic
// providers always use the raw adapter transport and Azure the SDK; other
// OpenAI-compatible providers follow mode ("sdk" or "raw").
func BuildTransports(provCfg *config.ProvidersConfig, mode string) map[string]completion.Transport {
	out := make(map[string]completion.Transport, len(provCfg.Providers))
	for name, cfg := range provCfg.Providers {
		switch {
		case cfg.Type == "anthropic":
			out[name] = completion.NewRawTransport(name, adapters.NewAnthropicAdapter(cfg, upstream.HTTPClient(cfg)))
		case cfg.Type == "azure" || mode != "raw":
			out[name] = completion.NewSDKTransport(name, upstream.NewOpenAIClient(cfg))
		default:
			out[name] = completion.NewRawTransport(name, adapters.NewOpenAIAdapter(cfg, upstream.HTTPClient(cfg)))
		}
	}
	return out
}

// BuildFromConfig builds a registry from the providers config.
func BuildFromConfig(provCfg *config.ProvidersConfig, mode string, health *HealthTracker) *Registry {
	registry := NewRegistry(health)
	registry.Replace(BuildTransports(provCfg, mode))
	return registry
}
