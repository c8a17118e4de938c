// Package budget fits a prompt into a model's context window by evicting the
// oldest conversation turns.
package budget

import (
	"fmt"

	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/tokenizer"
	"github.com/af-corp/aegis-assistant/internal/types"
)

// Profiles resolves the completion allowance reserved for a model.
type Profiles interface {
	Profile(model string) (types.ModelProfile, error)
}

// Manager trims PromptPlans. It holds only read-only collaborators.
type Manager struct {
	counter     tokenizer.Counter
	profiles    Profiles
	onExhausted string
}

func NewManager(counter tokenizer.Counter, profiles Profiles, onExhausted string) *Manager {
	if onExhausted == "" {
		onExhausted = config.OnExhaustedProceed
	}
	return &Manager{counter: counter, profiles: profiles, onExhausted: onExhausted}
}

// Result is a fitted prompt.
type Result struct {
	Messages []types.Message
	// Removed is the number of conversation turns evicted from the front.
	Removed      int
	PromptTokens int
	// Total is PromptTokens plus the reserved completion allowance.
	Total int
}

// Fit evicts trimmable messages oldest first, recounting the whole remaining
// prompt after every removal, until prompt plus reserved completion tokens is
// below the model's context window. The fixed block is never touched; if it
// cannot fit on its own a *types.BudgetError is returned.
func (m *Manager) Fit(plan types.PromptPlan, model string) (Result, error) {
	profile, err := m.profiles.Profile(model)
	if err != nil {
		return Result{}, fmt.Errorf("resolve model profile: %w", err)
	}
	maxContext, err := m.counter.MaxContext(model)
	if err != nil {
		return Result{}, fmt.Errorf("resolve context window: %w", err)
	}
	reserved := profile.ReservedCompletionTokens

	fixedTokens, err := m.counter.Count(plan.Fixed, model)
	if err != nil {
		return Result{}, fmt.Errorf("count fixed messages: %w", err)
	}
	if fixedTokens+reserved >= maxContext {
		return Result{}, &types.BudgetError{
			Model:       model,
			FixedTokens: fixedTokens,
			Reserved:    reserved,
			MaxContext:  maxContext,
		}
	}

	trimmable := plan.Trimmable
	removed := 0
	promptTokens, err := m.counter.Count(join(plan.Fixed, trimmable), model)
	if err != nil {
		return Result{}, fmt.Errorf("count prompt: %w", err)
	}
	for promptTokens+reserved >= maxContext && len(trimmable) > 0 {
		trimmable = trimmable[1:]
		removed++
		promptTokens, err = m.counter.Count(join(plan.Fixed, trimmable), model)
		if err != nil {
			return Result{}, fmt.Errorf("count prompt: %w", err)
		}
	}

	if removed > 0 && len(trimmable) == 0 && m.onExhausted == config.OnExhaustedFail {
		return Result{}, &types.BudgetError{
			Model:       model,
			FixedTokens: fixedTokens,
			Reserved:    reserved,
			MaxContext:  maxContext,
			Exhausted:   true,
		}
	}

	return Result{
		Messages:     join(plan.Fixed, trimmable),
		Removed:      removed,
		PromptTokens: promptTokens,
		Total:        promptTokens + reserved,
	}, nil
}

func join(fixed, trimmable []types.Message) []types.Message {
	return types.PromptPlan{Fixed: fixed, Trimmable: trimmable}.Messages()
}
