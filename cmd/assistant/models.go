package main

import (
	"fmt"

	"github.com/af-corp/aegis-assistant/internal/assistant"
	"github.com/af-corp/aegis-assistant/internal/budget"
	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/tokenizer"
)

// buildModels derives the profile table, tokenizer and budget manager from
// models.yaml. The result is immutable; a reload builds a new one.
func buildModels(cfg *config.ModelsConfig, onExhausted string) (*assistant.Models, *tokenizer.ProfileTable, error) {
	profiles, err := tokenizer.NewProfileTable(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build model profiles: %w", err)
	}
	counter, err := tokenizer.New(profiles)
	if err != nil {
		return nil, nil, fmt.Errorf("build tokenizer: %w", err)
	}
	return &assistant.Models{
		Profiles: profiles,
		Counter:  counter,
		Budget:   budget.NewManager(counter, profiles, onExhausted),
	}, profiles, nil
}
