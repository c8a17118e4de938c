// Package secrets flags messages that contain credentials.
package secrets

import (
	"context"

	"github.com/af-corp/aegis-assistant/internal/types"
)

// Detection is one matched credential.
type Detection struct {
	PatternID string
	Start     int
	End       int
}

// Checker scans text locally; it never fails.
type Checker struct {
	patterns []Pattern
}

func New() *Checker {
	return &Checker{patterns: DefaultPatterns()}
}

func (c *Checker) Name() string { return "secrets" }

// Scan returns every credential match in text.
func (c *Checker) Scan(text string) []Detection {
	var detections []Detection
	for _, p := range c.patterns {
		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			detections = append(detections, Detection{PatternID: p.ID, Start: loc[0], End: loc[1]})
		}
	}
	return detections
}

// Check flags text containing any credential, one category per pattern.
func (c *Checker) Check(_ context.Context, text string) (types.ModerationVerdict, error) {
	detections := c.Scan(text)
	if len(detections) == 0 {
		return types.ModerationVerdict{}, nil
	}
	seen := make(map[string]bool)
	var categories []string
	for _, d := range detections {
		if !seen[d.PatternID] {
			seen[d.PatternID] = true
			categories = append(categories, "secrets/"+d.PatternID)
		}
	}
	return types.ModerationVerdict{Flagged: true, Categories: categories}, nil
}
