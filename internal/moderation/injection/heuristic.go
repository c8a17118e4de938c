// Package injection flags prompt injection attempts with regex heuristics.
package injection

import (
	"context"

	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/types"
)

// Detection records a matched rule.
type Detection struct {
	RuleName string
	Severity float64
	Category string
	Start    int
	End      int
}

// Checker scores text against the rule set. The block threshold is read on
// every check so config reloads take effect immediately.
type Checker struct {
	rules []Rule
	cfg   func() config.InjectionConfig
}

func New(cfg func() config.InjectionConfig) *Checker {
	return &Checker{rules: DefaultRules(), cfg: cfg}
}

func (c *Checker) Name() string { return "injection" }

// Scan returns every rule match in text.
func (c *Checker) Scan(text string) []Detection {
	var detections []Detection
	for _, r := range c.rules {
		for _, loc := range r.Regex.FindAllStringIndex(text, -1) {
			detections = append(detections, Detection{
				RuleName: r.Name,
				Severity: r.Severity,
				Category: r.Category,
				Start:    loc[0],
				End:      loc[1],
			})
		}
	}
	return detections
}

// Score returns the detections and the highest severity among them.
func (c *Checker) Score(text string) ([]Detection, float64) {
	detections := c.Scan(text)
	score := 0.0
	for _, d := range detections {
		if d.Severity > score {
			score = d.Severity
		}
	}
	return detections, score
}

// Check flags text whose score reaches the block threshold. Categories are
// reported for every detection at or above the threshold.
func (c *Checker) Check(_ context.Context, text string) (types.ModerationVerdict, error) {
	detections, score := c.Score(text)
	threshold := c.cfg().BlockThreshold
	if score < threshold {
		return types.ModerationVerdict{}, nil
	}

	seen := make(map[string]bool)
	var categories []string
	for _, d := range detections {
		if d.Severity < threshold || seen[d.Category] {
			continue
		}
		seen[d.Category] = true
		categories = append(categories, "prompt_injection/"+d.Category)
	}
	return types.ModerationVerdict{Flagged: true, Categories: categories}, nil
}
