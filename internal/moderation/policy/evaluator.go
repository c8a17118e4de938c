// Package policy screens messages against organisation content rules written
// in Rego. Rules live in package assistant.moderation and add reasons to a
// deny set; each reason becomes a moderation category.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/types"
	"github.com/open-policy-agent/opa/rego"
)

const denyQuery = "data.assistant.moderation.deny"

// Input is the document rules evaluate as input.
type Input struct {
	Text   string `json:"text"`
	Length int    `json:"length"`
	Lines  int    `json:"lines"`
}

// ErrNoPolicies is returned by Check until policies are loaded.
var ErrNoPolicies = errors.New("no moderation policies loaded")

// Checker evaluates prepared Rego rules. Load may be called again on config
// reload; in-flight checks keep the query they started with.
type Checker struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      func() config.RegoModerationConfig
}

func New(cfg func() config.RegoModerationConfig) *Checker {
	return &Checker{cfg: cfg}
}

func (c *Checker) Name() string { return "policy" }

// Load compiles every .rego file in the configured bundle directory.
func (c *Checker) Load(ctx context.Context) error {
	dir := c.cfg().BundlePath
	modules, err := loadFiles(dir)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		slog.Warn("no rego files found", "path", dir)
		return nil
	}
	if err := c.LoadModules(ctx, modules); err != nil {
		return err
	}
	slog.Info("moderation policies loaded", "path", dir, "modules", len(modules))
	return nil
}

// LoadModules compiles the given module sources keyed by file name.
func (c *Checker) LoadModules(ctx context.Context, modules map[string]string) error {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(denyQuery)}
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	c.mu.Lock()
	c.prepared = &prepared
	c.mu.Unlock()
	return nil
}

// Check evaluates the deny set for text. Evaluation failures, including no
// policies being loaded, are returned as errors so the moderator fails
// closed.
func (c *Checker) Check(ctx context.Context, text string) (types.ModerationVerdict, error) {
	c.mu.RLock()
	prepared := c.prepared
	c.mu.RUnlock()
	if prepared == nil {
		return types.ModerationVerdict{}, ErrNoPolicies
	}

	timeout := c.cfg().EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input := Input{
		Text:   text,
		Length: utf8.RuneCountInString(text),
		Lines:  strings.Count(text, "\n") + 1,
	}
	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return types.ModerationVerdict{}, fmt.Errorf("evaluate moderation policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return types.ModerationVerdict{}, errors.New("moderation policy is undefined")
	}

	reasons, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return types.ModerationVerdict{}, fmt.Errorf("unexpected deny result %T", results[0].Expressions[0].Value)
	}
	if len(reasons) == 0 {
		return types.ModerationVerdict{}, nil
	}

	categories := make([]string, 0, len(reasons))
	for _, r := range reasons {
		categories = append(categories, "policy/"+fmt.Sprint(r))
	}
	sort.Strings(categories)
	return types.ModerationVerdict{Flagged: true, Categories: categories}, nil
}

func loadFiles(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	modules := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		modules[entry.Name()] = string(data)
	}
	return modules, nil
}
