// Package moderation screens conversation messages before any paid upstream
// call is made. It fails closed: a checker that cannot answer blocks the
// request just like one that flags it.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/af-corp/aegis-assistant/internal/types"
	"golang.org/x/sync/errgroup"
)

// Checker screens a single piece of text.
type Checker interface {
	Name() string
	Check(ctx context.Context, text string) (types.ModerationVerdict, error)
}

// Moderator fans every message out to every checker concurrently.
type Moderator struct {
	checkers []Checker
	logger   *slog.Logger
}

// New returns a Moderator. At least one checker is required: a moderator that
// checks nothing would silently pass everything.
func New(logger *slog.Logger, checkers ...Checker) (*Moderator, error) {
	if len(checkers) == 0 {
		return nil, errors.New("moderation: no checkers configured")
	}
	return &Moderator{checkers: checkers, logger: logger}, nil
}

// Checkers returns the names of the configured checkers.
func (m *Moderator) Checkers() []string {
	names := make([]string, len(m.checkers))
	for i, c := range m.checkers {
		names[i] = c.Name()
	}
	return names
}

var errFlagged = errors.New("flagged")

// Screen checks every message. It returns a *types.ContentPolicyError if any
// check flags content, and a *types.UpstreamUnavailableError if any checker
// fails. The first flag cancels checks still in flight; their results are
// discarded.
func (m *Moderator) Screen(ctx context.Context, conv []types.Message) error {
	g, gctx := errgroup.WithContext(ctx)

	var (
		mu      sync.Mutex
		flagged []types.FlaggedMessage
	)

	for i, msg := range conv {
		for _, c := range m.checkers {
			g.Go(func() error {
				verdict, err := c.Check(gctx, msg.Content)
				if err != nil {
					return checkerError(c.Name(), err)
				}
				if !verdict.Flagged {
					return nil
				}
				mu.Lock()
				flagged = append(flagged, types.FlaggedMessage{
					Index:      i,
					Checker:    c.Name(),
					Categories: verdict.Categories,
				})
				mu.Unlock()
				return errFlagged
			})
		}
	}

	err := g.Wait()

	if len(flagged) > 0 {
		sort.Slice(flagged, func(a, b int) bool {
			if flagged[a].Index != flagged[b].Index {
				return flagged[a].Index < flagged[b].Index
			}
			return flagged[a].Checker < flagged[b].Checker
		})
		m.logger.Warn("conversation flagged by moderation", "flagged_messages", len(flagged))
		return &types.ContentPolicyError{Flagged: flagged}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		m.logger.Error("moderation check failed", "error", err)
		return err
	}
	return nil
}

func checkerError(name string, err error) error {
	var upstream *types.UpstreamUnavailableError
	if errors.As(err, &upstream) {
		return upstream
	}
	return types.Upstream(types.StageModeration, fmt.Errorf("%s: %w", name, err))
}
