package narrative

import (
	"context"
	"fmt"
	"log/slog"
)

// fallbackNarrator wraps two Narrator implementations. It calls the primary
// first; if that returns an error it logs the failure and tries the secondary.
type fallbackNarrator struct {
	primary   Narrator
	secondary Narrator
	logger    *slog.Logger
}

// NewFallbackNarrator returns a Narrator that calls primary and, on failure,
// falls back to secondary. Either argument may be nil: with no primary it goes
// straight to secondary; with no secondary a primary error is returned
// wrapped. Both nil is a programming error and panics on first use.
func NewFallbackNarrator(primary, secondary Narrator, logger *slog.Logger) Narrator {
	return &fallbackNarrator{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
	}
}

// Narrate tries the primary Narrator. If it fails and a secondary is
// configured, it logs the primary error and tries the secondary.
func (f *fallbackNarrator) Narrate(ctx context.Context, p Prompt) (Narrative, error) {
	if f.primary != nil {
		result, err := f.primary.Narrate(ctx, p)
		if err == nil {
			return result, nil
		}
		f.logger.Warn("narrative: primary narrator failed, trying secondary",
			"error", err,
			"prompt_bytes", len(p.User),
		)
		if f.secondary == nil {
			return Narrative{}, fmt.Errorf("narrative: primary failed and no secondary configured: %w", err)
		}
	}

	return f.secondary.Narrate(ctx, p)
}
