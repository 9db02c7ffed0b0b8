// Package report builds the aggregated report for one survey section: it
// fetches question definitions and runs the response export concurrently,
// folds every respondent into the normalized questions and finalizes them.
package report

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nyashahama/survey-report-backend/internal/aggregate"
	"github.com/nyashahama/survey-report-backend/internal/export"
)

// QuestionSource returns a survey's question definitions.
// *qualtrics.Client satisfies it.
type QuestionSource interface {
	Questions(ctx context.Context, surveyID string) ([]aggregate.Definition, error)
}

// ResponseExporter streams a section's respondent records.
// *export.Exporter satisfies it.
type ResponseExporter interface {
	Run(ctx context.Context, surveyID, filterID string, fn export.RecordFunc) (int, error)
}

// Result is a finalized report plus what the merge had to drop to build it.
type Result struct {
	Report aggregate.Report     `json:"report"`
	Stats  aggregate.MergeStats `json:"mergeStats"`
}

// Builder runs the report pipeline. Each Build call owns its own questions
// and accumulators, so a Builder is safe for concurrent use.
type Builder struct {
	questions QuestionSource
	exporter  ResponseExporter
	logger    *slog.Logger
}

// NewBuilder constructs a Builder.
func NewBuilder(questions QuestionSource, exporter ResponseExporter, logger *slog.Logger) *Builder {
	return &Builder{questions: questions, exporter: exporter, logger: logger}
}

// Build produces the report for surveyID restricted to the filter sectionID.
//
//  1. Fetch definitions and normalize them.
//  2. In parallel, start the export, poll it and download the archive.
//  3. Fold each decoded record into the questions once they are ready.
//  4. Finalize.
//
// Any fatal error cancels the other stage and is returned as-is, so callers
// can map it with apperr.HTTPStatus.
func (b *Builder) Build(ctx context.Context, surveyID, sectionID string) (Result, error) {
	log := b.logger.With("survey_id", surveyID, "section_id", sectionID)

	g, gctx := errgroup.WithContext(ctx)

	var (
		questions []*aggregate.Question
		merger    *aggregate.Merger
		ready     = make(chan struct{})
	)

	// ── 1. Questions ──────────────────────────────────────────────────────────
	g.Go(func() error {
		defs, err := b.questions.Questions(gctx, surveyID)
		if err != nil {
			return fmt.Errorf("report: questions: %w", err)
		}
		questions = aggregate.NormalizeAll(defs, log)
		merger = aggregate.NewMerger(questions, log)
		close(ready)
		return nil
	})

	// ── 2 & 3. Export and merge ───────────────────────────────────────────────
	var respondents int
	g.Go(func() error {
		n, err := b.exporter.Run(gctx, surveyID, sectionID, func(values map[string]any) error {
			select {
			case <-ready:
			case <-gctx.Done():
				return gctx.Err()
			}
			merger.AddRespondent(values)
			return nil
		})
		if err != nil {
			return fmt.Errorf("report: export: %w", err)
		}
		respondents = n
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("report: build failed", "error", err)
		return Result{}, err
	}

	// An export with zero records never waited on ready; the questions stage
	// has still finished because Wait returned without error.

	// ── 4. Finalize ───────────────────────────────────────────────────────────
	stats := merger.Stats()
	log.Info("report: built",
		"questions", len(questions),
		"respondents", respondents,
		"unmatched_answers", stats.UnmatchedAnswers,
		"unmatched_options", stats.UnmatchedOptions,
		"invalid_values", stats.InvalidValues,
	)

	return Result{
		Report: aggregate.Finalize(questions, respondents),
		Stats:  stats,
	}, nil
}
