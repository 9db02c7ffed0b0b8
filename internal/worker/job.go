package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nyashahama/survey-report-backend/internal/db"
	"github.com/nyashahama/survey-report-backend/internal/email"
	"github.com/nyashahama/survey-report-backend/internal/render"
	"github.com/nyashahama/survey-report-backend/internal/report"
	"github.com/nyashahama/survey-report-backend/internal/store"
)

// RunStore is the slice of *store.Store the worker writes through.
type RunStore interface {
	ClaimRun(ctx context.Context, runID uuid.UUID, lease time.Duration) (db.ReportRun, error)
	ReleaseRun(ctx context.Context, runID uuid.UUID) error
	CompleteRun(ctx context.Context, p store.CompleteRunParams) (db.ReportRun, error)
	MarkRunFailed(ctx context.Context, runID uuid.UUID, reason string) (db.ReportRun, error)
}

// ReportBuilder runs the questions ∥ export → merge → finalize pipeline.
type ReportBuilder interface {
	Build(ctx context.Context, surveyID, sectionID string) (report.Result, error)
}

// PDFRenderer compiles the raw report PDF.
type PDFRenderer interface {
	RawPDF(ctx context.Context, doc render.Document) ([]byte, error)
}

// Notifier announces runs that reached a terminal state.
type Notifier interface {
	SendRunFinished(ctx context.Context, p email.RunFinishedParams) error
}

// Job holds the dependencies for one report run. Each step is a separate
// section so Run reads top to bottom.
type Job struct {
	store    RunStore
	builder  ReportBuilder
	renderer PDFRenderer // nil disables PDF artifacts
	notifier Notifier    // nil disables run emails
	dir      string      // artifacts go to dir/runs/{id}.pdf
	lease    time.Duration
	logger   *slog.Logger
}

// NewJob constructs a Job with all required dependencies.
func NewJob(
	st RunStore,
	builder ReportBuilder,
	renderer PDFRenderer,
	notifier Notifier,
	dir string,
	logger *slog.Logger,
) *Job {
	return &Job{
		store:    st,
		builder:  builder,
		renderer: renderer,
		notifier: notifier,
		dir:      dir,
		lease:    DefaultRunnerConfig().JobTimeout,
		logger:   logger,
	}
}

// Run executes the pipeline for a single run:
//
//  1. Claim the run (status=processing). A run another worker holds is
//     skipped.
//  2. Build the finalized report.
//  3. Render the raw PDF into the artifacts directory.
//  4. Store the snapshot and PDF path.
//  5. Email the recipients (best-effort).
//
// Any error is returned to the Runner, which retries up to MaxRetries times
// before calling MarkRunFailed.
func (j *Job) Run(ctx context.Context, runID uuid.UUID) error {
	log := j.logger.With("run_id", runID)
	log.Info("job: starting")

	// ── 1. Claim ──────────────────────────────────────────────────────────────
	run, err := j.store.ClaimRun(ctx, runID, j.lease)
	if errors.Is(err, store.ErrRunFinished) {
		log.Debug("job: run already finished", "status", run.Status)
		return nil
	}
	if errors.Is(err, store.ErrRunClaimed) {
		log.Debug("job: run claimed by another worker")
		return nil
	}
	if err != nil {
		return fmt.Errorf("job: claim run: %w", err)
	}
	log = log.With("survey_id", run.SurveyID, "section_id", run.SectionID, "attempt", run.Attempts)

	// ── 2. Build the report ───────────────────────────────────────────────────
	res, err := j.builder.Build(ctx, run.SurveyID, run.SectionID)
	if err != nil {
		return fmt.Errorf("job: build report: %w", err)
	}

	log.Debug("job: report built",
		"total_responses", res.Report.TotalResponses,
		"questions", len(res.Report.Questions),
	)

	// ── 3. Render the PDF ─────────────────────────────────────────────────────
	// Rendering failures are non-fatal: the snapshot is still worth keeping
	// and can be rendered again from the data endpoint.
	pdfPath := ""
	if j.renderer != nil {
		pdfPath, err = j.writePDF(ctx, run, res)
		if err != nil {
			log.Warn("job: PDF rendering failed, storing snapshot only", "error", err)
			pdfPath = ""
		}
	}

	// ── 4. Persist ────────────────────────────────────────────────────────────
	done, err := j.store.CompleteRun(ctx, store.CompleteRunParams{
		RunID:   runID,
		Report:  res.Report,
		PDFPath: pdfPath,
	})
	if errors.Is(err, store.ErrRunFinished) {
		log.Warn("job: run finished elsewhere, result dropped", "status", done.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("job: complete run: %w", err)
	}

	log.Info("job: run complete", "pdf_path", pdfPath)

	// ── 5. Notify ─────────────────────────────────────────────────────────────
	// Email failure never fails the run; the result is already stored.
	j.notify(ctx, done, "", log)
	return nil
}

// notify sends the finished-run email when a Notifier is configured.
func (j *Job) notify(ctx context.Context, run db.ReportRun, reason string, log *slog.Logger) {
	if j.notifier == nil {
		return
	}
	err := j.notifier.SendRunFinished(ctx, email.RunFinishedParams{
		RunID:          run.ID.String(),
		SurveyID:       run.SurveyID,
		SectionID:      run.SectionID,
		Failed:         run.Status == db.RunStatusFailed,
		TotalResponses: int(run.TotalResponses.Int32),
		HasPDF:         run.PdfPath.Valid && run.PdfPath.String != "",
		Reason:         reason,
	})
	if err != nil {
		log.Warn("job: notification failed", "error", err)
	}
}

func (j *Job) writePDF(ctx context.Context, run db.ReportRun, res report.Result) (string, error) {
	pdf, err := j.renderer.RawPDF(ctx, render.Document{
		SurveyID:  run.SurveyID,
		SectionID: run.SectionID,
		Report:    res.Report,
	})
	if err != nil {
		return "", err
	}

	dir := filepath.Join(j.dir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("job: create artifacts dir: %w", err)
	}
	path := filepath.Join(dir, run.ID.String()+".pdf")
	if err := os.WriteFile(path, pdf, 0o644); err != nil {
		return "", fmt.Errorf("job: write pdf: %w", err)
	}
	return path, nil
}
