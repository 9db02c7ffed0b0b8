package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nyashahama/survey-report-backend/internal/apperr"
)

// Source is the survey platform's export API. *qualtrics.Client satisfies it.
type Source interface {
	StartExport(ctx context.Context, surveyID, filterID string) (progressID string, err error)
	ExportProgress(ctx context.Context, surveyID, progressID string) (Progress, error)
	DownloadExport(ctx context.Context, surveyID, fileID string) (io.ReadCloser, error)
}

// Exporter runs the start → poll → download → decode sequence.
type Exporter struct {
	src    Source
	poller Poller
	logger *slog.Logger
}

// NewExporter constructs an Exporter.
func NewExporter(src Source, poller Poller, logger *slog.Logger) *Exporter {
	return &Exporter{src: src, poller: poller, logger: logger}
}

// Run exports the responses of one survey section and streams each
// respondent's values map to fn. It returns the number of respondents.
func (e *Exporter) Run(ctx context.Context, surveyID, filterID string, fn RecordFunc) (int, error) {
	log := e.logger.With("survey_id", surveyID, "section_id", filterID)

	// ── 1. Kick off the export ────────────────────────────────────────────────
	progressID, err := e.src.StartExport(ctx, surveyID, filterID)
	if err != nil {
		return 0, fmt.Errorf("export: start: %w", err)
	}
	log.Debug("export: started", "progress_id", progressID)

	// ── 2. Poll until complete ────────────────────────────────────────────────
	fileID, err := e.poller.Wait(ctx, func(ctx context.Context) (Progress, error) {
		return e.src.ExportProgress(ctx, surveyID, progressID)
	})
	if err != nil {
		return 0, err
	}
	log.Debug("export: ready", "file_id", fileID)

	// ── 3. Download the archive ───────────────────────────────────────────────
	body, err := e.src.DownloadExport(ctx, surveyID, fileID)
	if err != nil {
		return 0, fmt.Errorf("export: download: %w", err)
	}
	defer body.Close()

	// zip needs random access, so the archive is buffered whole.
	archive, err := io.ReadAll(body)
	if err != nil {
		return 0, apperr.Transport("export: read archive", 0, err)
	}

	// ── 4. Decode and stream records ──────────────────────────────────────────
	n, err := DecodeArchive(archive, fn)
	if err != nil {
		return n, err
	}

	if n == 0 {
		log.Warn("export: no responses returned")
	} else {
		log.Info("export: finished", "responses", n)
	}
	return n, nil
}
