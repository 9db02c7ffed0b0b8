package db

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

const reportRunColumns = `id, survey_id, section_id, status, attempts, total_responses, snapshot, pdf_path, error_message, created_at, updated_at, completed_at`

func scanRun(row interface{ Scan(...interface{}) error }) (ReportRun, error) {
	var i ReportRun
	err := row.Scan(
		&i.ID,
		&i.SurveyID,
		&i.SectionID,
		&i.Status,
		&i.Attempts,
		&i.TotalResponses,
		&i.Snapshot,
		&i.PdfPath,
		&i.ErrorMessage,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.CompletedAt,
	)
	return i, err
}

const completeRun = `-- name: CompleteRun :one
UPDATE report_runs
   SET status          = 'complete',
       total_responses = $2,
       snapshot        = $3,
       pdf_path        = $4,
       error_message   = NULL,
       updated_at      = now(),
       completed_at    = now()
 WHERE id = $1
RETURNING ` + reportRunColumns

type CompleteRunParams struct {
	ID             uuid.UUID             `json:"id"`
	TotalResponses sql.NullInt32         `json:"total_responses"`
	Snapshot       pqtype.NullRawMessage `json:"snapshot"`
	PdfPath        sql.NullString        `json:"pdf_path"`
}

func (q *Queries) CompleteRun(ctx context.Context, arg CompleteRunParams) (ReportRun, error) {
	row := q.db.QueryRowContext(ctx, completeRun,
		arg.ID,
		arg.TotalResponses,
		arg.Snapshot,
		arg.PdfPath,
	)
	return scanRun(row)
}

const createRun = `-- name: CreateRun :one
INSERT INTO report_runs (id, survey_id, section_id)
VALUES ($1, $2, $3)
RETURNING ` + reportRunColumns

type CreateRunParams struct {
	ID        uuid.UUID `json:"id"`
	SurveyID  string    `json:"survey_id"`
	SectionID string    `json:"section_id"`
}

func (q *Queries) CreateRun(ctx context.Context, arg CreateRunParams) (ReportRun, error) {
	row := q.db.QueryRowContext(ctx, createRun, arg.ID, arg.SurveyID, arg.SectionID)
	return scanRun(row)
}

const getRunByID = `-- name: GetRunByID :one
SELECT ` + reportRunColumns + `
  FROM report_runs
 WHERE id = $1`

func (q *Queries) GetRunByID(ctx context.Context, id uuid.UUID) (ReportRun, error) {
	row := q.db.QueryRowContext(ctx, getRunByID, id)
	return scanRun(row)
}

const getRunByIDForUpdate = `-- name: GetRunByIDForUpdate :one
SELECT ` + reportRunColumns + `
  FROM report_runs
 WHERE id = $1
   FOR UPDATE`

func (q *Queries) GetRunByIDForUpdate(ctx context.Context, id uuid.UUID) (ReportRun, error) {
	row := q.db.QueryRowContext(ctx, getRunByIDForUpdate, id)
	return scanRun(row)
}

const listPendingRuns = `-- name: ListPendingRuns :many
SELECT ` + reportRunColumns + `
  FROM report_runs
 WHERE status = 'pending'
    OR (status = 'processing' AND updated_at < now() - make_interval(secs => $1))
 ORDER BY created_at
 LIMIT 50`

// ListPendingRuns returns pending runs plus processing runs whose claim is
// older than leaseSeconds.
func (q *Queries) ListPendingRuns(ctx context.Context, leaseSeconds float64) ([]ReportRun, error) {
	rows, err := q.db.QueryContext(ctx, listPendingRuns, leaseSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ReportRun
	for rows.Next() {
		i, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const releaseRun = `-- name: ReleaseRun :one
UPDATE report_runs
   SET status     = 'pending',
       updated_at = now()
 WHERE id = $1
   AND status = 'processing'
RETURNING ` + reportRunColumns

func (q *Queries) ReleaseRun(ctx context.Context, id uuid.UUID) (ReportRun, error) {
	row := q.db.QueryRowContext(ctx, releaseRun, id)
	return scanRun(row)
}

const setRunError = `-- name: SetRunError :one
UPDATE report_runs
   SET status        = 'failed',
       error_message = $2,
       updated_at    = now()
 WHERE id = $1
RETURNING ` + reportRunColumns

type SetRunErrorParams struct {
	ID           uuid.UUID      `json:"id"`
	ErrorMessage sql.NullString `json:"error_message"`
}

func (q *Queries) SetRunError(ctx context.Context, arg SetRunErrorParams) (ReportRun, error) {
	row := q.db.QueryRowContext(ctx, setRunError, arg.ID, arg.ErrorMessage)
	return scanRun(row)
}

const setRunProcessing = `-- name: SetRunProcessing :one
UPDATE report_runs
   SET status     = 'processing',
       attempts   = attempts + 1,
       updated_at = now()
 WHERE id = $1
   AND (status = 'pending'
        OR (status = 'processing' AND updated_at < now() - make_interval(secs => $2)))
RETURNING ` + reportRunColumns

type SetRunProcessingParams struct {
	ID           uuid.UUID `json:"id"`
	LeaseSeconds float64   `json:"lease_seconds"`
}

// SetRunProcessing claims a pending run, or a processing run whose claim has
// outlived the lease. It returns sql.ErrNoRows when the run is held elsewhere.
func (q *Queries) SetRunProcessing(ctx context.Context, arg SetRunProcessingParams) (ReportRun, error) {
	row := q.db.QueryRowContext(ctx, setRunProcessing, arg.ID, arg.LeaseSeconds)
	return scanRun(row)
}
