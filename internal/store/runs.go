package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nyashahama/survey-report-backend/internal/aggregate"
	"github.com/nyashahama/survey-report-backend/internal/db"
	"github.com/sqlc-dev/pqtype"
)

// ─── INPUT TYPES ─────────────────────────────────────────────────────────────

// CompleteRunParams is what the worker hands to the store once a run's report
// has been built and rendered. Only the finalized report is stored.
type CompleteRunParams struct {
	RunID   uuid.UUID
	Report  aggregate.Report
	PDFPath string // empty when rendering was skipped
}

// ─── ERRORS ──────────────────────────────────────────────────────────────────

// ErrRunFinished is returned by ClaimRun and CompleteRun when the run has
// already reached a terminal status. The worker treats it as success.
var ErrRunFinished = errors.New("store: run already finished")

// ErrRunClaimed is returned by ClaimRun when another worker holds an
// unexpired claim on the run. The worker skips it.
var ErrRunClaimed = errors.New("store: run claimed elsewhere")

// ─── METHODS ─────────────────────────────────────────────────────────────────

// CreateRun inserts a pending run for one survey section.
func (s *Store) CreateRun(ctx context.Context, surveyID, sectionID string) (db.ReportRun, error) {
	run, err := s.q.CreateRun(ctx, db.CreateRunParams{
		ID:        uuid.New(),
		SurveyID:  surveyID,
		SectionID: sectionID,
	})
	if err != nil {
		return db.ReportRun{}, fmt.Errorf("CreateRun: %w", err)
	}
	return run, nil
}

// ClaimRun is called by the worker at the start of every attempt. It
// atomically:
//
//  1. Locks the run row.
//  2. Refuses runs that are already complete or failed.
//  3. Refuses processing runs claimed less than lease ago.
//  4. Sets status=processing and bumps the attempt counter.
func (s *Store) ClaimRun(ctx context.Context, runID uuid.UUID, lease time.Duration) (db.ReportRun, error) {
	var run db.ReportRun

	err := s.withTx(ctx, func(ctx context.Context, q db.Querier) error {
		// 1. Lock.
		current, err := q.GetRunByIDForUpdate(ctx, runID)
		if err != nil {
			return fmt.Errorf("ClaimRun: get run: %w", err)
		}

		// 2. Terminal runs are left alone.
		if current.Status.Done() {
			run = current
			return ErrRunFinished
		}

		// 3 + 4. The lease is compared against the database clock.
		claimed, err := q.SetRunProcessing(ctx, db.SetRunProcessingParams{
			ID:           runID,
			LeaseSeconds: lease.Seconds(),
		})
		if errors.Is(err, sql.ErrNoRows) {
			run = current
			return ErrRunClaimed
		}
		if err != nil {
			return fmt.Errorf("ClaimRun: set processing: %w", err)
		}
		run = claimed
		return nil
	})

	if errors.Is(err, ErrRunFinished) || errors.Is(err, ErrRunClaimed) {
		return run, err
	}
	if err != nil {
		return db.ReportRun{}, err
	}
	return run, nil
}

// ReleaseRun hands a processing run back to the queue after a failed attempt,
// so the next attempt can claim it without waiting for the lease to expire.
// Runs that are no longer processing are left alone.
func (s *Store) ReleaseRun(ctx context.Context, runID uuid.UUID) error {
	_, err := s.q.ReleaseRun(ctx, runID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("ReleaseRun: %w", err)
	}
	return nil
}

// ListClaimableRuns returns pending runs and processing runs whose claim is
// older than lease.
func (s *Store) ListClaimableRuns(ctx context.Context, lease time.Duration) ([]db.ReportRun, error) {
	runs, err := s.q.ListPendingRuns(ctx, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("ListClaimableRuns: %w", err)
	}
	return runs, nil
}

// CompleteRun stores the finalized report snapshot and the PDF path, and marks
// the run complete. A run that finished in the meantime is not overwritten.
func (s *Store) CompleteRun(ctx context.Context, p CompleteRunParams) (db.ReportRun, error) {
	snapshot, err := json.Marshal(p.Report)
	if err != nil {
		return db.ReportRun{}, fmt.Errorf("CompleteRun: marshal snapshot: %w", err)
	}

	var run db.ReportRun

	err = s.withTx(ctx, func(ctx context.Context, q db.Querier) error {
		current, err := q.GetRunByIDForUpdate(ctx, p.RunID)
		if err != nil {
			return fmt.Errorf("CompleteRun: get run: %w", err)
		}
		if current.Status.Done() {
			run = current
			return ErrRunFinished
		}

		completed, err := q.CompleteRun(ctx, db.CompleteRunParams{
			ID:             p.RunID,
			TotalResponses: sql.NullInt32{Int32: int32(p.Report.TotalResponses), Valid: true},
			Snapshot:       pqtype.NullRawMessage{RawMessage: snapshot, Valid: true},
			PdfPath:        sql.NullString{String: p.PDFPath, Valid: p.PDFPath != ""},
		})
		if err != nil {
			return fmt.Errorf("CompleteRun: update run: %w", err)
		}
		run = completed
		return nil
	})

	if errors.Is(err, ErrRunFinished) {
		return run, ErrRunFinished
	}
	if err != nil {
		return db.ReportRun{}, err
	}
	return run, nil
}

// MarkRunFailed sets the run status to failed with a descriptive message.
// Called by the worker after exhausting retries.
func (s *Store) MarkRunFailed(ctx context.Context, runID uuid.UUID, reason string) (db.ReportRun, error) {
	run, err := s.q.SetRunError(ctx, db.SetRunErrorParams{
		ID: runID,
		ErrorMessage: sql.NullString{
			String: reason,
			Valid:  true,
		},
	})
	if err != nil {
		return db.ReportRun{}, fmt.Errorf("MarkRunFailed: %w", err)
	}
	return run, nil
}

// RunSnapshot decodes the stored report of a completed run. ok is false when
// the run has no snapshot yet.
func RunSnapshot(run db.ReportRun) (rep aggregate.Report, ok bool, err error) {
	if !run.Snapshot.Valid {
		return aggregate.Report{}, false, nil
	}
	if err := json.Unmarshal(run.Snapshot.RawMessage, &rep); err != nil {
		return aggregate.Report{}, false, fmt.Errorf("store: decode snapshot: %w", err)
	}
	return rep, true, nil
}
