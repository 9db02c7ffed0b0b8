package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nyashahama/survey-report-backend/internal/aggregate"
	"github.com/nyashahama/survey-report-backend/internal/db"
	"github.com/nyashahama/survey-report-backend/internal/store"
)

// ─── POST /api/reports/runs ───────────────────────────────────────────────────

type createRunRequest struct {
	SurveyID  string `json:"surveyId"`
	SectionID string `json:"sectionId"`
}

type runResponse struct {
	RunID       string            `json:"runId"`
	Status      string            `json:"status"`
	SurveyID    string            `json:"surveyId"`
	SectionID   string            `json:"sectionId"`
	Attempts    int32             `json:"attempts"`
	Error       string            `json:"error,omitempty"`
	HasPDF      bool              `json:"hasPdf"`
	Report      *aggregate.Report `json:"report,omitempty"`
	CompletedAt string            `json:"completedAt,omitempty"`
}

// handleCreateRun creates a pending run and hands it to the worker. The
// response is 202; the client polls GET /api/reports/runs/:runID.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !decode(w, r, &req) {
		return
	}
	req.SurveyID = strings.TrimSpace(req.SurveyID)
	req.SectionID = strings.TrimSpace(req.SectionID)
	if req.SurveyID == "" || req.SectionID == "" {
		respondErr(w, http.StatusBadRequest, "surveyId and sectionId are required")
		return
	}

	run, err := s.runs.CreateRun(r.Context(), req.SurveyID, req.SectionID)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("create run: %w", err))
		return
	}

	// A full queue is not an error for the client: the poller picks the run up.
	if err := s.worker.Enqueue(r.Context(), run.ID); err != nil {
		s.logger.Warn("run not enqueued, leaving it to the poller", "run_id", run.ID, "error", err)
	}

	respond(w, http.StatusAccepted, runResponse{
		RunID:     run.ID.String(),
		Status:    string(run.Status),
		SurveyID:  run.SurveyID,
		SectionID: run.SectionID,
	})
}

// ─── GET /api/reports/runs/:runID ─────────────────────────────────────────────

// handleGetRun returns the status of a run. It answers 202 while the run is
// pending or processing, and 200 with the stored report once it is done.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	resp := runResponse{
		RunID:     run.ID.String(),
		Status:    string(run.Status),
		SurveyID:  run.SurveyID,
		SectionID: run.SectionID,
		Attempts:  run.Attempts,
		Error:     run.ErrorMessage.String,
		HasPDF:    run.PdfPath.Valid && run.PdfPath.String != "",
	}

	if !run.Status.Done() {
		respond(w, http.StatusAccepted, resp)
		return
	}

	rep, ok, err := store.RunSnapshot(run)
	if err != nil {
		s.respondInternalErr(w, r, err)
		return
	}
	if ok {
		resp.Report = &rep
	}
	if run.CompletedAt.Valid {
		resp.CompletedAt = run.CompletedAt.Time.UTC().Format(time.RFC3339)
	}
	respond(w, http.StatusOK, resp)
}

// ─── GET /api/reports/runs/:runID/pdf ─────────────────────────────────────────

// handleGetRunPDF downloads the PDF artifact of a completed run.
func (s *Server) handleGetRunPDF(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	if !run.Status.Done() {
		respond(w, http.StatusAccepted, map[string]string{
			"status":  string(run.Status),
			"message": "report is being generated, please check back shortly",
		})
		return
	}
	if !run.PdfPath.Valid || run.PdfPath.String == "" {
		respondErr(w, http.StatusNotFound, "run has no pdf")
		return
	}

	f, err := os.Open(run.PdfPath.String)
	if errors.Is(err, os.ErrNotExist) {
		respondErr(w, http.StatusNotFound, "run pdf is no longer available")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("open run pdf: %w", err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("stat run pdf: %w", err))
		return
	}

	name := fmt.Sprintf("raw-report-%s-%s.pdf", run.SurveyID, run.SectionID)
	w.Header().Set("Content-Type", contentTypePDF)
	w.Header().Set("Content-Disposition", attachment(name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// loadRun parses {runID} and loads the run. On failure it has already
// answered and returns ok=false.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (db.ReportRun, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid run id")
		return db.ReportRun{}, false
	}

	run, err := s.runsQ.GetRunByID(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		respondErr(w, http.StatusNotFound, "run not found")
		return db.ReportRun{}, false
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("get run: %w", err))
		return db.ReportRun{}, false
	}
	return run, true
}
