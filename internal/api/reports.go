package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nyashahama/survey-report-backend/internal/narrative"
	"github.com/nyashahama/survey-report-backend/internal/render"
	"github.com/nyashahama/survey-report-backend/internal/report"
)

const (
	contentTypePDF  = "application/pdf"
	contentTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// buildReport runs the pipeline for the {surveyID}/{sectionID} of the request.
// On failure it has already answered and returns ok=false.
func (s *Server) buildReport(w http.ResponseWriter, r *http.Request) (doc render.Document, res report.Result, ok bool) {
	surveyID := chi.URLParam(r, "surveyID")
	sectionID := chi.URLParam(r, "sectionID")

	res, err := s.builder.Build(r.Context(), surveyID, sectionID)
	if err != nil {
		s.respondPipelineErr(w, r, fmt.Errorf("build report: %w", err))
		return render.Document{}, report.Result{}, false
	}

	doc = render.Document{
		SurveyID:  surveyID,
		SectionID: sectionID,
		Report:    res.Report,
		Date:      time.Now(),
	}
	return doc, res, true
}

// ─── GET /api/reports/data/:surveyID/:sectionID ───────────────────────────────

// handleReportData returns the finalized report and the merge statistics.
func (s *Server) handleReportData(w http.ResponseWriter, r *http.Request) {
	_, res, ok := s.buildReport(w, r)
	if !ok {
		return
	}
	respond(w, http.StatusOK, res)
}

// ─── GET /api/reports/raw/:surveyID/:sectionID ────────────────────────────────

// handleRawReport compiles the per-question LaTeX report and downloads it.
func (s *Server) handleRawReport(w http.ResponseWriter, r *http.Request) {
	doc, _, ok := s.buildReport(w, r)
	if !ok {
		return
	}

	pdf, err := s.renderer.RawPDF(r.Context(), doc)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("render raw report: %w", err))
		return
	}
	respondFile(w, contentTypePDF, fmt.Sprintf("raw-report-%s-%s.pdf", doc.SurveyID, doc.SectionID), pdf)
}

// ─── GET /api/reports/full/:surveyID/:sectionID ───────────────────────────────

// handleFullReport expands the markdown report and converts it to DOCX.
func (s *Server) handleFullReport(w http.ResponseWriter, r *http.Request) {
	doc, _, ok := s.buildReport(w, r)
	if !ok {
		return
	}

	docx, err := s.renderer.FullDOCX(r.Context(), doc)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("render full report: %w", err))
		return
	}
	respondFile(w, contentTypeDOCX, fmt.Sprintf("full-report-%s-%s.docx", doc.SurveyID, doc.SectionID), docx)
}

// ─── POST /api/reports/narrative/:surveyID/:sectionID ─────────────────────────

type tokensResponse struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

type narrativeResponse struct {
	Message string         `json:"message"`
	Tokens  tokensResponse `json:"tokens"`
	Cost    float64        `json:"cost"`
	Model   string         `json:"model"`
}

// handleNarrative asks the language model for a written summary of the
// section report. The report is passed by value; nothing is cached between
// requests.
func (s *Server) handleNarrative(w http.ResponseWriter, r *http.Request) {
	doc, _, ok := s.buildReport(w, r)
	if !ok {
		return
	}

	prompt, err := narrative.BuildPrompt(doc.SurveyID, doc.SectionID, doc.Report)
	if err != nil {
		s.respondInternalErr(w, r, err)
		return
	}

	n, err := s.narrator.Narrate(r.Context(), prompt)
	if err != nil {
		s.logger.Error("narrative generation failed", "error", err, "survey_id", doc.SurveyID, "section_id", doc.SectionID)
		respondErr(w, http.StatusBadGateway, "narrative generation failed")
		return
	}

	respond(w, http.StatusOK, narrativeResponse{
		Message: n.Message,
		Tokens:  tokensResponse{Input: n.Tokens.InputTokens, Output: n.Tokens.OutputTokens},
		Cost:    n.Cost,
		Model:   n.Model,
	})
}
