package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nyashahama/survey-report-backend/internal/aggregate"
	"github.com/nyashahama/survey-report-backend/internal/api"
	"github.com/nyashahama/survey-report-backend/internal/apperr"
	"github.com/nyashahama/survey-report-backend/internal/db"
	"github.com/nyashahama/survey-report-backend/internal/narrative"
	"github.com/nyashahama/survey-report-backend/internal/qualtrics"
	"github.com/nyashahama/survey-report-backend/internal/render"
	"github.com/nyashahama/survey-report-backend/internal/report"
	"github.com/sqlc-dev/pqtype"
)

// ─── STUBS ────────────────────────────────────────────────────────────────────

type stubLister struct {
	surveys []qualtrics.Survey
	filters []qualtrics.Filter
	err     error
}

func (l *stubLister) ListSurveys(context.Context) ([]qualtrics.Survey, error) {
	return l.surveys, l.err
}

func (l *stubLister) ListFilters(context.Context, string) ([]qualtrics.Filter, error) {
	return l.filters, l.err
}

// cachingLister records invalidations the way the Redis listing cache would
// receive them.
type cachingLister struct {
	stubLister
	invalidated [][]string
	invErr      error
}

func (l *cachingLister) Invalidate(_ context.Context, surveyIDs ...string) error {
	l.invalidated = append(l.invalidated, surveyIDs)
	return l.invErr
}

type stubBuilder struct {
	res       report.Result
	err       error
	surveyID  string
	sectionID string
}

func (b *stubBuilder) Build(_ context.Context, surveyID, sectionID string) (report.Result, error) {
	b.surveyID, b.sectionID = surveyID, sectionID
	return b.res, b.err
}

type stubRenderer struct {
	pdf, docx []byte
	err       error
	doc       render.Document
}

func (r *stubRenderer) RawPDF(_ context.Context, doc render.Document) ([]byte, error) {
	r.doc = doc
	return r.pdf, r.err
}

func (r *stubRenderer) FullDOCX(_ context.Context, doc render.Document) ([]byte, error) {
	r.doc = doc
	return r.docx, r.err
}

type stubNarrator struct {
	result narrative.Narrative
	err    error
	prompt narrative.Prompt
}

func (n *stubNarrator) Narrate(_ context.Context, p narrative.Prompt) (narrative.Narrative, error) {
	n.prompt = p
	return n.result, n.err
}

// stubRuns satisfies both api.RunCreator and api.RunReader.
type stubRuns struct {
	runs      map[uuid.UUID]db.ReportRun
	createErr error
}

func (s *stubRuns) CreateRun(_ context.Context, surveyID, sectionID string) (db.ReportRun, error) {
	if s.createErr != nil {
		return db.ReportRun{}, s.createErr
	}
	run := db.ReportRun{ID: uuid.New(), SurveyID: surveyID, SectionID: sectionID, Status: db.RunStatusPending}
	s.runs[run.ID] = run
	return run, nil
}

func (s *stubRuns) GetRunByID(_ context.Context, id uuid.UUID) (db.ReportRun, error) {
	run, ok := s.runs[id]
	if !ok {
		return db.ReportRun{}, sql.ErrNoRows
	}
	return run, nil
}

type stubWorker struct {
	enqueued []uuid.UUID
	err      error
}

func (w *stubWorker) Enqueue(_ context.Context, id uuid.UUID) error {
	w.enqueued = append(w.enqueued, id)
	return w.err
}

// ─── HELPERS ─────────────────────────────────────────────────────────────────

type testDeps struct {
	lister   *stubLister
	builder  *stubBuilder
	renderer *stubRenderer
	narrator *stubNarrator
	runs     *stubRuns
	worker   *stubWorker
	handler  http.Handler
}

func sampleResult() report.Result {
	return report.Result{
		Report: aggregate.Report{
			TotalResponses: 3,
			Questions: []aggregate.QuestionReport{{
				ID: "QID6", Text: "Attendance", Type: aggregate.KindChoice, ResponseCount: 3,
				Options: []aggregate.Option{
					{Label: "Always", ChoiceKey: "1", Count: 2},
					{Label: "Never", ChoiceKey: "2", Count: 1},
				},
				FreeTextResponses: []string{},
			}},
		},
		Stats: aggregate.MergeStats{Respondents: 3},
	}
}

func newTestServer(t *testing.T, overrides ...func(*api.Deps)) *testDeps {
	t.Helper()

	d := &testDeps{
		lister: &stubLister{
			surveys: []qualtrics.Survey{{ID: "SV_1", Name: "Course evaluation"}},
			filters: []qualtrics.Filter{{ID: "F_1", Name: "Section 501"}},
		},
		builder:  &stubBuilder{res: sampleResult()},
		renderer: &stubRenderer{pdf: []byte("%PDF-1.5"), docx: []byte("PK\x03\x04")},
		narrator: &stubNarrator{result: narrative.Narrative{
			Message: "Most students attended.",
			Tokens:  narrative.Usage{InputTokens: 100, OutputTokens: 20},
			Cost:    0.000325,
			Model:   "protected.gpt-5",
		}},
		runs:   &stubRuns{runs: map[uuid.UUID]db.ReportRun{}},
		worker: &stubWorker{},
	}

	deps := api.Deps{
		Lister:   d.lister,
		Builder:  d.builder,
		Renderer: d.renderer,
		Narrator: d.narrator,
		Runs:     d.runs,
		RunsQ:    d.runs,
		Worker:   d.worker,
	}
	for _, fn := range overrides {
		fn(&deps)
	}

	cfg := api.Config{
		Env:            "development",
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	d.handler = api.NewServer(deps, cfg, logger)
	return d
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(dst); err != nil {
		t.Fatalf("decode response body: %v (raw: %s)", err, rr.Body.String())
	}
}

func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decodeJSON(t, rr, &body)
	return body["error"]
}

// ─── GET /healthz ─────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

// ─── GET /api/surveys ─────────────────────────────────────────────────────────

func TestListSurveys_ReturnsIDsAndNames(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/surveys", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var got []map[string]string
	decodeJSON(t, rr, &got)
	if len(got) != 1 || got[0]["id"] != "SV_1" || got[0]["name"] != "Course evaluation" {
		t.Errorf("body: %v", got)
	}
}

func TestListSurveys_EmptyReturns404(t *testing.T) {
	deps := newTestServer(t)
	deps.lister.surveys = nil
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/surveys", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestListSurveys_UpstreamFailureReturns502(t *testing.T) {
	deps := newTestServer(t)
	deps.lister.err = apperr.Transport("qualtrics: list surveys", http.StatusUnauthorized, errors.New("invalid token"))
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/surveys", nil, nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if msg := errorMessage(t, rr); !strings.Contains(msg, "invalid token") {
		t.Errorf("error message: %q", msg)
	}
}

func TestListSurveys_RefreshInvalidatesCache(t *testing.T) {
	lister := &cachingLister{stubLister: stubLister{
		surveys: []qualtrics.Survey{{ID: "SV_1", Name: "Course evaluation"}},
	}}
	deps := newTestServer(t, func(d *api.Deps) { d.Lister = lister })

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/surveys", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(lister.invalidated) != 0 {
		t.Fatalf("plain read invalidated the cache: %v", lister.invalidated)
	}

	rr = doRequest(t, deps.handler, http.MethodGet, "/api/surveys?refresh=true", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(lister.invalidated) != 1 || len(lister.invalidated[0]) != 0 {
		t.Errorf("invalidations: %v", lister.invalidated)
	}
}

func TestListSurveys_RefreshFailureStillServes(t *testing.T) {
	lister := &cachingLister{
		stubLister: stubLister{surveys: []qualtrics.Survey{{ID: "SV_1", Name: "Course evaluation"}}},
		invErr:     errors.New("redis down"),
	}
	deps := newTestServer(t, func(d *api.Deps) { d.Lister = lister })

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/surveys?refresh=1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(lister.invalidated) != 1 {
		t.Errorf("invalidations: %v", lister.invalidated)
	}
}

// ─── GET /api/surveys/:surveyID/filters ───────────────────────────────────────

func TestListFilters_ReturnsFilters(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/surveys/SV_1/filters", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got []map[string]string
	decodeJSON(t, rr, &got)
	if len(got) != 1 || got[0]["id"] != "F_1" {
		t.Errorf("body: %v", got)
	}
}

func TestListFilters_RefreshInvalidatesSurvey(t *testing.T) {
	lister := &cachingLister{stubLister: stubLister{
		filters: []qualtrics.Filter{{ID: "F_1", Name: "Section 501"}},
	}}
	deps := newTestServer(t, func(d *api.Deps) { d.Lister = lister })

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/surveys/SV_9/filters?refresh=true", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(lister.invalidated) != 1 || len(lister.invalidated[0]) != 1 || lister.invalidated[0][0] != "SV_9" {
		t.Errorf("invalidations: %v", lister.invalidated)
	}
}

func TestListFilters_EmptyReturns404(t *testing.T) {
	deps := newTestServer(t)
	deps.lister.filters = []qualtrics.Filter{}
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/surveys/SV_1/filters", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestListFilters_UnknownSurveyReturns404(t *testing.T) {
	deps := newTestServer(t)
	deps.lister.err = apperr.Transport("qualtrics: list filters", http.StatusNotFound, errors.New("survey not found"))
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/surveys/SV_x/filters", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

// ─── GET /api/reports/data/:surveyID/:sectionID ───────────────────────────────

func TestReportData_ReturnsReportAndStats(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/data/SV_1/F_1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if deps.builder.surveyID != "SV_1" || deps.builder.sectionID != "F_1" {
		t.Errorf("builder called with %q/%q", deps.builder.surveyID, deps.builder.sectionID)
	}

	var got struct {
		Report struct {
			TotalResponses int `json:"totalResponses"`
			Questions      []struct {
				ID      string `json:"id"`
				Options []struct {
					Label string `json:"label"`
					Count int    `json:"count"`
				} `json:"options"`
			} `json:"questions"`
		} `json:"report"`
		MergeStats json.RawMessage `json:"mergeStats"`
	}
	decodeJSON(t, rr, &got)
	if got.Report.TotalResponses != 3 || len(got.Report.Questions) != 1 {
		t.Fatalf("body: %+v", got)
	}
	if got.Report.Questions[0].Options[0].Count != 2 {
		t.Errorf("options: %+v", got.Report.Questions[0].Options)
	}
	if len(got.MergeStats) == 0 {
		t.Error("expected mergeStats in the response")
	}
}

func TestReportData_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", apperr.Timeout("export: wait", errors.New("still running")), http.StatusGatewayTimeout},
		{"decode", apperr.Decode("export: decode", errors.New("no json member")), http.StatusBadGateway},
		{"upstream 404", apperr.Transport("qualtrics: questions", http.StatusNotFound, errors.New("not found")), http.StatusNotFound},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestServer(t)
			deps.builder.err = tt.err
			rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/data/SV_1/F_1", nil, nil)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
			if errorMessage(t, rr) == "" {
				t.Error("expected an error envelope")
			}
		})
	}
}

func TestReportData_InternalErrorDoesNotLeakDetails(t *testing.T) {
	deps := newTestServer(t)
	deps.builder.err = errors.New("secret detail")
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/data/SV_1/F_1", nil, nil)
	if msg := errorMessage(t, rr); msg != "internal server error" {
		t.Errorf("error message: %q", msg)
	}
}

// ─── GET /api/reports/raw/:surveyID/:sectionID ────────────────────────────────

func TestRawReport_DownloadsPDF(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/raw/SV_1/F_1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("content type: %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "raw-report-SV_1-F_1.pdf") {
		t.Errorf("content disposition: %q", cd)
	}
	if rr.Body.String() != "%PDF-1.5" {
		t.Errorf("body: %q", rr.Body.String())
	}
	doc := deps.renderer.doc
	if doc.SurveyID != "SV_1" || doc.SectionID != "F_1" || doc.Report.TotalResponses != 3 || doc.Date.IsZero() {
		t.Errorf("document: %+v", doc)
	}
}

func TestRawReport_QuotedIDKeepsFilenameIntact(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/raw/SV_%22x/F_1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	disposition, params, err := mime.ParseMediaType(rr.Header().Get("Content-Disposition"))
	if err != nil {
		t.Fatalf("parse content disposition %q: %v", rr.Header().Get("Content-Disposition"), err)
	}
	if disposition != "attachment" {
		t.Errorf("disposition: %q", disposition)
	}
	if want := `raw-report-SV_"x-F_1.pdf`; params["filename"] != want {
		t.Errorf("filename: got %q, want %q", params["filename"], want)
	}
}

func TestRawReport_RenderFailureReturns500(t *testing.T) {
	deps := newTestServer(t)
	deps.renderer.err = errors.New("lualatex: exit status 1")
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/raw/SV_1/F_1", nil, nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestRawReport_PipelineFailureSkipsRendering(t *testing.T) {
	deps := newTestServer(t)
	deps.builder.err = apperr.Timeout("export: wait", nil)
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/raw/SV_1/F_1", nil, nil)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
	if deps.renderer.doc.SurveyID != "" {
		t.Error("renderer should not run after a pipeline failure")
	}
}

// ─── GET /api/reports/full/:surveyID/:sectionID ───────────────────────────────

func TestFullReport_DownloadsDOCX(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/full/SV_1/F_1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "wordprocessingml") {
		t.Errorf("content type: %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "full-report-SV_1-F_1.docx") {
		t.Errorf("content disposition: %q", cd)
	}
}

// ─── POST /api/reports/narrative/:surveyID/:sectionID ─────────────────────────

func TestNarrative_ReturnsMessageTokensAndCost(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodPost, "/api/reports/narrative/SV_1/F_1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var got struct {
		Message string `json:"message"`
		Tokens  struct {
			Input  int64 `json:"input"`
			Output int64 `json:"output"`
		} `json:"tokens"`
		Cost  float64 `json:"cost"`
		Model string  `json:"model"`
	}
	decodeJSON(t, rr, &got)
	if got.Message != "Most students attended." || got.Tokens.Input != 100 || got.Tokens.Output != 20 {
		t.Errorf("body: %+v", got)
	}
	if got.Cost != 0.000325 || got.Model != "protected.gpt-5" {
		t.Errorf("cost/model: %+v", got)
	}
	if !strings.Contains(deps.narrator.prompt.User, "Attendance") {
		t.Errorf("prompt should carry the report, got %q", deps.narrator.prompt.User)
	}
}

func TestNarrative_ModelFailureReturns502(t *testing.T) {
	deps := newTestServer(t)
	deps.narrator.err = errors.New("rate limited")
	rr := doRequest(t, deps.handler, http.MethodPost, "/api/reports/narrative/SV_1/F_1", nil, nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}

func TestNarrative_NotMountedWithoutNarrator(t *testing.T) {
	deps := newTestServer(t, func(d *api.Deps) { d.Narrator = nil })
	rr := doRequest(t, deps.handler, http.MethodPost, "/api/reports/narrative/SV_1/F_1", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

// ─── POST /api/reports/runs ───────────────────────────────────────────────────

func TestCreateRun_Returns202AndEnqueues(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodPost, "/api/reports/runs",
		map[string]string{"surveyId": "SV_1", "sectionId": "F_1"}, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var got map[string]any
	decodeJSON(t, rr, &got)
	id, err := uuid.Parse(got["runId"].(string))
	if err != nil {
		t.Fatalf("runId: %v", err)
	}
	if got["status"] != "pending" {
		t.Errorf("status: %v", got["status"])
	}
	if len(deps.worker.enqueued) != 1 || deps.worker.enqueued[0] != id {
		t.Errorf("enqueued: %v", deps.worker.enqueued)
	}
}

func TestCreateRun_FullQueueStillReturns202(t *testing.T) {
	deps := newTestServer(t)
	deps.worker.err = errors.New("queue is full")
	rr := doRequest(t, deps.handler, http.MethodPost, "/api/reports/runs",
		map[string]string{"surveyId": "SV_1", "sectionId": "F_1"}, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
}

func TestCreateRun_BadBodiesReturn400(t *testing.T) {
	bodies := map[string]any{
		"missing section": map[string]string{"surveyId": "SV_1"},
		"blank survey":    map[string]string{"surveyId": "  ", "sectionId": "F_1"},
		"unknown field":   map[string]string{"surveyId": "SV_1", "sectionId": "F_1", "extra": "x"},
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			deps := newTestServer(t)
			rr := doRequest(t, deps.handler, http.MethodPost, "/api/reports/runs", body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if len(deps.worker.enqueued) != 0 {
				t.Error("nothing should be enqueued")
			}
		})
	}
}

func TestCreateRun_StoreErrorReturns500(t *testing.T) {
	deps := newTestServer(t)
	deps.runs.createErr = errors.New("connection refused")
	rr := doRequest(t, deps.handler, http.MethodPost, "/api/reports/runs",
		map[string]string{"surveyId": "SV_1", "sectionId": "F_1"}, nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestRuns_NotMountedWithoutDatabase(t *testing.T) {
	deps := newTestServer(t, func(d *api.Deps) { d.Runs, d.RunsQ, d.Worker = nil, nil, nil })
	rr := doRequest(t, deps.handler, http.MethodPost, "/api/reports/runs",
		map[string]string{"surveyId": "SV_1", "sectionId": "F_1"}, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

// ─── GET /api/reports/runs/:runID ─────────────────────────────────────────────

func seedRun(deps *testDeps, run db.ReportRun) db.ReportRun {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.SurveyID, run.SectionID = "SV_1", "F_1"
	deps.runs.runs[run.ID] = run
	return run
}

func TestGetRun_InvalidIDReturns400(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/runs/not-a-uuid", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetRun_UnknownReturns404(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/runs/"+uuid.NewString(), nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestGetRun_PendingAndProcessingReturn202(t *testing.T) {
	for _, status := range []db.RunStatus{db.RunStatusPending, db.RunStatusProcessing} {
		t.Run(string(status), func(t *testing.T) {
			deps := newTestServer(t)
			run := seedRun(deps, db.ReportRun{Status: status, Attempts: 1})
			rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/runs/"+run.ID.String(), nil, nil)
			if rr.Code != http.StatusAccepted {
				t.Fatalf("expected 202, got %d", rr.Code)
			}
			var got map[string]any
			decodeJSON(t, rr, &got)
			if got["status"] != string(status) {
				t.Errorf("status: %v", got["status"])
			}
			if _, ok := got["report"]; ok {
				t.Error("unfinished run should not carry a report")
			}
		})
	}
}

func TestGetRun_CompleteReturnsSnapshot(t *testing.T) {
	deps := newTestServer(t)
	snapshot, err := json.Marshal(sampleResult().Report)
	if err != nil {
		t.Fatal(err)
	}
	run := seedRun(deps, db.ReportRun{
		Status:      db.RunStatusComplete,
		Snapshot:    pqtype.NullRawMessage{RawMessage: snapshot, Valid: true},
		PdfPath:     sql.NullString{String: "/tmp/x.pdf", Valid: true},
		CompletedAt: sql.NullTime{Time: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), Valid: true},
	})

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/runs/"+run.ID.String(), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got struct {
		Status      string           `json:"status"`
		HasPDF      bool             `json:"hasPdf"`
		CompletedAt string           `json:"completedAt"`
		Report      aggregate.Report `json:"report"`
	}
	decodeJSON(t, rr, &got)
	if got.Status != "complete" || !got.HasPDF || got.CompletedAt != "2026-03-01T12:00:00Z" {
		t.Errorf("body: %+v", got)
	}
	if got.Report.TotalResponses != 3 || got.Report.Questions[0].Options[1].Label != "Never" {
		t.Errorf("report: %+v", got.Report)
	}
}

func TestGetRun_FailedCarriesError(t *testing.T) {
	deps := newTestServer(t)
	run := seedRun(deps, db.ReportRun{
		Status:       db.RunStatusFailed,
		Attempts:     3,
		ErrorMessage: sql.NullString{String: "export timed out", Valid: true},
	})
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/runs/"+run.ID.String(), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got map[string]any
	decodeJSON(t, rr, &got)
	if got["status"] != "failed" || got["error"] != "export timed out" || got["attempts"] != float64(3) {
		t.Errorf("body: %v", got)
	}
}

// ─── GET /api/reports/runs/:runID/pdf ─────────────────────────────────────────

func TestGetRunPDF_ServesArtifact(t *testing.T) {
	deps := newTestServer(t)
	path := filepath.Join(t.TempDir(), "run.pdf")
	if err := os.WriteFile(path, []byte("%PDF-run"), 0o644); err != nil {
		t.Fatal(err)
	}
	run := seedRun(deps, db.ReportRun{
		Status:  db.RunStatusComplete,
		PdfPath: sql.NullString{String: path, Valid: true},
	})

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/runs/"+run.ID.String()+"/pdf", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "%PDF-run" || rr.Header().Get("Content-Type") != "application/pdf" {
		t.Errorf("got %q (%s)", rr.Body.String(), rr.Header().Get("Content-Type"))
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "raw-report-SV_1-F_1.pdf") {
		t.Errorf("content disposition: %q", cd)
	}
}

func TestGetRunPDF_States(t *testing.T) {
	tests := []struct {
		name string
		run  db.ReportRun
		want int
	}{
		{"pending", db.ReportRun{Status: db.RunStatusPending}, http.StatusAccepted},
		{"complete without pdf", db.ReportRun{Status: db.RunStatusComplete}, http.StatusNotFound},
		{"failed", db.ReportRun{Status: db.RunStatusFailed}, http.StatusNotFound},
		{"file removed", db.ReportRun{
			Status:  db.RunStatusComplete,
			PdfPath: sql.NullString{String: "/nonexistent/run.pdf", Valid: true},
		}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestServer(t)
			run := seedRun(deps, tt.run)
			rr := doRequest(t, deps.handler, http.MethodGet, "/api/reports/runs/"+run.ID.String()+"/pdf", nil, nil)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
		})
	}
}

// ─── CORS ─────────────────────────────────────────────────────────────────────

func TestCORS_PreflightReturns204(t *testing.T) {
	deps := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/reports/runs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	deps.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("missing Access-Control-Allow-Origin header")
	}
	if rr.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("missing Access-Control-Allow-Methods header")
	}
}

func TestCORS_NoOriginHeader_SkipsCORSHeaders(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/healthz", nil, nil)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("should not set CORS headers when no Origin present")
	}
}
