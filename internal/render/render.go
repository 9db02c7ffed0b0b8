// Package render turns a finalized report into documents: a raw PDF compiled
// with lualatex (one LaTeX component per question, bar charts rasterized with
// ImageMagick) and a full DOCX converted from markdown with pandoc.
//
// Every call works in its own temporary directory, so concurrent renders never
// share files.
package render

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/nyashahama/survey-report-backend/internal/aggregate"
)

//go:embed templates/*
var templateFS embed.FS

const (
	rawReportName  = "rawReport"
	fullReportName = "fullReport"
	componentsDir  = "components"
)

// errSkip marks a question that has no component (unsupported types).
var errSkip = errors.New("render: nothing to render")

// Config configures a Renderer.
type Config struct {
	Tools  Tools
	Layout Layout

	// WorkDir is the parent of the per-render temporary directories. Empty
	// means os.TempDir().
	WorkDir string
}

// Document is everything a render needs.
type Document struct {
	SurveyID  string
	SectionID string
	Report    aggregate.Report
	Date      time.Time
}

// Renderer produces report documents. It is safe for concurrent use.
type Renderer struct {
	cfg    Config
	cmd    Commander
	tmpl   *template.Template
	logger *slog.Logger
}

// New parses the embedded templates and returns a Renderer.
func New(cfg Config, cmd Commander, logger *slog.Logger) (*Renderer, error) {
	tmpl, err := template.New("").Delims("<<", ">>").ParseFS(templateFS, "templates/*")
	if err != nil {
		return nil, fmt.Errorf("render: parse templates: %w", err)
	}
	if cfg.Tools == (Tools{}) {
		cfg.Tools = DefaultTools()
	}
	if cfg.Layout.Components == nil {
		cfg.Layout = DefaultLayout()
	}
	return &Renderer{cfg: cfg, cmd: cmd, tmpl: tmpl, logger: logger}, nil
}

// ─── RAW PDF ──────────────────────────────────────────────────────────────────

// RawPDF renders one component per question and compiles them into a single
// PDF. A question whose component fails is logged and left out; only a failed
// final compile is an error.
func (r *Renderer) RawPDF(ctx context.Context, doc Document) ([]byte, error) {
	log := r.logger.With("survey_id", doc.SurveyID, "section_id", doc.SectionID)

	dir, cleanup, err := r.workspace("raw-*")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	// ── 1. One component per question ─────────────────────────────────────────
	used := make(map[string]bool)
	var components []string
	for _, q := range doc.Report.Questions {
		name := r.cfg.Layout.ComponentName(q.ID)
		if used[name] {
			name += "-" + q.ID
		}

		err := r.renderComponent(ctx, dir, name, q)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			log.Warn("render: component skipped", "question_id", q.ID, "component", name, "error", err)
			continue
		}
		used[name] = true
		components = append(components, name)
	}

	// ── 2. Assemble and compile ───────────────────────────────────────────────
	if err := r.execute(filepath.Join(dir, rawReportName+".tex"), "raw-report.tex", map[string]any{
		"SurveyID":       CleanText(doc.SurveyID),
		"SectionID":      CleanText(doc.SectionID),
		"TotalResponses": doc.Report.TotalResponses,
		"Date":           dateOf(doc),
		"Components":     components,
	}); err != nil {
		return nil, err
	}

	if err := r.cmd.Run(ctx, dir, r.cfg.Tools.LaTeX, "-interaction=nonstopmode", rawReportName+".tex"); err != nil {
		return nil, fmt.Errorf("render: compile raw report: %w", err)
	}

	pdf, err := os.ReadFile(filepath.Join(dir, rawReportName+".pdf"))
	if err != nil {
		return nil, fmt.Errorf("render: read raw report: %w", err)
	}
	log.Info("render: raw report compiled", "components", len(components), "bytes", len(pdf))
	return pdf, nil
}

func (r *Renderer) renderComponent(ctx context.Context, dir, name string, q aggregate.QuestionReport) error {
	path := filepath.Join(dir, componentsDir, name+".tex")
	data := componentFor(q)

	switch q.Type {
	case aggregate.KindChoice:
		if len(data.Choices) > 0 {
			chart, err := r.chart(ctx, dir, name, data)
			if err != nil {
				// The component falls back to a table.
				r.logger.Warn("render: chart failed", "question_id", q.ID, "error", err)
			}
			data.Chart = chart
		}
		return r.execute(path, "choice.tex", data)
	case aggregate.KindText:
		return r.execute(path, "text.tex", data)
	case aggregate.KindMatrix:
		return r.execute(path, "matrix.tex", data)
	default:
		return errSkip
	}
}

// chart compiles a standalone bar chart and rasterizes it to JPG. It returns
// the image file name relative to the components directory.
func (r *Renderer) chart(ctx context.Context, dir, name string, data component) (string, error) {
	base := name + "-chart"
	src := filepath.Join(componentsDir, base+".tex")
	if err := r.execute(filepath.Join(dir, src), "choice-chart.tex", data); err != nil {
		return "", err
	}

	if err := r.cmd.Run(ctx, dir, r.cfg.Tools.LaTeX,
		"-interaction=nonstopmode", "-output-directory="+componentsDir, src); err != nil {
		return "", err
	}

	pdf := filepath.Join(componentsDir, base+".pdf")
	jpg := filepath.Join(componentsDir, base+".jpg")
	if err := r.cmd.Run(ctx, dir, r.cfg.Tools.Magick, "-density", "300", pdf, "-quality", "100", jpg); err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(dir, jpg)); err != nil {
		return "", fmt.Errorf("render: chart image missing: %w", err)
	}
	return base + ".jpg", nil
}

// ─── FULL DOCX ────────────────────────────────────────────────────────────────

// FullDOCX expands the markdown report with one section per question and
// converts it with pandoc.
func (r *Renderer) FullDOCX(ctx context.Context, doc Document) ([]byte, error) {
	log := r.logger.With("survey_id", doc.SurveyID, "section_id", doc.SectionID)

	dir, cleanup, err := r.workspace("full-*")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	type section struct {
		Title string
		Body  string
	}
	var sections []section
	for _, q := range doc.Report.Questions {
		name := ""
		switch q.Type {
		case aggregate.KindChoice:
			name = "choice.md"
		case aggregate.KindText:
			name = "text.md"
		case aggregate.KindMatrix:
			name = "matrix.md"
		default:
			continue
		}

		var buf bytes.Buffer
		if err := r.tmpl.ExecuteTemplate(&buf, name, markdownFor(q)); err != nil {
			log.Warn("render: section skipped", "question_id", q.ID, "error", err)
			continue
		}
		sections = append(sections, section{Title: markdownCell(PlainText(q.Text)), Body: buf.String()})
	}

	md := fullReportName + ".md"
	if err := r.execute(filepath.Join(dir, md), "full-report.md", map[string]any{
		"SurveyID":       doc.SurveyID,
		"SectionID":      doc.SectionID,
		"TotalResponses": doc.Report.TotalResponses,
		"Date":           dateOf(doc),
		"Sections":       sections,
	}); err != nil {
		return nil, err
	}

	args := []string{md, "-o", fullReportName + ".docx"}
	if ref := r.cfg.Layout.ReferenceDoc; ref != "" {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return nil, fmt.Errorf("render: reference doc: %w", err)
		}
		args = append(args, "--reference-doc="+abs)
	}
	if err := r.cmd.Run(ctx, dir, r.cfg.Tools.Pandoc, args...); err != nil {
		return nil, fmt.Errorf("render: convert full report: %w", err)
	}

	docx, err := os.ReadFile(filepath.Join(dir, fullReportName+".docx"))
	if err != nil {
		return nil, fmt.Errorf("render: read full report: %w", err)
	}
	log.Info("render: full report converted", "sections", len(sections), "bytes", len(docx))
	return docx, nil
}

// ─── HELPERS ──────────────────────────────────────────────────────────────────

func (r *Renderer) workspace(pattern string) (string, func(), error) {
	if r.cfg.WorkDir != "" {
		if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
			return "", nil, fmt.Errorf("render: work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(r.cfg.WorkDir, pattern)
	if err != nil {
		return "", nil, fmt.Errorf("render: work dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("render: cleanup failed", "dir", dir, "error", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, componentsDir), 0o755); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("render: work dir: %w", err)
	}
	return dir, cleanup, nil
}

func (r *Renderer) execute(path, name string, data any) error {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("render: execute %s: %w", name, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("render: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func dateOf(doc Document) string {
	d := doc.Date
	if d.IsZero() {
		d = time.Now()
	}
	return d.Format("January 2, 2006")
}

// ─── TEMPLATE DATA ────────────────────────────────────────────────────────────

type choiceRow struct {
	Label string
	Entry string // coordinate-safe label for the chart
	Count int
}

type matrixRow struct {
	Label string
	Count int

	// Formatted statistics, "n/a" when the item has no samples.
	Min, Max, Mean, Stdev, Variance, Sum string
}

type component struct {
	Title         string
	ResponseCount string
	Options       string // chart coordinate list
	Choices       []choiceRow
	Responses     []string
	Items         []matrixRow
	Chart         string
}

func componentFor(q aggregate.QuestionReport) component {
	c := component{
		Title:         CleanText(q.Text),
		ResponseCount: strconv.FormatFloat(q.ResponseCount, 'f', -1, 64),
	}
	entries := make([]string, 0, len(q.Options))
	for _, o := range q.Options {
		if o.Stats != nil {
			c.Items = append(c.Items, matrixRow{
				Label:    CleanText(o.Label),
				Count:    o.Count,
				Min:      o.Stats.Min.String(),
				Max:      o.Stats.Max.String(),
				Mean:     o.Stats.Mean.String(),
				Stdev:    o.Stats.Stdev.String(),
				Variance: o.Stats.Variance.String(),
				Sum:      o.Stats.Sum.String(),
			})
			continue
		}
		entry := listEntry(o.Label)
		entries = append(entries, entry)
		c.Choices = append(c.Choices, choiceRow{Label: CleanText(o.Label), Entry: entry, Count: o.Count})
	}
	c.Options = strings.Join(entries, ", ")
	for _, resp := range q.FreeTextResponses {
		c.Responses = append(c.Responses, CleanText(resp))
	}
	return c
}

func markdownFor(q aggregate.QuestionReport) component {
	c := component{ResponseCount: strconv.FormatFloat(q.ResponseCount, 'f', -1, 64)}
	for _, o := range q.Options {
		label := markdownCell(PlainText(o.Label))
		if o.Stats != nil {
			c.Items = append(c.Items, matrixRow{
				Label:    label,
				Count:    o.Count,
				Min:      o.Stats.Min.String(),
				Max:      o.Stats.Max.String(),
				Mean:     o.Stats.Mean.String(),
				Stdev:    o.Stats.Stdev.String(),
				Variance: o.Stats.Variance.String(),
				Sum:      o.Stats.Sum.String(),
			})
			continue
		}
		c.Choices = append(c.Choices, choiceRow{Label: label, Count: o.Count})
	}
	for _, resp := range q.FreeTextResponses {
		c.Responses = append(c.Responses, markdownCell(PlainText(resp)))
	}
	return c
}

var markdownCellReplacer = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ")

// markdownCell keeps text on one line and out of table syntax.
func markdownCell(s string) string {
	return strings.TrimSpace(markdownCellReplacer.Replace(s))
}
