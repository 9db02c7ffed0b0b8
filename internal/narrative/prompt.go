package narrative

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/nyashahama/survey-report-backend/internal/aggregate"
	"github.com/nyashahama/survey-report-backend/internal/render"
)

var (
	//go:embed prompts/system.md
	systemPrompt string
	//go:embed prompts/report.md
	reportPrompt string
)

var reportTemplate = template.Must(template.New("report").Parse(reportPrompt))

// maxTextsPerQuestion bounds how many free-text answers go into the prompt.
const maxTextsPerQuestion = 40

type promptChoice struct {
	Label   string
	Count   int
	Percent string
}

type promptItem struct {
	Label                 string
	Count                 int
	Mean, Stdev, Min, Max string
}

type promptQuestion struct {
	ID            string
	Type          aggregate.Kind
	Text          string
	ResponseCount string
	Choices       []promptChoice
	Items         []promptItem
	Texts         []string
	Omitted       int
}

// BuildPrompt renders a finalized report into the narrative prompt.
// Unsupported questions are left out.
func BuildPrompt(surveyID, sectionID string, rep aggregate.Report) (Prompt, error) {
	data := struct {
		SurveyID       string
		SectionID      string
		TotalResponses int
		Questions      []promptQuestion
	}{SurveyID: surveyID, SectionID: sectionID, TotalResponses: rep.TotalResponses}

	for _, q := range rep.Questions {
		if q.Type == aggregate.KindUnsupported {
			continue
		}
		pq := promptQuestion{
			ID:            q.ID,
			Type:          q.Type,
			Text:          oneLine(q.Text),
			ResponseCount: strconv.FormatFloat(q.ResponseCount, 'f', -1, 64),
		}

		total := 0
		for _, o := range q.Options {
			if o.Stats == nil {
				total += o.Count
			}
		}
		for _, o := range q.Options {
			if o.Stats != nil {
				pq.Items = append(pq.Items, promptItem{
					Label: oneLine(o.Label),
					Count: o.Count,
					Mean:  o.Stats.Mean.String(),
					Stdev: o.Stats.Stdev.String(),
					Min:   o.Stats.Min.String(),
					Max:   o.Stats.Max.String(),
				})
				continue
			}
			pq.Choices = append(pq.Choices, promptChoice{
				Label:   oneLine(o.Label),
				Count:   o.Count,
				Percent: percent(o.Count, total),
			})
		}

		for i, t := range q.FreeTextResponses {
			if i == maxTextsPerQuestion {
				pq.Omitted = len(q.FreeTextResponses) - i
				break
			}
			if t = oneLine(t); t != "" {
				pq.Texts = append(pq.Texts, t)
			}
		}
		data.Questions = append(data.Questions, pq)
	}

	var b strings.Builder
	if err := reportTemplate.Execute(&b, data); err != nil {
		return Prompt{}, fmt.Errorf("narrative: build prompt: %w", err)
	}
	return Prompt{System: systemPrompt, User: b.String()}, nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(render.PlainText(s)), " ")
}

func percent(n, total int) string {
	if total == 0 {
		return "0.0"
	}
	return strconv.FormatFloat(float64(n)*100/float64(total), 'f', 1, 64)
}
