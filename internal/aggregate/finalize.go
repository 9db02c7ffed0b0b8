package aggregate

import (
	"bytes"
	"math"
	"sort"
	"strconv"
)

// ─── REPORT (hand-off to rendering) ──────────────────────────────────────────

// Report is the finalized, display-ready aggregation for one survey section.
type Report struct {
	TotalResponses int              `json:"totalResponses"`
	Questions      []QuestionReport `json:"questions"`
}

// QuestionReport is one finalized question.
//
// ResponseCount is the number of answers the question saw, except for Matrix
// questions where it is the mean count per item.
type QuestionReport struct {
	ID                string   `json:"id"`
	Text              string   `json:"text"`
	Type              Kind     `json:"type"`
	ResponseCount     float64  `json:"responseCount"`
	Options           []Option `json:"options"`
	FreeTextResponses []string `json:"freeTextResponses"`
}

// Option is a finalized choice (ChoiceKey set) or matrix item (SubID and
// Stats set).
type Option struct {
	Label     string     `json:"label"`
	ChoiceKey string     `json:"choiceKey,omitempty"`
	SubID     string     `json:"subId,omitempty"`
	Count     int        `json:"count"`
	Stats     *ItemStats `json:"stats,omitempty"`
}

// ItemStats are the derived statistics of one matrix item.
type ItemStats struct {
	Min      Stat `json:"min"`
	Max      Stat `json:"max"`
	Mean     Stat `json:"mean"`
	Variance Stat `json:"variance"`
	Stdev    Stat `json:"stdev"`
	Sum      Stat `json:"sum"`
}

// Stat is a number rounded to two decimals, or the explicit "no data" marker.
// The zero value is "no data".
type Stat struct {
	value float64
	valid bool
}

// NoData is the marker for a statistic with no samples behind it.
var NoData = Stat{}

// NewStat rounds v to two decimals.
func NewStat(v float64) Stat {
	return Stat{value: round2(v), valid: true}
}

// Value returns the rounded value; ok is false for NoData.
func (s Stat) Value() (v float64, ok bool) {
	return s.value, s.valid
}

// String formats with exactly two decimals, or "n/a".
func (s Stat) String() string {
	if !s.valid {
		return "n/a"
	}
	return strconv.FormatFloat(s.value, 'f', 2, 64)
}

// MarshalJSON writes a fixed two-decimal number, or null for NoData.
func (s Stat) MarshalJSON() ([]byte, error) {
	if !s.valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(s.value, 'f', 2, 64)), nil
}

// UnmarshalJSON reads what MarshalJSON writes.
func (s *Stat) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = NoData
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*s = NewStat(v)
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ─── FINALIZE ─────────────────────────────────────────────────────────────────

// Finalize converts accumulator state into a Report. It reads but never
// mutates the questions, so calling it twice yields identical output.
func Finalize(questions []*Question, totalResponses int) Report {
	out := Report{
		TotalResponses: totalResponses,
		Questions:      make([]QuestionReport, 0, len(questions)),
	}
	for _, q := range questions {
		out.Questions = append(out.Questions, finalizeQuestion(q))
	}
	return out
}

func finalizeQuestion(q *Question) QuestionReport {
	qr := QuestionReport{
		ID:                q.ID,
		Text:              q.Text,
		Type:              q.Kind(),
		ResponseCount:     float64(q.Answered),
		Options:           []Option{},
		FreeTextResponses: []string{},
	}

	switch s := q.Shape.(type) {
	case *Choices:
		for _, o := range s.Options {
			qr.Options = append(qr.Options, Option{
				Label:     o.Label,
				ChoiceKey: o.ChoiceKey,
				Count:     o.Count,
			})
		}
		sortByChoiceKey(qr.Options)

	case *FreeText:
		qr.FreeTextResponses = append(qr.FreeTextResponses, s.Responses...)

	case *Matrix:
		total := 0
		for _, item := range s.Items {
			stats := itemStats(item.Moments)
			qr.Options = append(qr.Options, Option{
				Label: item.Label,
				SubID: item.SubID,
				Count: item.N,
				Stats: &stats,
			})
			total += item.N
		}
		qr.ResponseCount = 0
		if len(s.Items) > 0 {
			qr.ResponseCount = round2(float64(total) / float64(len(s.Items)))
		}

	case *Unsupported:

	default:
		panic("aggregate: unknown shape")
	}

	return qr
}

func itemStats(m Moments) ItemStats {
	variance, ok := m.Variance()
	if !ok {
		return ItemStats{
			Min: NoData, Max: NoData, Mean: NoData,
			Variance: NoData, Stdev: NoData, Sum: NoData,
		}
	}
	return ItemStats{
		Min:      NewStat(m.Min),
		Max:      NewStat(m.Max),
		Mean:     NewStat(m.Mean),
		Variance: NewStat(variance),
		Stdev:    NewStat(math.Sqrt(variance)),
		Sum:      NewStat(m.Sum),
	}
}

// sortByChoiceKey orders options by the numeric value of their choice key.
// Keys that are not numbers sort after all numeric keys and keep their
// relative order.
func sortByChoiceKey(opts []Option) {
	type keyed struct {
		num     float64
		numeric bool
	}
	keys := make(map[string]keyed, len(opts))
	for _, o := range opts {
		f, err := strconv.ParseFloat(o.ChoiceKey, 64)
		keys[o.ChoiceKey] = keyed{num: f, numeric: err == nil && !math.IsNaN(f)}
	}

	sort.SliceStable(opts, func(i, j int) bool {
		a, b := keys[opts[i].ChoiceKey], keys[opts[j].ChoiceKey]
		switch {
		case a.numeric && b.numeric:
			return a.num < b.num
		case a.numeric != b.numeric:
			return a.numeric
		default:
			return false
		}
	})
}
