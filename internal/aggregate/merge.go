package aggregate

import (
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// answerKeyPrefix marks the keys of a respondent's values map that carry
// question answers. Metadata keys (dates, progress, location…) are ignored.
const answerKeyPrefix = "QID"

// MergeStats counts what happened during a merge. Every field only grows.
type MergeStats struct {
	Respondents      int `json:"respondents"`
	Answers          int `json:"answers"`
	Matched          int `json:"matched"`
	UnmatchedAnswers int `json:"unmatchedAnswers"`
	UnmatchedOptions int `json:"unmatchedOptions"`
	InvalidValues    int `json:"invalidValues"`
}

// Merger folds raw answers into a fixed set of questions in one sequential
// pass. Memory use does not depend on how many answers are folded, apart from
// the free text a FreeText question has to keep.
//
// A Merger is not safe for concurrent use.
type Merger struct {
	byID  map[string]*Question
	stats MergeStats
	log   *slog.Logger
}

// NewMerger indexes questions by ID. When two questions share an ID the first
// one receives the answers.
func NewMerger(questions []*Question, log *slog.Logger) *Merger {
	byID := make(map[string]*Question, len(questions))
	for _, q := range questions {
		if _, dup := byID[q.ID]; !dup {
			byID[q.ID] = q
		}
	}
	return &Merger{byID: byID, log: log}
}

// AddRespondent folds every answer key of one respondent record.
func (m *Merger) AddRespondent(values map[string]any) {
	m.stats.Respondents++
	for key, value := range values {
		if !strings.HasPrefix(key, answerKeyPrefix) {
			continue
		}
		m.Add(key, value)
	}
}

// Add folds a single raw answer. It never fails: answers that cannot be
// matched are logged and counted.
func (m *Merger) Add(key string, value any) {
	m.stats.Answers++

	q := m.resolve(key)
	if q == nil {
		m.stats.UnmatchedAnswers++
		m.log.Warn("aggregate: answer dropped", "error", ErrUnmatchedAnswer, "key", key)
		return
	}
	m.stats.Matched++

	switch s := q.Shape.(type) {
	case *Choices:
		for _, sel := range selections(value) {
			opt, ok := s.byKey[sel]
			if !ok {
				m.stats.UnmatchedOptions++
				m.log.Warn("aggregate: selection dropped",
					"error", ErrUnmatchedOption,
					"question_id", q.ID,
					"value", sel,
				)
				continue
			}
			opt.Count++
		}

	case *FreeText:
		s.Responses = append(s.Responses, stringify(value))

	case *Matrix:
		item, ok := s.bySubID[key]
		if !ok {
			m.stats.UnmatchedOptions++
			m.log.Warn("aggregate: matrix item not found",
				"error", ErrUnmatchedOption,
				"question_id", q.ID,
				"key", key,
			)
			break
		}
		x, ok := number(value)
		if !ok {
			m.stats.InvalidValues++
			m.log.Warn("aggregate: matrix value dropped",
				"error", ErrInvalidValue,
				"question_id", q.ID,
				"key", key,
			)
			break
		}
		item.Add(x)

	case *Unsupported:
		// Counted below; nothing to accumulate.

	default:
		panic("aggregate: unknown shape")
	}

	q.Answered++
}

// Stats returns a copy of the merge counters.
func (m *Merger) Stats() MergeStats {
	return m.stats
}

// resolve finds the question for an answer key: exact match first, then the
// part of the key before the first underscore (sub-item addressing).
func (m *Merger) resolve(key string) *Question {
	if q, ok := m.byID[key]; ok {
		return q
	}
	if prefix, _, found := strings.Cut(key, "_"); found {
		return m.byID[prefix]
	}
	return nil
}

// ─── VALUE COERCION ───────────────────────────────────────────────────────────

// selections wraps a scalar answer into a one-element slice; multi-select
// answers arrive as JSON arrays.
func selections(value any) []string {
	switch v := value.(type) {
	case []any:
		out := make([]string, len(v))
		for i, e := range v {
			out[i] = stringify(e)
		}
		return out
	case []string:
		return v
	default:
		return []string{stringify(value)}
	}
}

// stringify renders a decoded JSON value the way choice keys are written:
// integers without a decimal point, strings verbatim.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// number coerces a matrix answer to a finite float. Blank strings, booleans
// and null are rejected rather than read as zero.
func number(value any) (float64, bool) {
	var x float64
	switch v := value.(type) {
	case float64:
		x = v
	case int:
		x = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		x = f
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		x = f
	default:
		return 0, false
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, false
	}
	return x, true
}
