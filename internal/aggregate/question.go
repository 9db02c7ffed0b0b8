// Package aggregate is the response aggregation engine. It normalizes external
// question definitions into canonical questions, folds raw per-respondent
// answers into per-question accumulators, and finalizes those accumulators into
// the report structure handed to rendering.
//
// It imports nothing from internal/ and can be tested without any network.
package aggregate

import (
	"errors"
	"math"
)

// ─── ERRORS ───────────────────────────────────────────────────────────────────
// None of these abort a merge. They are logged and counted in MergeStats.

var (
	ErrUnmatchedAnswer = errors.New("aggregate: answer matches no question")
	ErrUnmatchedOption = errors.New("aggregate: answer value matches no option")
	ErrInvalidValue    = errors.New("aggregate: answer value is not numeric")
	ErrUnsupportedType = errors.New("aggregate: unsupported question type")
)

// ─── QUESTION TYPES ───────────────────────────────────────────────────────────

// Kind is the canonical question type. The string values match the external
// platform's type tags so reports and templates can use them directly.
type Kind string

const (
	KindChoice      Kind = "MC"     // single or multi select
	KindText        Kind = "TE"     // free text
	KindMatrix      Kind = "Matrix" // numeric matrix, one accumulator per row
	KindUnsupported Kind = "Unsupported"
)

// Shape is the closed set of per-type accumulator states. Only the four types
// in this file implement it.
type Shape interface {
	kind() Kind
}

// Choices accumulates tallies for a single or multi select question.
type Choices struct {
	Options []*ChoiceOption

	// byKey resolves a raw answer value to its option. When two options share
	// a choice key the first one wins.
	byKey map[string]*ChoiceOption
}

// ChoiceOption is one selectable answer.
type ChoiceOption struct {
	Label     string
	ChoiceKey string // recoded value when the platform defines one, else the raw key
	Count     int
}

// FreeText collects raw text answers in arrival order.
type FreeText struct {
	Responses []string
}

// Matrix accumulates running moments per sub-item.
type Matrix struct {
	Items []*MatrixItem

	bySubID map[string]*MatrixItem
}

// MatrixItem is one row of a matrix question. SubID is the answer key that
// addresses it, e.g. "QID10_3".
type MatrixItem struct {
	Label string
	SubID string
	Moments
}

// Unsupported keeps a question of an unknown type so rendering can skip it
// deliberately.
type Unsupported struct {
	RawType string
}

func (*Choices) kind() Kind     { return KindChoice }
func (*FreeText) kind() Kind    { return KindText }
func (*Matrix) kind() Kind      { return KindMatrix }
func (*Unsupported) kind() Kind { return KindUnsupported }

// Question is the canonical, mutable representation of one survey question for
// the lifetime of a single report request.
type Question struct {
	ID   string
	Text string

	// Answered counts every answer routed to this question, whether or not it
	// matched an option.
	Answered int

	Shape Shape
}

// Kind reports the question's canonical type.
func (q *Question) Kind() Kind {
	return q.Shape.kind()
}

// ─── MOMENTS ──────────────────────────────────────────────────────────────────

// Moments is a Welford running-moment accumulator. Variance and standard
// deviation are derived from M2 at finalize time only.
type Moments struct {
	N    int
	Mean float64
	M2   float64 // sum of squared deltas from the running mean
	Min  float64
	Max  float64
	Sum  float64
}

// NewMoments returns an empty accumulator with the "no data" sentinels.
func NewMoments() Moments {
	return Moments{Min: math.Inf(1), Max: math.Inf(-1)}
}

// Add folds one sample into the accumulator.
func (m *Moments) Add(x float64) {
	n := m.N + 1
	delta1 := x - m.Mean
	mean := m.Mean + delta1/float64(n)
	delta2 := x - mean

	m.M2 += delta1 * delta2
	m.Mean = mean
	m.Min = math.Min(m.Min, x)
	m.Max = math.Max(m.Max, x)
	m.Sum += x
	m.N = n
}

// Variance is the population variance (M2 / n). ok is false with no samples.
func (m Moments) Variance() (v float64, ok bool) {
	if m.N == 0 {
		return 0, false
	}
	return m.M2 / float64(m.N), true
}
