package aggregate

import (
	"log/slog"
)

// Definition is the loosely-typed external question definition the normalizer
// consumes. The survey client maps its wire format into this shape so that
// aggregate stays independent of the platform API.
type Definition struct {
	ID   string
	Text string
	Type string // platform type tag: "MC", "TE", "Matrix", …

	// Choices in source order.
	Choices []Choice

	// Recode maps a raw choice key to the value respondents' answers carry.
	// May be nil.
	Recode map[string]string
}

// Choice is one entry of an external choice dictionary.
type Choice struct {
	Key     string
	Display string
}

// Normalize maps one external definition to exactly one canonical Question.
// Unknown types become Unsupported and are logged; Normalize never fails.
func Normalize(def Definition, log *slog.Logger) *Question {
	q := &Question{ID: def.ID, Text: def.Text}

	switch Kind(def.Type) {
	case KindChoice:
		c := &Choices{
			Options: make([]*ChoiceOption, 0, len(def.Choices)),
			byKey:   make(map[string]*ChoiceOption, len(def.Choices)),
		}
		for _, ch := range def.Choices {
			key := ch.Key
			if recoded, ok := def.Recode[ch.Key]; ok {
				key = recoded
			}
			opt := &ChoiceOption{Label: ch.Display, ChoiceKey: key}
			c.Options = append(c.Options, opt)
			if _, dup := c.byKey[key]; !dup {
				c.byKey[key] = opt
			}
		}
		q.Shape = c

	case KindText:
		q.Shape = &FreeText{}

	case KindMatrix:
		m := &Matrix{
			Items:   make([]*MatrixItem, 0, len(def.Choices)),
			bySubID: make(map[string]*MatrixItem, len(def.Choices)),
		}
		for _, ch := range def.Choices {
			item := &MatrixItem{
				Label:   ch.Display,
				SubID:   def.ID + "_" + ch.Key,
				Moments: NewMoments(),
			}
			m.Items = append(m.Items, item)
			if _, dup := m.bySubID[item.SubID]; !dup {
				m.bySubID[item.SubID] = item
			}
		}
		q.Shape = m

	default:
		log.Warn("aggregate: unsupported question type",
			"error", ErrUnsupportedType,
			"question_id", def.ID,
			"type", def.Type,
		)
		q.Shape = &Unsupported{RawType: def.Type}
	}

	return q
}

// NormalizeAll normalizes every definition, preserving order.
func NormalizeAll(defs []Definition, log *slog.Logger) []*Question {
	out := make([]*Question, len(defs))
	for i, def := range defs {
		out[i] = Normalize(def, log)
	}
	return out
}
