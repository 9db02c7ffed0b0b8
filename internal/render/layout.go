package render

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed layout.toml
var defaultLayoutTOML string

// Layout decides which component file each question renders into and which
// reference document pandoc styles the full report with.
type Layout struct {
	// Components maps a question id to its component base name. The report
	// templates \input these names.
	Components map[string]string `toml:"components"`

	// Overflow is the base name for questions missing from Components. Each
	// such question gets "<overflow>-<question id>".
	Overflow string `toml:"overflow"`

	// ReferenceDoc is an optional .docx passed to pandoc --reference-doc.
	ReferenceDoc string `toml:"reference_doc"`
}

// DefaultLayout returns the embedded layout.
func DefaultLayout() Layout {
	l, err := parseLayout(defaultLayoutTOML)
	if err != nil {
		panic(fmt.Sprintf("render: embedded layout: %v", err))
	}
	return l
}

// LoadLayout reads a layout file. An empty path yields DefaultLayout.
func LoadLayout(path string) (Layout, error) {
	if path == "" {
		return DefaultLayout(), nil
	}
	var l Layout
	md, err := toml.DecodeFile(path, &l)
	if err != nil {
		return Layout{}, fmt.Errorf("render: load layout %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return Layout{}, fmt.Errorf("render: load layout %s: %w", path, err)
	}
	return l.withDefaults(), nil
}

func parseLayout(doc string) (Layout, error) {
	var l Layout
	md, err := toml.Decode(doc, &l)
	if err != nil {
		return Layout{}, err
	}
	if err := checkUndecoded(md); err != nil {
		return Layout{}, err
	}
	return l.withDefaults(), nil
}

func checkUndecoded(md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		sort.Strings(names)
		return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
	}
	return nil
}

func (l Layout) withDefaults() Layout {
	if l.Overflow == "" {
		l.Overflow = "overflow"
	}
	if l.Components == nil {
		l.Components = map[string]string{}
	}
	return l
}

// ComponentName returns the file base name for a question.
func (l Layout) ComponentName(questionID string) string {
	if name, ok := l.Components[questionID]; ok && name != "" {
		return name
	}
	return l.Overflow + "-" + questionID
}
