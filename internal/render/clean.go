package render

import (
	"strings"

	"golang.org/x/net/html"
)

// PlainText strips markup from platform-authored text. Entities are decoded,
// adjacent list items are joined with ", " and every other tag is dropped.
func PlainText(s string) string {
	if s == "" {
		return ""
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var (
		b strings.Builder

		// afterItem is set between a </li> and the next token that is not
		// whitespace; held buffers that whitespace in case an <li> follows.
		afterItem bool
		held      string
	)

	for {
		switch z.Next() {
		case html.ErrorToken:
			b.WriteString(held)
			return b.String()

		case html.TextToken:
			text := string(z.Text())
			if afterItem && strings.TrimSpace(text) == "" {
				held += text
				continue
			}
			b.WriteString(held)
			b.WriteString(text)
			afterItem, held = false, ""

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if afterItem && string(name) == "li" {
				b.WriteString(", ")
			} else {
				b.WriteString(held)
			}
			afterItem, held = false, ""

		case html.EndTagToken:
			name, _ := z.TagName()
			b.WriteString(held)
			afterItem, held = string(name) == "li", ""

		default:
			// Comments and doctypes carry no text.
		}
	}
}

var latexEscaper = strings.NewReplacer(
	`\`, `\textbackslash{}`,
	`~`, `\textasciitilde{}`,
	`^`, `\textasciicircum{}`,
	`{`, `\{`,
	`}`, `\}`,
	`#`, `\#`,
	`$`, `\$`,
	`%`, `\%`,
	`&`, `\&`,
	`_`, `\_`,
)

// CleanText turns platform text into a LaTeX-safe fragment: markup is
// stripped as in PlainText, LaTeX specials are escaped, a blank line becomes
// a \par and any other line break becomes a space.
func CleanText(s string) string {
	out := latexEscaper.Replace(PlainText(s))
	out = strings.ReplaceAll(out, "\r\n", "\n")
	out = strings.ReplaceAll(out, "\n\n", ` \par `)
	return strings.ReplaceAll(out, "\n", " ")
}

// listEntry escapes s for use inside a comma-separated pgfplots coordinate
// list, where a bare comma would split the entry.
func listEntry(s string) string {
	return strings.ReplaceAll(CleanText(s), ",", `\textcomma{}`)
}
