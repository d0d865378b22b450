package research

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Input identifies the prospect a provider should research, plus the focus
// of the query. Context optionally carries findings from earlier steps so a
// synthesis provider can build on them.
type Input struct {
	ProspectID string `json:"prospect_id"`
	FullName   string `json:"full_name"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	Employer   string `json:"employer,omitempty"`
	Title      string `json:"title,omitempty"`
	Focus      string `json:"focus"`
	Context    string `json:"context,omitempty"`
}

// foldTransformer strips combining marks so accented names hash and
// query identically regardless of how the upload spelled them.
var foldTransformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// foldDiacritics returns s with diacritical marks removed. On transform
// failure the input is returned unchanged.
func foldDiacritics(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		return s
	}
	return out
}

// collapseSpaces trims s and collapses interior whitespace runs to a
// single space.
func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Canonical returns a normalized copy of the input suitable for hashing:
// diacritics folded, whitespace collapsed, state uppercased. The focus and
// context fields pass through untouched.
func (in Input) Canonical() Input {
	return Input{
		ProspectID: strings.TrimSpace(in.ProspectID),
		FullName:   collapseSpaces(foldDiacritics(in.FullName)),
		City:       collapseSpaces(foldDiacritics(in.City)),
		State:      strings.ToUpper(strings.TrimSpace(in.State)),
		Employer:   collapseSpaces(foldDiacritics(in.Employer)),
		Title:      collapseSpaces(foldDiacritics(in.Title)),
		Focus:      in.Focus,
		Context:    in.Context,
	}
}

// Subject renders the prospect identity as a single descriptive phrase for
// provider prompts, e.g. "Jane Smith, CFO at Acme Corp, Austin, TX".
func (in Input) Subject() string {
	parts := []string{in.FullName}
	switch {
	case in.Title != "" && in.Employer != "":
		parts = append(parts, in.Title+" at "+in.Employer)
	case in.Title != "":
		parts = append(parts, in.Title)
	case in.Employer != "":
		parts = append(parts, in.Employer)
	}
	if in.City != "" {
		parts = append(parts, in.City)
	}
	if in.State != "" {
		parts = append(parts, in.State)
	}
	return strings.Join(parts, ", ")
}
