package triangulate

import (
	"regexp"
	"strconv"
	"strings"
)

// Target field keys. These are the fields triangulation scores across
// providers; anything a narrative mentions outside them is ignored.
const (
	FieldPropertyValue   = "property_value"
	FieldBusinessRole    = "business_affiliation"
	FieldSECTicker       = "sec_ticker"
	FieldPoliticalGiving = "political_giving"
	FieldFoundation      = "foundation"
	FieldNetWorth        = "net_worth"
	FieldAge             = "age"
	FieldEducation       = "education"
)

// FieldCategory maps a field key to the finding category used in summaries.
func FieldCategory(field string) string {
	switch field {
	case FieldPropertyValue:
		return "properties"
	case FieldBusinessRole:
		return "business_affiliations"
	case FieldSECTicker:
		return "securities"
	case FieldPoliticalGiving:
		return "political_giving"
	case FieldFoundation:
		return "philanthropy"
	case FieldNetWorth:
		return "net_worth"
	default:
		return "biography"
	}
}

// fieldOrder fixes iteration order for deterministic output.
var fieldOrder = []string{
	FieldNetWorth,
	FieldPropertyValue,
	FieldBusinessRole,
	FieldSECTicker,
	FieldPoliticalGiving,
	FieldFoundation,
	FieldAge,
	FieldEducation,
}

const amountPattern = `\$\s*([\d][\d,]*(?:\.\d+)?)\s*(thousand|million|billion|[KMBkmb])?\b`

var (
	netWorthRe  = regexp.MustCompile(`(?i)net\s+worth[^.\n]*?` + amountPattern)
	propertyRe  = regexp.MustCompile(`(?i)(?:home|house|property|residence|estate|condo)[^.\n]*?` + amountPattern)
	politicalRe = regexp.MustCompile(`(?i)(?:political|campaign|FEC|PAC|candidate)[^.\n]*?` + amountPattern)

	tickerRe     = regexp.MustCompile(`(?:NYSE|NASDAQ|Nasdaq)[:\s]+([A-Z]{1,5})\b`)
	roleRe       = regexp.MustCompile(`(?i)\b(CEO|CFO|COO|founder|co-founder|president|chairman|chairwoman|owner|managing partner|partner|principal|executive director|director)\s+(?:of|at)\s+([A-Z][A-Za-z0-9&.,'\- ]{2,60})`)
	foundationRe = regexp.MustCompile(`\b(?:[Tt]he\s+)?([A-Z][A-Za-z'\-]+(?:\s+[A-Z][A-Za-z'\-]+)*\s+(?:Family\s+)?Foundation)\b`)
	ageRe        = regexp.MustCompile(`(?i)\b(?:age|aged)\s+(\d{2})\b`)
	educationRe  = regexp.MustCompile(`(?i)(?:graduated\s+from|degree\s+from|alumnus\s+of|alumna\s+of|attended|MBA\s+from|earned\s+(?:a|an)\s+[A-Za-z.]+\s+(?:at|from))\s+([A-Z][A-Za-z&.'\- ]{2,60})`)
)

// candidate is one extracted value before cross-provider scoring.
type candidate struct {
	Field    string
	Value    string
	Amount   float64
	Numeric  bool
	Provider string
}

// normalizeAmount converts a matched magnitude string and suffix to an
// absolute dollar amount: "1.2" + "M" -> 1_200_000.
func normalizeAmount(num, suffix string) (float64, bool) {
	num = strings.ReplaceAll(num, ",", "")
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(suffix) {
	case "k", "thousand":
		v *= 1e3
	case "m", "million":
		v *= 1e6
	case "b", "billion":
		v *= 1e9
	}
	return v, true
}

// extractCandidates pulls field candidates from one provider's narrative.
func extractCandidates(provider, text string) []candidate {
	var out []candidate

	addAmount := func(field string, re *regexp.Regexp) {
		if m := re.FindStringSubmatch(text); m != nil {
			if v, ok := normalizeAmount(m[1], m[2]); ok {
				out = append(out, candidate{
					Field:    field,
					Value:    strings.TrimSpace(m[0]),
					Amount:   v,
					Numeric:  true,
					Provider: provider,
				})
			}
		}
	}

	addAmount(FieldNetWorth, netWorthRe)
	addAmount(FieldPropertyValue, propertyRe)
	addAmount(FieldPoliticalGiving, politicalRe)

	if m := tickerRe.FindStringSubmatch(text); m != nil {
		out = append(out, candidate{Field: FieldSECTicker, Value: m[1], Provider: provider})
	}
	if m := roleRe.FindStringSubmatch(text); m != nil {
		org := strings.TrimRight(strings.TrimSpace(m[2]), ".,")
		out = append(out, candidate{Field: FieldBusinessRole, Value: m[1] + " of " + org, Provider: provider})
	}
	if m := foundationRe.FindStringSubmatch(text); m != nil {
		out = append(out, candidate{Field: FieldFoundation, Value: strings.TrimSpace(m[1]), Provider: provider})
	}
	if m := ageRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			out = append(out, candidate{Field: FieldAge, Value: m[1], Amount: v, Numeric: true, Provider: provider})
		}
	}
	if m := educationRe.FindStringSubmatch(text); m != nil {
		out = append(out, candidate{Field: FieldEducation, Value: strings.TrimRight(strings.TrimSpace(m[1]), ".,"), Provider: provider})
	}

	return out
}

// valuesAgree reports whether two candidates for the same field agree:
// numeric values within tolerance, strings equal after folding.
func valuesAgree(a, b candidate, tolerance float64) bool {
	if a.Numeric && b.Numeric {
		hi := a.Amount
		lo := b.Amount
		if lo > hi {
			hi, lo = lo, hi
		}
		if hi == 0 {
			return lo == 0
		}
		return (hi-lo)/hi <= tolerance
	}
	return strings.EqualFold(strings.TrimSpace(a.Value), strings.TrimSpace(b.Value))
}
