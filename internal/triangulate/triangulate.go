package triangulate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/donorpath/prospect-cli/internal/model"
)

// Triangulate merges provider results for one prospect into a single
// confidence-scored record. Empty input yields an empty result with all
// fields unknown, never an error. The output is immutable once returned.
func Triangulate(prospectID string, results []model.ProviderResult, cfg *Config) model.TriangulatedResult {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	out := model.TriangulatedResult{
		ProspectID: prospectID,
		Fields:     make(map[string]model.Field, len(fieldOrder)),
	}
	for _, f := range fieldOrder {
		out.Fields[f] = model.Field{Confidence: model.ConfidenceUnknown}
	}

	// Keep only results that produced anything, in provider priority order.
	usable := make([]model.ProviderResult, 0, len(results))
	for _, r := range results {
		if r.Text == "" && len(r.Sources) == 0 {
			continue
		}
		usable = append(usable, r)
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return cfg.providerRank(usable[i].Provider) < cfg.providerRank(usable[j].Provider)
	})
	if len(usable) == 0 {
		return out
	}

	out.Sources = mergeSources(usable)

	// A provider's extracted values inherit authority from its citations:
	// if it cites a government or regulatory source, its claims are
	// treated as filed rather than reported.
	authoritative := make(map[string]bool, len(usable))
	var candidates []candidate
	for _, r := range usable {
		for _, s := range r.Sources {
			if cfg.IsAuthoritative(hostOf(s.URL)) {
				authoritative[r.Provider] = true
				break
			}
		}
		candidates = append(candidates, extractCandidates(r.Provider, r.Text)...)
	}

	byField := make(map[string][]candidate)
	for _, c := range candidates {
		byField[c.Field] = append(byField[c.Field], c)
	}

	for _, field := range fieldOrder {
		cands := byField[field]
		if len(cands) == 0 {
			continue
		}
		winner, conf, agreeing := scoreField(cands, cfg, authoritative)

		out.Fields[field] = model.Field{
			Value:      winner.Value,
			Amount:     winner.Amount,
			Confidence: conf,
			Providers:  agreeing,
		}

		out.Findings = append(out.Findings, model.Finding{
			Category:   FieldCategory(field),
			Value:      winner.Value,
			Amount:     winner.Amount,
			Confidence: conf,
			Provider:   winner.Provider,
		})

		// Distinct losing values are carried as low-confidence findings so
		// a researcher can see what was contradicted, not just who won.
		for _, c := range cands {
			if c.Provider == winner.Provider || valuesAgree(c, winner, cfg.AgreementTolerance) {
				continue
			}
			out.Findings = append(out.Findings, model.Finding{
				Category:   FieldCategory(field),
				Value:      c.Value,
				Amount:     c.Amount,
				Confidence: model.ConfidenceLow,
				Provider:   c.Provider,
			})
		}
	}

	out.Insights = buildInsights(out.Fields)
	out.Narrative = buildNarrative(usable)
	return out
}

// scoreField picks the winning candidate for a field and classifies its
// confidence. Conflicting numeric values are never averaged: the highest
// confidence wins, ties broken by authoritative-source priority and then
// provider order.
func scoreField(cands []candidate, cfg *Config, authoritative map[string]bool) (candidate, model.Confidence, []string) {
	type scored struct {
		cand     candidate
		conf     model.Confidence
		agreeing []string
	}

	confRank := func(c model.Confidence) int {
		switch c {
		case model.ConfidenceHigh:
			return 0
		case model.ConfidenceMedium:
			return 1
		case model.ConfidenceLow:
			return 2
		default:
			return 3
		}
	}

	best := scored{conf: model.ConfidenceUnknown}
	haveBest := false
	for _, c := range cands {
		agree := map[string]bool{c.Provider: true}
		for _, other := range cands {
			if other.Provider != c.Provider && valuesAgree(c, other, cfg.AgreementTolerance) {
				agree[other.Provider] = true
			}
		}

		var conf model.Confidence
		switch {
		case len(agree) >= 2:
			conf = model.ConfidenceHigh
		case authoritative[c.Provider]:
			conf = model.ConfidenceMedium
		default:
			conf = model.ConfidenceLow
		}

		agreeing := make([]string, 0, len(agree))
		for p := range agree {
			agreeing = append(agreeing, p)
		}
		sort.Strings(agreeing)

		s := scored{cand: c, conf: conf, agreeing: agreeing}
		if !haveBest {
			best = s
			haveBest = true
			continue
		}

		switch {
		case confRank(s.conf) < confRank(best.conf):
			best = s
		case confRank(s.conf) == confRank(best.conf):
			sAuth := authoritative[s.cand.Provider]
			bAuth := authoritative[best.cand.Provider]
			if sAuth && !bAuth {
				best = s
			} else if sAuth == bAuth && cfg.providerRank(s.cand.Provider) < cfg.providerRank(best.cand.Provider) {
				best = s
			}
		}
	}

	return best.cand, best.conf, best.agreeing
}

// mergeSources deduplicates citations across providers by normalized URL.
// The first provider in priority order wins the display name.
func mergeSources(results []model.ProviderResult) []model.Source {
	seen := make(map[string]bool)
	var out []model.Source
	for _, r := range results {
		for _, s := range r.Sources {
			key := NormalizeURL(s.URL)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}

// buildInsights produces one ranked summary sentence per non-empty
// category, highest confidence first.
func buildInsights(fields map[string]model.Field) []string {
	type entry struct {
		field string
		f     model.Field
	}
	var entries []entry
	for _, field := range fieldOrder {
		f := fields[field]
		if f.Confidence == model.ConfidenceUnknown || f.Value == "" {
			continue
		}
		entries = append(entries, entry{field: field, f: f})
	}

	rank := map[model.Confidence]int{
		model.ConfidenceHigh:   0,
		model.ConfidenceMedium: 1,
		model.ConfidenceLow:    2,
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return rank[entries[i].f.Confidence] < rank[entries[j].f.Confidence]
	})

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		var detail string
		if e.f.Amount > 0 && e.field != FieldAge {
			detail = fmt.Sprintf("%s (~%s)", e.f.Value, humanAmount(e.f.Amount))
		} else {
			detail = e.f.Value
		}
		out = append(out, fmt.Sprintf("%s: %s (%s confidence, %d source(s))",
			FieldCategory(e.field), detail, e.f.Confidence, len(e.f.Providers)))
	}
	return out
}

// buildNarrative concatenates the primary provider's text with a clearly
// delimited additional-findings section per remaining provider.
func buildNarrative(results []model.ProviderResult) string {
	var b strings.Builder
	primary := true
	for _, r := range results {
		if r.Text == "" {
			continue
		}
		if primary {
			b.WriteString(r.Text)
			primary = false
			continue
		}
		b.WriteString("\n\n--- Additional findings (")
		b.WriteString(r.Provider)
		b.WriteString(") ---\n\n")
		b.WriteString(r.Text)
	}
	return b.String()
}

// humanAmount renders a dollar amount with a K/M/B suffix.
func humanAmount(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("$%.1fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("$%.1fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("$%.1fK", v/1e3)
	default:
		return fmt.Sprintf("$%.0f", v)
	}
}
