package model

// Source is a single citation returned by a research provider.
type Source struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// ProviderResult is the raw output of one provider call for one prospect.
// Ephemeral: it is only persisted as a step output and consumed by
// triangulation.
type ProviderResult struct {
	Provider       string   `json:"provider"`
	Text           string   `json:"text"`
	Sources        []Source `json:"sources"`
	TokensEstimate int      `json:"tokens_estimate"`
	DurationMs     int64    `json:"duration_ms"`
	Error          string   `json:"error,omitempty"`
}

// Confidence classifies cross-source agreement for an extracted field.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceUnknown Confidence = "unknown"
)

// Field is a triangulated value for one target field.
type Field struct {
	Value      string     `json:"value,omitempty"`
	Amount     float64    `json:"amount,omitempty"`
	Confidence Confidence `json:"confidence"`
	Providers  []string   `json:"providers,omitempty"`
}

// Finding is one structured wealth or biographical indicator extracted
// from provider narratives.
type Finding struct {
	Category   string     `json:"category"`
	Value      string     `json:"value"`
	Amount     float64    `json:"amount,omitempty"`
	Confidence Confidence `json:"confidence"`
	Provider   string     `json:"provider"`
}

// TriangulatedResult is the per-prospect merged record produced after all
// configured providers have returned. Immutable once created.
type TriangulatedResult struct {
	ProspectID string           `json:"prospect_id"`
	Sources    []Source         `json:"sources"`
	Fields     map[string]Field `json:"fields"`
	Findings   []Finding        `json:"findings,omitempty"`
	Insights   []string         `json:"insights,omitempty"`
	Narrative  string           `json:"narrative,omitempty"`
}
