// Package pipeline orchestrates batch prospect research: a fixed sequence
// of provider research steps per prospect, executed under idempotency,
// rate limiting, retry, and circuit breaking, with checkpointed resume
// and a terminal local triangulation step.
package pipeline

import (
	"time"

	"github.com/donorpath/prospect-cli/internal/research"
)

// Step names. The order is fixed; the idempotency key and checkpoint
// rows embed these names, so renaming one invalidates stored state.
const (
	StepWealthScreen = "wealth_screen"
	StepPhilanthropy = "philanthropy"
	StepBiography    = "biography"
	StepTriangulate  = "triangulate"
)

// Step describes one stage of the research sequence. Provider is empty
// for local steps, which consume earlier outputs instead of calling out.
type Step struct {
	Name     string
	Provider string
	Focus    string
	Timeout  time.Duration
}

// Local reports whether the step runs in-process.
func (s Step) Local() bool { return s.Provider == "" }

// DefaultSteps returns the fixed research sequence with built-in
// per-step provider call budgets.
func DefaultSteps() []Step {
	return Steps(nil)
}

// Steps returns the fixed research sequence, overriding provider call
// timeouts from the given per-step map. Steps absent from the map (or
// mapped to zero) keep their defaults; the local triangulation step
// carries no timeout.
func Steps(timeouts map[string]time.Duration) []Step {
	steps := []Step{
		{Name: StepWealthScreen, Provider: "perplexity", Focus: research.FocusWealth, Timeout: 90 * time.Second},
		{Name: StepPhilanthropy, Provider: "jina", Focus: research.FocusPhilanthropy, Timeout: 45 * time.Second},
		{Name: StepBiography, Provider: "anthropic", Focus: research.FocusBiography, Timeout: 90 * time.Second},
		{Name: StepTriangulate},
	}
	for i, s := range steps {
		if s.Local() {
			continue
		}
		if t, ok := timeouts[s.Name]; ok && t > 0 {
			steps[i].Timeout = t
		}
	}
	return steps
}

// StepNames returns just the names, in order, for the checkpoint tracker.
func StepNames(steps []Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}
