// Package synthesizer merges independent agent results from a multi-agent
// fan-out into one coherent payload. It is a pure, side-effect-free reducer:
// inputs are never mutated, and conflicting proposed observations are passed
// through untouched for the evolver to adjudicate.
package synthesizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ford-at-home/whispersync/internal/agents"
	"github.com/ford-at-home/whispersync/internal/usermodel"
)

// ErrInsufficientResults means the synthesizer was handed zero results. That
// is a wiring error and is always surfaced, never papered over with an empty
// synthesis.
var ErrInsufficientResults = errors.New("synthesizer requires at least one agent result")

// SynthesizedResult is the single merged output for one transcript.
type SynthesizedResult struct {
	Narrative    string                  `json:"narrative"`
	Weights      map[agents.ID]float64   `json:"weights"` // normalized, sums to 1
	Sources      []agents.ID             `json:"sources"` // descending weight
	Observations []usermodel.Observation `json:"observations,omitempty"`
}

// Synthesize reduces agent results into one narrative. Each result is
// weighted by its own confidence, normalized across the set; when every
// confidence is zero the weights fall back to uniform.
func Synthesize(results []*agents.Result) (*SynthesizedResult, error) {
	if len(results) == 0 {
		return nil, ErrInsufficientResults
	}

	var total float64
	for _, r := range results {
		total += r.Confidence
	}

	weights := make(map[agents.ID]float64, len(results))
	for _, r := range results {
		if total > 0 {
			weights[r.AgentID] = r.Confidence / total
		} else {
			weights[r.AgentID] = 1.0 / float64(len(results))
		}
	}

	ordered := make([]*agents.Result, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		return weights[ordered[i].AgentID] > weights[ordered[j].AgentID]
	})

	out := &SynthesizedResult{
		Narrative: narrative(ordered, weights),
		Weights:   weights,
	}
	for _, r := range ordered {
		out.Sources = append(out.Sources, r.AgentID)
		out.Observations = append(out.Observations, r.Observations...)
	}
	return out, nil
}

// narrative leads with the heaviest result's summary and folds the rest in
// as secondary perspectives in weight order.
func narrative(ordered []*agents.Result, weights map[agents.ID]float64) string {
	var sb strings.Builder
	sb.WriteString(ordered[0].Summary)
	for _, r := range ordered[1:] {
		if r.Summary == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n\nFrom the %s perspective (weight %.2f): %s", r.AgentID, weights[r.AgentID], r.Summary)
	}
	return sb.String()
}
