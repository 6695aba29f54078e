package synthesizer

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ford-at-home/whispersync/internal/agents"
	"github.com/ford-at-home/whispersync/internal/usermodel"
)

func TestSynthesize_EmptyInputFails(t *testing.T) {
	if _, err := Synthesize(nil); !errors.Is(err, ErrInsufficientResults) {
		t.Fatalf("err = %v, want ErrInsufficientResults", err)
	}
}

func TestSynthesize_WeightsSumToOne(t *testing.T) {
	tests := []struct {
		name        string
		confidences map[agents.ID]float64
	}{
		{"two results", map[agents.ID]float64{agents.Work: 0.75, agents.Idea: 0.65}},
		{"three uneven", map[agents.ID]float64{agents.Work: 0.9, agents.Idea: 0.2, agents.Reflect: 0.55}},
		{"all zero falls back to uniform", map[agents.ID]float64{agents.Work: 0, agents.Memory: 0}},
		{"single result", map[agents.ID]float64{agents.Memory: 0.4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []*agents.Result
			for id, conf := range tt.confidences {
				results = append(results, &agents.Result{AgentID: id, Confidence: conf, Summary: "s"})
			}
			got, err := Synthesize(results)
			if err != nil {
				t.Fatalf("synthesize: %v", err)
			}
			var sum float64
			for _, w := range got.Weights {
				sum += w
			}
			if math.Abs(sum-1.0) > 1e-9 {
				t.Errorf("weights sum = %f, want 1.0", sum)
			}
		})
	}
}

func TestSynthesize_ScenarioWeights(t *testing.T) {
	// workAgent 0.75 / ideaAgent 0.65 → weights ≈ 0.536 / 0.464.
	got, err := Synthesize([]*agents.Result{
		{AgentID: agents.Work, Confidence: 0.75, Summary: "Finished the API refactor."},
		{AgentID: agents.Idea, Confidence: 0.65, Summary: "Automate the pattern detection."},
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	if math.Abs(got.Weights[agents.Work]-0.536) > 0.001 {
		t.Errorf("work weight = %f, want ≈0.536", got.Weights[agents.Work])
	}
	if math.Abs(got.Weights[agents.Idea]-0.464) > 0.001 {
		t.Errorf("idea weight = %f, want ≈0.464", got.Weights[agents.Idea])
	}
	if len(got.Sources) != 2 || got.Sources[0] != agents.Work {
		t.Errorf("sources = %v, want [work idea]", got.Sources)
	}
	if !strings.HasPrefix(got.Narrative, "Finished the API refactor.") {
		t.Errorf("narrative does not lead with the heaviest result: %q", got.Narrative)
	}
}

func TestSynthesize_DoesNotMutateInputs(t *testing.T) {
	obs := usermodel.Observation{Attribute: "focus", Value: "shipping", Confidence: 0.6}
	in := []*agents.Result{
		{AgentID: agents.Work, Confidence: 0.8, Summary: "a", Observations: []usermodel.Observation{obs}},
		{AgentID: agents.Idea, Confidence: 0.6, Summary: "b"},
	}

	got, err := Synthesize(in)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	if in[0].Summary != "a" || in[1].Summary != "b" || in[0].Confidence != 0.8 {
		t.Error("inputs were mutated")
	}
	// Conflicting observations are carried, not merged.
	if diff := cmp.Diff([]usermodel.Observation{obs}, got.Observations); diff != "" {
		t.Errorf("observations not passed through (-want +got):\n%s", diff)
	}
}
