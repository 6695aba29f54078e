package classifier

import (
	"errors"

	"github.com/google/uuid"
)

// ErrUnavailable means the underlying inference call failed or timed out.
// Callers must treat this as "no route decided", never as "route to a
// default agent".
var ErrUnavailable = errors.New("classification unavailable")

// Candidate is one (agent, confidence) pair. Confidence is always inside
// [0.01, 0.99] so downstream threshold comparisons are well-defined.
type Candidate struct {
	AgentID    string  `json:"agent_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// EmotionalSignal is the detected primary emotion and its intensity.
type EmotionalSignal struct {
	Primary   string  `json:"primary"`
	Intensity float64 `json:"intensity"`
}

// Entity is a named thing mentioned in the transcript.
type Entity struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // person | place | project | org | other
}

// Classification is the structured output for one transcript. It is produced
// once and never mutated; retries recompute it.
type Classification struct {
	TranscriptID uuid.UUID       `json:"transcript_id"`
	Candidates   []Candidate     `json:"candidates"` // ranked, highest confidence first
	Themes       []string        `json:"themes"`
	Emotion      EmotionalSignal `json:"emotion"`
	Entities     []Entity        `json:"entities"`
}

// Top returns the highest-confidence candidate. The classifier guarantees at
// least one candidate on success.
func (c *Classification) Top() Candidate {
	return c.Candidates[0]
}

// clampConfidence keeps confidence strictly inside (0, 1).
func clampConfidence(v float64) float64 {
	if v < 0.01 {
		return 0.01
	}
	if v > 0.99 {
		return 0.99
	}
	return v
}
