package usermodel

import (
	"time"

	"github.com/google/uuid"
)

// Observation is one proposed model update, typically produced by an agent
// after processing a transcript. It is not applied directly; the evolver
// decides whether it clears the target layer's threshold.
type Observation struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	AgentID    string    `json:"agent_id"`
	Layer      LayerID   `json:"layer,omitempty"` // empty: evolver determines
	Attribute  string    `json:"attribute"`
	Value      string    `json:"value"`
	SetValued  bool      `json:"set_valued"`
	Confidence float64   `json:"confidence"`
	Themes     []string  `json:"themes,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Outcome is the terminal state of an observation's trip through the evolver.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"  // consistency check lost to established content
	OutcomeDiscarded Outcome = "discarded" // below the layer threshold; expected filtering
	OutcomeDropped   Outcome = "dropped"   // CAS retry budget exhausted
)

// HistoryEntry is the append-only audit record of an observation outcome.
type HistoryEntry struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	AgentID      string    `json:"agent_id"`
	Layer        LayerID   `json:"layer"`
	Attribute    string    `json:"attribute"`
	Outcome      Outcome   `json:"outcome"`
	Confidence   float64   `json:"confidence"`
	ModelVersion int64     `json:"model_version"` // version after the transition, 0 if none
	CreatedAt    time.Time `json:"created_at"`
}
