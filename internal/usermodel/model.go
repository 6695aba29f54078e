// Package usermodel holds the long-lived per-user behavioral model the
// routing core protects. The model is split into four layers with different
// rates of change; slower layers demand more confident evidence before their
// content moves.
package usermodel

import (
	"time"
)

// LayerID identifies one of the four model layers.
type LayerID string

const (
	LayerCoreIdentity          LayerID = "core_identity"
	LayerBehavioralPatterns    LayerID = "behavioral_patterns"
	LayerContextualPreferences LayerID = "contextual_preferences"
	LayerCurrentState          LayerID = "current_state"
)

// KnownLayer reports whether id names one of the four layers. Observation
// layer ids arrive from inference output and must never be trusted raw.
func KnownLayer(id LayerID) bool {
	switch id {
	case LayerCoreIdentity, LayerBehavioralPatterns, LayerContextualPreferences, LayerCurrentState:
		return true
	}
	return false
}

// LayersBySpecificity lists layers from slowest-changing (most specific
// evidence required) to fastest. Layer determination walks this order.
var LayersBySpecificity = []LayerID{
	LayerCoreIdentity,
	LayerBehavioralPatterns,
	LayerContextualPreferences,
	LayerCurrentState,
}

// Thresholds holds per-layer update thresholds. The defaults are the values
// the system was designed around; deployments may override them.
type Thresholds map[LayerID]float64

// DefaultThresholds returns the standard update thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LayerCoreIdentity:          0.95,
		LayerBehavioralPatterns:    0.85,
		LayerContextualPreferences: 0.70,
		LayerCurrentState:          0.50,
	}
}

const (
	// ConfidenceCap bounds per-layer running confidence.
	ConfidenceCap = 0.95
	// ConfidenceStep is the fixed increment per accepted observation.
	ConfidenceStep = 0.02
)

// Attribute is a single value within a layer. Set-valued attributes (Values
// non-nil) merge by union; scalar attributes replace. Confidence records how
// well-established the current content is and gates conflicting overwrites.
type Attribute struct {
	Value      string    `json:"value,omitempty"`
	Values     []string  `json:"values,omitempty"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetValued reports whether the attribute merges by union.
func (a Attribute) SetValued() bool {
	return a.Values != nil
}

// Layer maps attribute names to values.
type Layer map[string]Attribute

// Model is the per-user behavioral model. All mutation goes through the
// evolver; Version advances by exactly 1 per accepted mutation and backs
// optimistic concurrency at the store.
type Model struct {
	UserID                string             `json:"user_id"`
	CoreIdentity          Layer              `json:"core_identity"`
	BehavioralPatterns    Layer              `json:"behavioral_patterns"`
	ContextualPreferences Layer              `json:"contextual_preferences"`
	CurrentState          Layer              `json:"current_state"`
	ConfidenceScores      map[LayerID]float64 `json:"confidence_scores"`
	Version               int64              `json:"version"`
	InteractionCount      int64              `json:"interaction_count"`
	LastUpdated           time.Time          `json:"last_updated"`
}

// New returns an empty model for a user at version 0.
func New(userID string) *Model {
	return &Model{
		UserID:                userID,
		CoreIdentity:          Layer{},
		BehavioralPatterns:    Layer{},
		ContextualPreferences: Layer{},
		CurrentState:          Layer{},
		ConfidenceScores: map[LayerID]float64{
			LayerCoreIdentity:          0,
			LayerBehavioralPatterns:    0,
			LayerContextualPreferences: 0,
			LayerCurrentState:          0,
		},
	}
}

// Layer returns the named layer map, or nil for an unknown id.
func (m *Model) Layer(id LayerID) Layer {
	switch id {
	case LayerCoreIdentity:
		return m.CoreIdentity
	case LayerBehavioralPatterns:
		return m.BehavioralPatterns
	case LayerContextualPreferences:
		return m.ContextualPreferences
	case LayerCurrentState:
		return m.CurrentState
	}
	return nil
}

// Clone returns a deep copy. CAS attempts mutate a clone so a conflict never
// leaves a half-applied model behind, and snapshot readers never observe an
// in-flight write.
func (m *Model) Clone() *Model {
	c := &Model{
		UserID:                m.UserID,
		CoreIdentity:          cloneLayer(m.CoreIdentity),
		BehavioralPatterns:    cloneLayer(m.BehavioralPatterns),
		ContextualPreferences: cloneLayer(m.ContextualPreferences),
		CurrentState:          cloneLayer(m.CurrentState),
		ConfidenceScores:      make(map[LayerID]float64, len(m.ConfidenceScores)),
		Version:               m.Version,
		InteractionCount:      m.InteractionCount,
		LastUpdated:           m.LastUpdated,
	}
	for k, v := range m.ConfidenceScores {
		c.ConfidenceScores[k] = v
	}
	return c
}

func cloneLayer(l Layer) Layer {
	c := make(Layer, len(l))
	for k, a := range l {
		if a.Values != nil {
			vals := make([]string, len(a.Values))
			copy(vals, a.Values)
			a.Values = vals
		}
		c[k] = a
	}
	return c
}

// NudgeConfidence moves a layer's running confidence one fixed step toward
// the cap. Running confidence is monotonically non-decreasing.
func (m *Model) NudgeConfidence(layer LayerID) {
	score := m.ConfidenceScores[layer] + ConfidenceStep
	if score > ConfidenceCap {
		score = ConfidenceCap
	}
	m.ConfidenceScores[layer] = score
}
