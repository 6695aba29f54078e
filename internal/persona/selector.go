// Package persona chooses a response voice from emotional signal, recent
// continuity and the agent identity. Selection is a pure function of its
// inputs: no network, no storage, no clock reads.
package persona

import (
	"time"

	"github.com/ford-at-home/whispersync/internal/agents"
	"github.com/ford-at-home/whispersync/internal/classifier"
	"github.com/ford-at-home/whispersync/internal/usermodel"
)

// Selection names a persona and variation plus the rule that produced it.
// It is a derived value: logged for continuity lookups, never persisted as
// identity.
type Selection struct {
	Persona       string `json:"persona"`
	Variation     string `json:"variation"`
	Justification string `json:"justification"` // emotional_override | continuity | low_energy_dampening | agent_default
}

// HistoryEntry is one past selection from the most-recent-N log.
type HistoryEntry struct {
	Persona    string    `json:"persona"`
	Variation  string    `json:"variation"`
	SelectedAt time.Time `json:"selected_at"`
}

const (
	VariationStandard    = "standard"
	VariationComfort     = "comfort"
	VariationCelebration = "celebration"
	VariationReflective  = "reflective"
	VariationCalm        = "calm"
)

// emotionalOverrideFloor is the intensity at which emotion outranks the
// agent's default voice.
const emotionalOverrideFloor = 0.8

// continuityWindow keeps the voice stable across rapid back-to-back memos.
const continuityWindow = 10 * time.Minute

// defaults maps each agent to its persona and whether that persona runs hot
// enough to need dampening when the user is low on energy.
var defaults = map[agents.ID]struct {
	persona    string
	highEnergy bool
}{
	agents.Work:    {persona: "pragmatist", highEnergy: false},
	agents.Memory:  {persona: "archivist", highEnergy: false},
	agents.Idea:    {persona: "spark", highEnergy: true},
	agents.Reflect: {persona: "companion", highEnergy: false},
}

// Select chooses the response voice. recent must be ordered newest first;
// now is passed in so the function stays referentially transparent.
func Select(agentID agents.ID, emotion classifier.EmotionalSignal, recent []HistoryEntry, currentState usermodel.Layer, now time.Time) Selection {
	def := defaults[agentID]
	if def.persona == "" {
		def.persona = string(agentID)
	}

	// 1. Strong emotion overrides everything, including continuity.
	if emotion.Intensity >= emotionalOverrideFloor {
		if v, ok := emotionVariation(emotion.Primary); ok {
			return Selection{Persona: def.persona, Variation: v, Justification: "emotional_override"}
		}
	}

	// 2. Recent selection for this user repeats for conversational continuity.
	if len(recent) > 0 && now.Sub(recent[0].SelectedAt) <= continuityWindow {
		return Selection{
			Persona:       recent[0].Persona,
			Variation:     recent[0].Variation,
			Justification: "continuity",
		}
	}

	// 3. Low user energy downgrades high-energy personas to a calmer register.
	if def.highEnergy && lowEnergy(currentState) {
		return Selection{Persona: def.persona, Variation: VariationCalm, Justification: "low_energy_dampening"}
	}

	// 4. Agent default.
	return Selection{Persona: def.persona, Variation: VariationStandard, Justification: "agent_default"}
}

func emotionVariation(primary string) (string, bool) {
	switch primary {
	case "grief", "fear", "sadness":
		return VariationComfort, true
	case "joy", "excitement":
		return VariationCelebration, true
	case "awe", "gratitude":
		return VariationReflective, true
	}
	return "", false
}

func lowEnergy(state usermodel.Layer) bool {
	if state == nil {
		return false
	}
	switch state["energy"].Value {
	case "low", "depleted", "exhausted":
		return true
	}
	return false
}
