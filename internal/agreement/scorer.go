// Package agreement tracks how often human reviewers agree with the routes
// chosen for each agent. The score is a deterministic, auditable number, not
// a learned probability; it nudges classifier confidence rather than
// replacing it.
package agreement

// Record is the per-agent agreement state kept in storage.
type Record struct {
	AgentID       string
	Score         float64
	TotalReviews  int
	ConfirmedRuns int
}

// signalWeight is the score increment per review verdict.
const signalWeight = 0.03

// UpdateScore calculates the new agreement score after a review verdict.
// Disagreement degrades the score 2x faster than agreement builds it, so a
// run of bad routes shows up quickly.
func UpdateScore(currentScore float64, confirmed bool) float64 {
	if confirmed {
		return clamp(currentScore + signalWeight)
	}
	return clamp(currentScore - signalWeight*2.0)
}

// DecayScore applies daily decay for agents with no recent review signal.
// decayRate is typically 0.01, days is the number of days since the last
// signal.
func DecayScore(currentScore float64, decayRate float64, days int) float64 {
	score := currentScore
	for i := 0; i < days; i++ {
		score *= (1.0 - decayRate)
	}
	return clamp(score)
}

// Blend folds historical agreement into a raw classifier confidence. With no
// review history the classifier's number stands alone; as reviews accumulate
// the agreement score pulls the confidence up to ±blendWeight of its range.
// The result stays inside the clamp window the router expects.
const blendWeight = 0.2

func Blend(classifierConfidence float64, rec *Record) float64 {
	if rec == nil || rec.TotalReviews == 0 {
		return clampConfidence(classifierConfidence)
	}
	blended := classifierConfidence*(1-blendWeight) + rec.Score*blendWeight
	return clampConfidence(blended)
}

func clamp(score float64) float64 {
	if score < 0.0 {
		return 0.0
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}

// clampConfidence keeps confidence inside [0.01, 0.99] so threshold
// comparisons downstream are always well-defined.
func clampConfidence(c float64) float64 {
	if c < 0.01 {
		return 0.01
	}
	if c > 0.99 {
		return 0.99
	}
	return c
}
