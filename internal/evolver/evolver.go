// Package evolver applies proposed observations to the per-user behavioral
// model. Each observation passes layer determination, a threshold check and a
// consistency check before it can mutate anything, so a single noisy
// observation can never destabilize a well-established trait. All mutation
// goes through optimistic concurrency on the model version.
package evolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ford-at-home/whispersync/internal/bus"
	"github.com/ford-at-home/whispersync/internal/usermodel"
)

// ErrMutationExhausted means the CAS retry budget ran out. It is logged and
// the observation dropped; user-facing responses never depend on it.
var ErrMutationExhausted = errors.New("user model mutation retries exhausted")

// HistoryWriter records observation outcomes append-only. Accepted entries
// must never be lost; the evolver writes them synchronously.
type HistoryWriter interface {
	AppendHistory(ctx context.Context, entry usermodel.HistoryEntry) error
}

// Publisher emits audit events. Optional; best-effort.
type Publisher interface {
	Publish(subject string, data any) error
}

type Evolver struct {
	store      usermodel.Store
	history    HistoryWriter
	publisher  Publisher
	thresholds usermodel.Thresholds
	maxRetries int
	logger     *slog.Logger
}

func New(store usermodel.Store, history HistoryWriter, publisher Publisher, logger *slog.Logger) *Evolver {
	return &Evolver{
		store:      store,
		history:    history,
		publisher:  publisher,
		thresholds: usermodel.DefaultThresholds(),
		maxRetries: 3,
		logger:     logger,
	}
}

// SetThresholds overrides the per-layer update thresholds.
func (e *Evolver) SetThresholds(t usermodel.Thresholds) {
	e.thresholds = t
}

// SetMaxRetries overrides the CAS retry budget.
func (e *Evolver) SetMaxRetries(n int) {
	if n < 1 {
		n = 1
	}
	e.maxRetries = n
}

// Apply runs one observation through the state machine and returns its
// terminal outcome. Only OutcomeDropped carries an error, and callers on the
// response path are expected to log it rather than fail the request.
func (e *Evolver) Apply(ctx context.Context, obs usermodel.Observation) (usermodel.Outcome, error) {
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		model, err := e.loadOrCreate(ctx, obs.UserID)
		if err != nil {
			return usermodel.OutcomeDropped, fmt.Errorf("load model: %w", err)
		}

		layer := e.determineLayer(obs)

		// ThresholdCheck: explicitly targeted observations below their
		// layer's bar are filtered, not failed. An auto-determined
		// observation that fell all the way to currentState stays.
		if obs.Confidence < e.thresholds[layer] && !(!usermodel.KnownLayer(obs.Layer) && layer == usermodel.LayerCurrentState) {
			e.record(ctx, obs, layer, usermodel.OutcomeDiscarded, 0)
			return usermodel.OutcomeDiscarded, nil
		}

		// ConsistencyCheck: established scalar content wins over a less
		// confident conflicting observation.
		if existing, ok := model.Layer(layer)[obs.Attribute]; ok {
			if !existing.SetValued() && !obs.SetValued &&
				existing.Value != obs.Value && existing.Confidence > obs.Confidence {
				e.record(ctx, obs, layer, usermodel.OutcomeRejected, 0)
				return usermodel.OutcomeRejected, nil
			}
		}

		next := model.Clone()
		merge(next.Layer(layer), obs)
		next.NudgeConfidence(layer)
		next.Version = model.Version + 1
		next.InteractionCount++
		next.LastUpdated = time.Now().UTC()

		err = e.store.CompareAndSwap(ctx, obs.UserID, model.Version, next)
		if err == nil {
			e.recordAccepted(ctx, obs, layer, next.Version)
			return usermodel.OutcomeAccepted, nil
		}
		if !errors.Is(err, usermodel.ErrVersionConflict) {
			return usermodel.OutcomeDropped, fmt.Errorf("commit model: %w", err)
		}
		e.logger.Debug("model version conflict, retrying",
			"user_id", obs.UserID,
			"attempt", attempt+1,
		)
	}

	e.record(ctx, obs, e.determineLayer(obs), usermodel.OutcomeDropped, 0)
	e.logger.Warn("observation dropped after retry budget",
		"user_id", obs.UserID,
		"agent_id", obs.AgentID,
		"attribute", obs.Attribute,
	)
	return usermodel.OutcomeDropped, ErrMutationExhausted
}

// ApplyAll submits observations independently. Failures affect only
// long-term learning, so they are logged and never propagated.
func (e *Evolver) ApplyAll(ctx context.Context, observations []usermodel.Observation) []usermodel.HistoryEntry {
	var outcomes []usermodel.HistoryEntry
	for _, obs := range observations {
		outcome, err := e.Apply(ctx, obs)
		if err != nil && !errors.Is(err, ErrMutationExhausted) {
			e.logger.Error("observation apply failed", "user_id", obs.UserID, "error", err)
		}
		outcomes = append(outcomes, usermodel.HistoryEntry{
			ID:         obs.ID,
			UserID:     obs.UserID,
			AgentID:    obs.AgentID,
			Layer:      e.determineLayer(obs),
			Attribute:  obs.Attribute,
			Outcome:    outcome,
			Confidence: obs.Confidence,
			CreatedAt:  time.Now().UTC(),
		})
	}
	return outcomes
}

// Snapshot returns the committed model for a user, creating an empty one on
// first interaction. Reads never block on in-flight writes.
func (e *Evolver) Snapshot(ctx context.Context, userID string) (*usermodel.Model, error) {
	return e.loadOrCreate(ctx, userID)
}

func (e *Evolver) loadOrCreate(ctx context.Context, userID string) (*usermodel.Model, error) {
	model, err := e.store.Get(ctx, userID)
	if err == nil {
		return model, nil
	}
	if !errors.Is(err, usermodel.ErrNotFound) {
		return nil, err
	}

	fresh := usermodel.New(userID)
	if createErr := e.store.Create(ctx, fresh); createErr != nil {
		// Lost a create race; the other writer's model is fine.
		return e.store.Get(ctx, userID)
	}
	e.logger.Info("user model created", "user_id", userID)
	return fresh, nil
}

// merge applies the observation to the layer map: union for set-valued
// attributes, replace for scalars.
func merge(layer usermodel.Layer, obs usermodel.Observation) {
	now := time.Now().UTC()
	existing, ok := layer[obs.Attribute]

	if obs.SetValued {
		var values []string
		if ok && existing.SetValued() {
			values = append(values, existing.Values...)
		}
		if !containsString(values, obs.Value) {
			values = append(values, obs.Value)
		}
		conf := obs.Confidence
		if ok && existing.Confidence > conf {
			conf = existing.Confidence
		}
		layer[obs.Attribute] = usermodel.Attribute{Values: values, Confidence: conf, UpdatedAt: now}
		return
	}

	layer[obs.Attribute] = usermodel.Attribute{Value: obs.Value, Confidence: obs.Confidence, UpdatedAt: now}
}

// determineLayer picks the single most specific layer for the observation.
// A valid explicit target always wins; a layer id outside the four-layer set
// (agents propose layers in free-form JSON) is treated as untagged. Otherwise
// theme hints bound how specific the observation may reach, and the
// confidence must clear the layer's threshold; anything that qualifies for
// nothing lands in currentState.
func (e *Evolver) determineLayer(obs usermodel.Observation) usermodel.LayerID {
	if usermodel.KnownLayer(obs.Layer) {
		return obs.Layer
	}

	start := mostSpecificHint(obs.Themes)
	seen := false
	for _, layer := range usermodel.LayersBySpecificity {
		if layer == start {
			seen = true
		}
		if !seen {
			continue
		}
		if obs.Confidence >= e.thresholds[layer] {
			return layer
		}
	}
	return usermodel.LayerCurrentState
}

// themeHints maps theme tags to the most specific layer they license.
var themeHints = map[string]usermodel.LayerID{
	"identity":      usermodel.LayerCoreIdentity,
	"belief":        usermodel.LayerCoreIdentity,
	"value":         usermodel.LayerCoreIdentity,
	"role":          usermodel.LayerCoreIdentity,
	"habit":         usermodel.LayerBehavioralPatterns,
	"pattern":       usermodel.LayerBehavioralPatterns,
	"routine":       usermodel.LayerBehavioralPatterns,
	"communication": usermodel.LayerBehavioralPatterns,
	"preference":    usermodel.LayerContextualPreferences,
	"taste":         usermodel.LayerContextualPreferences,
	"interest":      usermodel.LayerContextualPreferences,
}

func mostSpecificHint(themes []string) usermodel.LayerID {
	best := usermodel.LayerContextualPreferences // untagged evidence never reaches identity
	bestIdx := indexOf(best)
	for _, t := range themes {
		if layer, ok := themeHints[t]; ok {
			if idx := indexOf(layer); idx < bestIdx {
				best, bestIdx = layer, idx
			}
		}
	}
	return best
}

func indexOf(layer usermodel.LayerID) int {
	for i, l := range usermodel.LayersBySpecificity {
		if l == layer {
			return i
		}
	}
	return len(usermodel.LayersBySpecificity) - 1
}

// recordAccepted writes the history entry synchronously; accepted
// transitions must never be lost.
func (e *Evolver) recordAccepted(ctx context.Context, obs usermodel.Observation, layer usermodel.LayerID, version int64) {
	entry := historyEntry(obs, layer, usermodel.OutcomeAccepted, version)
	if e.history != nil {
		if err := e.history.AppendHistory(ctx, entry); err != nil {
			e.logger.Error("failed to append accepted history", "user_id", obs.UserID, "error", err)
		}
	}
	e.publish(entry)
}

// record writes non-accepted outcomes off the hot path, best effort.
func (e *Evolver) record(ctx context.Context, obs usermodel.Observation, layer usermodel.LayerID, outcome usermodel.Outcome, version int64) {
	entry := historyEntry(obs, layer, outcome, version)
	if e.history != nil {
		go func() {
			if err := e.history.AppendHistory(context.WithoutCancel(ctx), entry); err != nil {
				e.logger.Warn("failed to append history", "user_id", obs.UserID, "outcome", string(outcome), "error", err)
			}
		}()
	}
	e.publish(entry)
}

func (e *Evolver) publish(entry usermodel.HistoryEntry) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(bus.SubjectObservation, entry); err != nil {
		e.logger.Warn("failed to publish observation event", "error", err)
	}
}

func historyEntry(obs usermodel.Observation, layer usermodel.LayerID, outcome usermodel.Outcome, version int64) usermodel.HistoryEntry {
	id := obs.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return usermodel.HistoryEntry{
		ID:           id,
		UserID:       obs.UserID,
		AgentID:      obs.AgentID,
		Layer:        layer,
		Attribute:    obs.Attribute,
		Outcome:      outcome,
		Confidence:   obs.Confidence,
		ModelVersion: version,
		CreatedAt:    time.Now().UTC(),
	}
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
