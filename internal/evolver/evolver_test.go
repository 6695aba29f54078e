package evolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ford-at-home/whispersync/internal/usermodel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []usermodel.HistoryEntry
}

func (f *fakeHistory) AppendHistory(_ context.Context, entry usermodel.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeHistory) accepted() []usermodel.HistoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []usermodel.HistoryEntry
	for _, e := range f.entries {
		if e.Outcome == usermodel.OutcomeAccepted {
			out = append(out, e)
		}
	}
	return out
}

// racingStore injects a competing write before the caller's next CAS attempt,
// simulating concurrent observations for the same user.
type racingStore struct {
	*usermodel.MemStore
	races int
}

func (s *racingStore) CompareAndSwap(ctx context.Context, userID string, expectedVersion int64, m *usermodel.Model) error {
	if s.races > 0 {
		s.races--
		cur, err := s.MemStore.Get(ctx, userID)
		if err == nil {
			rival := cur.Clone()
			rival.Version = cur.Version + 1
			rival.InteractionCount++
			_ = s.MemStore.CompareAndSwap(ctx, userID, cur.Version, rival)
		}
	}
	return s.MemStore.CompareAndSwap(ctx, userID, expectedVersion, m)
}

func seedModel(t *testing.T, store usermodel.Store, m *usermodel.Model) {
	t.Helper()
	if err := store.Create(context.Background(), m); err != nil {
		t.Fatalf("seed model: %v", err)
	}
}

func TestApply_LowConfidenceIdentityDiscarded(t *testing.T) {
	store := usermodel.NewMemStore()
	seedModel(t, store, usermodel.New("user-1"))
	ev := New(store, nil, nil, discardLogger())

	outcome, err := ev.Apply(context.Background(), usermodel.Observation{
		UserID:     "user-1",
		AgentID:    "reflect",
		Layer:      usermodel.LayerCoreIdentity,
		Attribute:  "values",
		Value:      "craftsmanship",
		Confidence: 0.60,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != usermodel.OutcomeDiscarded {
		t.Fatalf("outcome = %s, want discarded", outcome)
	}

	got, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(usermodel.New("user-1"), got); diff != "" {
		t.Errorf("model changed by a discarded observation (-want +got):\n%s", diff)
	}
}

func TestApply_AcceptedAdvancesVersionByOne(t *testing.T) {
	store := usermodel.NewMemStore()
	seedModel(t, store, usermodel.New("user-1"))
	history := &fakeHistory{}
	ev := New(store, history, nil, discardLogger())

	outcome, err := ev.Apply(context.Background(), usermodel.Observation{
		UserID:     "user-1",
		AgentID:    "work",
		Layer:      usermodel.LayerContextualPreferences,
		Attribute:  "work_hours",
		Value:      "early_morning",
		Confidence: 0.80,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != usermodel.OutcomeAccepted {
		t.Fatalf("outcome = %s, want accepted", outcome)
	}

	got, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
	if got.InteractionCount != 1 {
		t.Errorf("interaction count = %d, want 1", got.InteractionCount)
	}
	attr, ok := got.ContextualPreferences["work_hours"]
	if !ok || attr.Value != "early_morning" {
		t.Errorf("attribute not applied: %+v", got.ContextualPreferences)
	}
	if got.ConfidenceScores[usermodel.LayerContextualPreferences] != usermodel.ConfidenceStep {
		t.Errorf("layer confidence = %f, want one step", got.ConfidenceScores[usermodel.LayerContextualPreferences])
	}

	accepted := history.accepted()
	if len(accepted) != 1 {
		t.Fatalf("accepted history entries = %d, want 1", len(accepted))
	}
	if accepted[0].ModelVersion != 1 {
		t.Errorf("history model version = %d, want 1", accepted[0].ModelVersion)
	}
}

func TestApply_SetValuedUnion(t *testing.T) {
	store := usermodel.NewMemStore()
	m := usermodel.New("user-1")
	m.ContextualPreferences["music"] = usermodel.Attribute{Values: []string{"jazz"}, Confidence: 0.75}
	seedModel(t, store, m)
	ev := New(store, nil, nil, discardLogger())

	outcome, err := ev.Apply(context.Background(), usermodel.Observation{
		UserID:     "user-1",
		AgentID:    "memory",
		Layer:      usermodel.LayerContextualPreferences,
		Attribute:  "music",
		Value:      "ambient",
		SetValued:  true,
		Confidence: 0.72,
	})
	if err != nil || outcome != usermodel.OutcomeAccepted {
		t.Fatalf("outcome = %s err = %v, want accepted", outcome, err)
	}

	got, _ := store.Get(context.Background(), "user-1")
	attr := got.ContextualPreferences["music"]
	if diff := cmp.Diff([]string{"jazz", "ambient"}, attr.Values); diff != "" {
		t.Errorf("set union (-want +got):\n%s", diff)
	}
	// Union keeps the stronger confidence of the two.
	if attr.Confidence != 0.75 {
		t.Errorf("confidence = %f, want 0.75", attr.Confidence)
	}
}

func TestApply_ConsistencyRejection(t *testing.T) {
	store := usermodel.NewMemStore()
	m := usermodel.New("user-1")
	m.BehavioralPatterns["planning_style"] = usermodel.Attribute{Value: "deliberate", Confidence: 0.92}
	seedModel(t, store, m)
	ev := New(store, nil, nil, discardLogger())

	outcome, err := ev.Apply(context.Background(), usermodel.Observation{
		UserID:     "user-1",
		AgentID:    "work",
		Layer:      usermodel.LayerBehavioralPatterns,
		Attribute:  "planning_style",
		Value:      "impulsive",
		Confidence: 0.86,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != usermodel.OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", outcome)
	}

	got, _ := store.Get(context.Background(), "user-1")
	if got.BehavioralPatterns["planning_style"].Value != "deliberate" {
		t.Error("established content was overwritten by a weaker observation")
	}
	if got.Version != 0 {
		t.Errorf("version = %d, want unchanged 0", got.Version)
	}
}

func TestApply_HigherConfidenceReplacesScalar(t *testing.T) {
	store := usermodel.NewMemStore()
	m := usermodel.New("user-1")
	m.BehavioralPatterns["planning_style"] = usermodel.Attribute{Value: "deliberate", Confidence: 0.86}
	seedModel(t, store, m)
	ev := New(store, nil, nil, discardLogger())

	outcome, err := ev.Apply(context.Background(), usermodel.Observation{
		UserID:     "user-1",
		AgentID:    "work",
		Layer:      usermodel.LayerBehavioralPatterns,
		Attribute:  "planning_style",
		Value:      "adaptive",
		Confidence: 0.91,
	})
	if err != nil || outcome != usermodel.OutcomeAccepted {
		t.Fatalf("outcome = %s err = %v, want accepted", outcome, err)
	}

	got, _ := store.Get(context.Background(), "user-1")
	if got.BehavioralPatterns["planning_style"].Value != "adaptive" {
		t.Error("more confident conflicting observation should replace the scalar")
	}
}

func TestApply_VersionConflictRetries(t *testing.T) {
	inner := usermodel.NewMemStore()
	seedModel(t, inner, usermodel.New("user-1"))
	store := &racingStore{MemStore: inner, races: 1}
	ev := New(store, nil, nil, discardLogger())

	outcome, err := ev.Apply(context.Background(), usermodel.Observation{
		UserID:     "user-1",
		AgentID:    "idea",
		Layer:      usermodel.LayerCurrentState,
		Attribute:  "focus",
		Value:      "automation",
		Confidence: 0.6,
	})
	if err != nil || outcome != usermodel.OutcomeAccepted {
		t.Fatalf("outcome = %s err = %v, want accepted after retry", outcome, err)
	}

	got, _ := inner.Get(context.Background(), "user-1")
	// Rival write landed version 1; the retried observation landed version 2.
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
	if got.CurrentState["focus"].Value != "automation" {
		t.Error("retried observation was not applied")
	}
}

func TestApply_RetryBudgetExhausted(t *testing.T) {
	inner := usermodel.NewMemStore()
	seedModel(t, inner, usermodel.New("user-1"))
	store := &racingStore{MemStore: inner, races: 100}
	ev := New(store, nil, nil, discardLogger())

	outcome, err := ev.Apply(context.Background(), usermodel.Observation{
		UserID:     "user-1",
		AgentID:    "idea",
		Layer:      usermodel.LayerCurrentState,
		Attribute:  "focus",
		Value:      "automation",
		Confidence: 0.6,
	})
	if !errors.Is(err, ErrMutationExhausted) {
		t.Fatalf("err = %v, want ErrMutationExhausted", err)
	}
	if outcome != usermodel.OutcomeDropped {
		t.Errorf("outcome = %s, want dropped", outcome)
	}
}

func TestApply_FirstInteractionCreatesModel(t *testing.T) {
	store := usermodel.NewMemStore()
	ev := New(store, nil, nil, discardLogger())

	outcome, err := ev.Apply(context.Background(), usermodel.Observation{
		UserID:     "new-user",
		AgentID:    "reflect",
		Layer:      usermodel.LayerCurrentState,
		Attribute:  "mood",
		Value:      "hopeful",
		Confidence: 0.55,
	})
	if err != nil || outcome != usermodel.OutcomeAccepted {
		t.Fatalf("outcome = %s err = %v, want accepted", outcome, err)
	}

	got, err := store.Get(context.Background(), "new-user")
	if err != nil {
		t.Fatalf("model was not created: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

func TestApply_UnknownLayerNeverWritesRaw(t *testing.T) {
	store := usermodel.NewMemStore()
	ev := New(store, nil, nil, discardLogger())

	// Agents propose layers in free-form JSON; an id outside the four-layer
	// set must be re-determined, not written through.
	outcome, err := ev.Apply(context.Background(), usermodel.Observation{
		UserID:     "user-1",
		AgentID:    "reflect",
		Layer:      "identity",
		Attribute:  "self_view",
		Value:      "optimist",
		Confidence: 0.6,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != usermodel.OutcomeAccepted {
		t.Fatalf("outcome = %s, want accepted", outcome)
	}

	got, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if len(got.CoreIdentity) != 0 {
		t.Errorf("core identity written from unvalidated layer id: %+v", got.CoreIdentity)
	}
	if _, ok := got.CurrentState["self_view"]; !ok {
		t.Error("attribute did not land in current state")
	}
}

func TestDetermineLayer(t *testing.T) {
	ev := New(usermodel.NewMemStore(), nil, nil, discardLogger())

	tests := []struct {
		name string
		obs  usermodel.Observation
		want usermodel.LayerID
	}{
		{
			"explicit target wins",
			usermodel.Observation{Layer: usermodel.LayerCoreIdentity, Confidence: 0.2},
			usermodel.LayerCoreIdentity,
		},
		{
			"untagged evidence caps at contextual",
			usermodel.Observation{Confidence: 0.99},
			usermodel.LayerContextualPreferences,
		},
		{
			"habit theme reaches behavioral",
			usermodel.Observation{Themes: []string{"habit"}, Confidence: 0.90},
			usermodel.LayerBehavioralPatterns,
		},
		{
			"identity theme with extreme confidence reaches core",
			usermodel.Observation{Themes: []string{"identity"}, Confidence: 0.96},
			usermodel.LayerCoreIdentity,
		},
		{
			"identity theme without confidence falls through",
			usermodel.Observation{Themes: []string{"identity"}, Confidence: 0.75},
			usermodel.LayerContextualPreferences,
		},
		{
			"weak evidence lands in current state",
			usermodel.Observation{Themes: []string{"preference"}, Confidence: 0.30},
			usermodel.LayerCurrentState,
		},
		{
			"unknown layer id is treated as untagged",
			usermodel.Observation{Layer: "identity", Confidence: 0.99},
			usermodel.LayerContextualPreferences,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ev.determineLayer(tt.obs); got != tt.want {
				t.Errorf("layer = %s, want %s", got, tt.want)
			}
		})
	}
}
