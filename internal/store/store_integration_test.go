//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/ford-at-home/whispersync/internal/agreement"
	"github.com/ford-at-home/whispersync/internal/persona"
	"github.com/ford-at-home/whispersync/internal/usermodel"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestIntegration_UserModelLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	userID := "integration-" + uuid.New().String()[:8]

	if _, err := s.Get(ctx, userID); !errors.Is(err, usermodel.ErrNotFound) {
		t.Fatalf("Get before Create: err = %v, want ErrNotFound", err)
	}

	m := usermodel.New(userID)
	if err := s.Create(ctx, m); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Apply one mutation via CAS.
	next := m.Clone()
	next.ContextualPreferences["work_hours"] = usermodel.Attribute{Value: "early_morning", Confidence: 0.8}
	next.Version = 1
	if err := s.CompareAndSwap(ctx, userID, 0, next); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}

	got, err := s.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
	if got.ContextualPreferences["work_hours"].Value != "early_morning" {
		t.Errorf("attribute not persisted: %+v", got.ContextualPreferences)
	}

	// A stale CAS must fail with a version conflict.
	stale := m.Clone()
	stale.Version = 1
	if err := s.CompareAndSwap(ctx, userID, 0, stale); !errors.Is(err, usermodel.ErrVersionConflict) {
		t.Errorf("stale CAS: err = %v, want ErrVersionConflict", err)
	}
}

func TestIntegration_HistoryAppendAndRead(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	userID := "integration-" + uuid.New().String()[:8]

	entry := usermodel.HistoryEntry{
		ID:           uuid.New(),
		UserID:       userID,
		AgentID:      "work",
		Layer:        usermodel.LayerContextualPreferences,
		Attribute:    "work_hours",
		Outcome:      usermodel.OutcomeAccepted,
		Confidence:   0.8,
		ModelVersion: 1,
	}
	if err := s.AppendHistory(ctx, entry); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	entries, err := s.RecentHistory(ctx, userID, 10)
	if err != nil {
		t.Fatalf("RecentHistory failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Outcome != usermodel.OutcomeAccepted || entries[0].Attribute != "work_hours" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestIntegration_PersonaSelections(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	userID := "integration-" + uuid.New().String()[:8]

	sel := persona.Selection{Persona: "companion", Variation: persona.VariationComfort, Justification: "emotional_override"}
	if err := s.InsertPersonaSelection(ctx, userID, "reflect", sel); err != nil {
		t.Fatalf("InsertPersonaSelection failed: %v", err)
	}

	recent, err := s.RecentPersonaSelections(ctx, userID, 5)
	if err != nil {
		t.Fatalf("RecentPersonaSelections failed: %v", err)
	}
	if len(recent) != 1 || recent[0].Persona != "companion" {
		t.Errorf("unexpected selections: %+v", recent)
	}
}

func TestIntegration_AgreementUpsert(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agentID := "integration-" + uuid.New().String()[:8]

	rec, err := s.GetAgreement(ctx, agentID)
	if err != nil {
		t.Fatalf("GetAgreement failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected no record, got %+v", rec)
	}

	if err := s.UpsertAgreement(ctx, agreement.Record{AgentID: agentID, Score: 0.5, TotalReviews: 1, ConfirmedRuns: 1}); err != nil {
		t.Fatalf("UpsertAgreement failed: %v", err)
	}

	rec, err = s.GetAgreement(ctx, agentID)
	if err != nil {
		t.Fatalf("GetAgreement after upsert failed: %v", err)
	}
	if rec == nil || rec.Score != 0.5 || rec.TotalReviews != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}
}
