// Package transcript defines the immutable input record the routing core
// operates on. A Transcript is created once on ingest and never mutated.
package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Transcript is one unit of work for the routing core.
type Transcript struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	SourceID   string    `json:"source_id"` // e.g. "voice", "slack", "backfill"
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Hash returns a stable content hash of the transcript text. It keys the
// classification cache together with the inference model version, which makes
// double delivery of the same transcript cheap and side-effect free.
func (t Transcript) Hash() string {
	sum := sha256.Sum256([]byte(t.Text))
	return hex.EncodeToString(sum[:])
}

// StoredEvent is the ingest payload published by the upstream capture
// service when a transcript lands.
type StoredEvent struct {
	TranscriptID string `json:"transcript_id"`
	UserID       string `json:"user_id"`
	SourceID     string `json:"source_id"`
	Text         string `json:"text"`
	ReceivedAt   string `json:"received_at"` // RFC3339
}

// ToTranscript converts an ingest event into the immutable record. A missing
// or invalid timestamp falls back to now; a missing ID gets a fresh one so
// replays without IDs are still traceable.
func (e StoredEvent) ToTranscript() (Transcript, error) {
	id, err := uuid.Parse(e.TranscriptID)
	if err != nil {
		id = uuid.New()
	}

	ts, err := time.Parse(time.RFC3339, e.ReceivedAt)
	if err != nil {
		ts = time.Now().UTC()
	}

	return Transcript{
		ID:         id,
		UserID:     e.UserID,
		SourceID:   e.SourceID,
		Text:       e.Text,
		ReceivedAt: ts,
	}, nil
}
