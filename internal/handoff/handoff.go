// Package handoff coordinates mid-processing redirection of a transcript
// from one agent to another, preserving partial analysis and preventing
// cycles with an explicit visited set carried on the envelope.
package handoff

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ford-at-home/whispersync/internal/agents"
)

// ReasonCode is the closed set of handoff justifications.
type ReasonCode string

const (
	ReasonEmbeddedSecondaryTopic ReasonCode = "embedded_secondary_topic"
	ReasonLowConfidencePrimary   ReasonCode = "low_confidence_primary"
	ReasonExplicitRedirect       ReasonCode = "explicit_redirect"
)

// ParseReason validates a wire reason string.
func ParseReason(s string) (ReasonCode, error) {
	switch ReasonCode(s) {
	case ReasonEmbeddedSecondaryTopic, ReasonLowConfidencePrimary, ReasonExplicitRedirect:
		return ReasonCode(s), nil
	}
	return "", fmt.Errorf("unknown handoff reason %q", s)
}

var (
	// ErrCycle means the target agent already appears in the visited set.
	ErrCycle = errors.New("handoff cycle detected")
	// ErrHopLimit means the chain exceeded the configured hop budget.
	ErrHopLimit = errors.New("handoff hop limit exceeded")
)

// Envelope is a one-shot handoff message. It is never mutated after
// creation; a rejected handoff produces a new envelope.
type Envelope struct {
	ID                      uuid.UUID         `json:"id"`
	SourceAgent             agents.ID         `json:"source_agent"`
	TargetAgent             agents.ID         `json:"target_agent"`
	TranscriptID            uuid.UUID         `json:"transcript_id"`
	PartialAnalysis         map[string]string `json:"partial_analysis,omitempty"`
	Reason                  ReasonCode        `json:"reason"`
	PreserveVoiceContinuity bool              `json:"preserve_voice_continuity"`
	Visited                 []agents.ID       `json:"visited"` // agents that already touched this transcript
	Hop                     int               `json:"hop"`     // 1 for the first redirect
	CreatedAt               time.Time         `json:"created_at"`
}

// Coordinator validates and admits handoff envelopes.
type Coordinator struct {
	hopLimit int
	logger   *slog.Logger
}

func NewCoordinator(hopLimit int, logger *slog.Logger) *Coordinator {
	if hopLimit < 1 {
		hopLimit = 1
	}
	return &Coordinator{hopLimit: hopLimit, logger: logger}
}

// NewEnvelope builds an immutable envelope from an agent's handoff request.
// visited must already contain the source agent's chain (including source).
func (c *Coordinator) NewEnvelope(source agents.ID, transcriptID uuid.UUID, req agents.HandoffRequest, visited []agents.ID) (*Envelope, error) {
	if !agents.Valid(req.Target) {
		return nil, fmt.Errorf("%w: %s", agents.ErrUnknown, req.Target)
	}
	reason, err := ParseReason(req.Reason)
	if err != nil {
		return nil, err
	}

	chain := make([]agents.ID, len(visited), len(visited)+1)
	copy(chain, visited)
	if !contains(chain, source) {
		chain = append(chain, source)
	}

	return &Envelope{
		ID:                      uuid.New(),
		SourceAgent:             source,
		TargetAgent:             req.Target,
		TranscriptID:            transcriptID,
		PartialAnalysis:         req.PartialAnalysis,
		Reason:                  reason,
		PreserveVoiceContinuity: req.PreserveVoice,
		Visited:                 chain,
		Hop:                     len(chain), // one hop per agent already visited
		CreatedAt:               time.Now().UTC(),
	}, nil
}

// Offer decides whether the target accepts the envelope. A target auto-
// rejects when it already appears in the visited set; a chain past the hop
// limit is rejected so redirection can never cascade indefinitely. Both
// rejections route the transcript to the tentative path, not to an error.
func (c *Coordinator) Offer(env *Envelope) error {
	if contains(env.Visited, env.TargetAgent) {
		c.logger.Warn("handoff rejected: cycle",
			"transcript_id", env.TranscriptID,
			"source", env.SourceAgent,
			"target", env.TargetAgent,
		)
		return ErrCycle
	}
	if env.Hop > c.hopLimit {
		c.logger.Warn("handoff rejected: hop limit",
			"transcript_id", env.TranscriptID,
			"hop", env.Hop,
			"limit", c.hopLimit,
		)
		return ErrHopLimit
	}
	c.logger.Info("handoff accepted",
		"transcript_id", env.TranscriptID,
		"source", env.SourceAgent,
		"target", env.TargetAgent,
		"reason", string(env.Reason),
	)
	return nil
}

func contains(ids []agents.ID, id agents.ID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
