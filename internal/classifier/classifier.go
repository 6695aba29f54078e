// Package classifier turns raw transcript text into a ranked set of agent
// candidates plus extracted themes, entities and emotional signal.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ford-at-home/whispersync/internal/agreement"
	"github.com/ford-at-home/whispersync/internal/anthropic"
	"github.com/ford-at-home/whispersync/internal/transcript"
	"github.com/ford-at-home/whispersync/internal/usermodel"
)

const defaultTimeout = 10 * time.Second

// AgreementSource supplies historical review agreement per agent. May be nil;
// the classifier then uses raw inference confidence.
type AgreementSource interface {
	GetAgreement(ctx context.Context, agentID string) (*agreement.Record, error)
}

type Classifier struct {
	llm        *anthropic.Client
	cache      Cache
	agreements AgreementSource
	timeout    time.Duration
	logger     *slog.Logger
}

func New(llm *anthropic.Client, cache Cache, agreements AgreementSource, logger *slog.Logger) *Classifier {
	return &Classifier{
		llm:        llm,
		cache:      cache,
		agreements: agreements,
		timeout:    defaultTimeout,
		logger:     logger,
	}
}

// SetTimeout overrides the default inference timeout.
func (c *Classifier) SetTimeout(d time.Duration) {
	c.timeout = d
}

type llmResponse struct {
	Candidates []Candidate     `json:"candidates"`
	Themes     []string        `json:"themes"`
	Emotion    EmotionalSignal `json:"emotion"`
	Entities   []Entity        `json:"entities"`
}

// Classify produces a Classification for the transcript. The optional prior
// model biases the prompt with known preferences. Results are cached on
// (transcript hash, inference model) so re-delivery of the same transcript
// does not hit inference again.
func (c *Classifier) Classify(ctx context.Context, tr transcript.Transcript, prior *usermodel.Model) (*Classification, error) {
	key := tr.Hash() + ":" + c.llm.Model()
	if cached, ok := c.cache.Get(key); ok {
		c.logger.Debug("classification cache hit", "transcript_id", tr.ID)
		out := *cached
		out.TranscriptID = tr.ID
		return &out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := fmt.Sprintf(userPromptTemplate, tr.SourceID, priorContext(prior), tr.Text)
	raw, err := c.llm.Complete(ctx, systemPrompt, []anthropic.Message{{Role: "user", Content: prompt}}, 2048)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		c.logger.Error("failed to parse classification response", "error", err, "raw", raw)
		return nil, fmt.Errorf("%w: parse response: %v", ErrUnavailable, err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates returned", ErrUnavailable)
	}

	candidates := c.rankCandidates(ctx, resp.Candidates)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates for known agents", ErrUnavailable)
	}

	result := &Classification{
		TranscriptID: tr.ID,
		Candidates:   candidates,
		Themes:       resp.Themes,
		Emotion:      resp.Emotion,
		Entities:     resp.Entities,
	}
	result.Emotion.Intensity = clamp01(result.Emotion.Intensity)

	c.cache.Add(key, result)

	c.logger.Info("transcript classified",
		"transcript_id", tr.ID,
		"top_agent", result.Top().AgentID,
		"top_confidence", result.Top().Confidence,
		"candidates", len(result.Candidates),
	)
	return result, nil
}

// knownAgents mirrors the agent list in systemPrompt. The inference response
// is untrusted output; candidates outside this set are discarded before
// anything downstream keys on the agent id.
var knownAgents = map[string]bool{
	"work":    true,
	"memory":  true,
	"idea":    true,
	"reflect": true,
}

// rankCandidates drops unknown agents, deduplicates on agent id keeping the
// stronger candidate, clamps confidences, blends in historical agreement, and
// sorts highest first. Ties break on agent id so ranking is deterministic.
func (c *Classifier) rankCandidates(ctx context.Context, in []Candidate) []Candidate {
	best := make(map[string]Candidate, len(in))
	for _, cand := range in {
		if !knownAgents[cand.AgentID] {
			c.logger.Warn("discarding candidate for unknown agent", "agent_id", cand.AgentID)
			continue
		}
		conf := clampConfidence(cand.Confidence)
		if c.agreements != nil {
			if rec, err := c.agreements.GetAgreement(ctx, cand.AgentID); err == nil {
				conf = agreement.Blend(conf, rec)
			}
		}
		if prev, ok := best[cand.AgentID]; ok && prev.Confidence >= conf {
			continue
		}
		best[cand.AgentID] = Candidate{AgentID: cand.AgentID, Confidence: conf, Reasoning: cand.Reasoning}
	}

	out := make([]Candidate, 0, len(best))
	for _, cand := range best {
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// priorContext renders known contextual preferences as prompt hints.
func priorContext(prior *usermodel.Model) string {
	if prior == nil || len(prior.ContextualPreferences) == 0 {
		return ""
	}
	var hints []string
	for name, attr := range prior.ContextualPreferences {
		if attr.SetValued() {
			hints = append(hints, name+": "+strings.Join(attr.Values, ", "))
		} else {
			hints = append(hints, name+": "+attr.Value)
		}
	}
	sort.Strings(hints)
	return "Known user preferences: " + strings.Join(hints, "; ") + "\n"
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
