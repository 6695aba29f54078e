package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ford-at-home/whispersync/internal/anthropic"
	"github.com/ford-at-home/whispersync/internal/usermodel"
)

const defaultExecTimeout = 25 * time.Second

// LLMExecutor runs one agent's analysis through the inference API.
type LLMExecutor struct {
	id      ID
	llm     *anthropic.Client
	timeout time.Duration
	logger  *slog.Logger
}

func NewLLMExecutor(id ID, llm *anthropic.Client, logger *slog.Logger) *LLMExecutor {
	return &LLMExecutor{id: id, llm: llm, timeout: defaultExecTimeout, logger: logger}
}

// SetTimeout overrides the agent-level execution deadline.
func (e *LLMExecutor) SetTimeout(d time.Duration) {
	e.timeout = d
}

type llmAgentResponse struct {
	Summary      string         `json:"summary"`
	Confidence   float64        `json:"confidence"`
	Payload      map[string]any `json:"payload"`
	Observations []struct {
		Layer      string   `json:"layer"`
		Attribute  string   `json:"attribute"`
		Value      string   `json:"value"`
		SetValued  bool     `json:"set_valued"`
		Confidence float64  `json:"confidence"`
		Themes     []string `json:"themes"`
	} `json:"observations"`
	Handoff *HandoffRequest `json:"handoff"`
}

func (e *LLMExecutor) Execute(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prompt := fmt.Sprintf(userPromptTemplate,
		req.Transcript.SourceID,
		req.Transcript.UserID,
		handoffContext(req),
		req.Transcript.Text,
	)

	raw, err := e.llm.Complete(ctx, systemPrompts[e.id], []anthropic.Message{{Role: "user", Content: prompt}}, 4096)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: agent %s", ErrTimeout, e.id)
		}
		return nil, fmt.Errorf("agent %s execute: %w", e.id, err)
	}

	var resp llmAgentResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		e.logger.Error("failed to parse agent response", "agent", e.id, "error", err, "raw", raw)
		return nil, fmt.Errorf("agent %s parse response: %w", e.id, err)
	}

	if resp.Handoff != nil && resp.Handoff.Target != "" {
		e.logger.Info("agent requested handoff",
			"agent", e.id,
			"target", resp.Handoff.Target,
			"reason", resp.Handoff.Reason,
		)
		return &Response{Handoff: resp.Handoff}, nil
	}

	result := &Result{
		AgentID:    e.id,
		Confidence: resp.Confidence,
		Summary:    resp.Summary,
		Payload:    resp.Payload,
	}
	now := time.Now().UTC()
	for _, o := range resp.Observations {
		result.Observations = append(result.Observations, usermodel.Observation{
			ID:         uuid.New(),
			UserID:     req.Transcript.UserID,
			AgentID:    string(e.id),
			Layer:      usermodel.LayerID(o.Layer),
			Attribute:  o.Attribute,
			Value:      o.Value,
			SetValued:  o.SetValued,
			Confidence: o.Confidence,
			Themes:     o.Themes,
			ObservedAt: now,
		})
	}

	return &Response{Result: result}, nil
}

// handoffContext renders a prior agent's partial analysis as appended input.
func handoffContext(req Request) string {
	if len(req.HandoffNote) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Handed off from the %s agent with partial analysis:\n", req.HandoffFrom)
	for k, v := range req.HandoffNote {
		fmt.Fprintf(&sb, "- %s: %s\n", k, v)
	}
	return sb.String()
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
