// Package slack posts tentative routing outcomes for human review and parses
// the reaction verdicts that come back. Review verdicts feed the agreement
// scores; they never block the response path.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ford-at-home/whispersync/internal/classifier"
	"github.com/ford-at-home/whispersync/internal/router"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// SetAPIURL points the poster at a test server.
func (p *Poster) SetAPIURL(url string) {
	p.apiURL = url
}

// ReviewRequest is what a human reviewer sees for one routed transcript.
type ReviewRequest struct {
	TranscriptID uuid.UUID
	UserID       string
	Excerpt      string
	Decision     router.Decision
	Candidates   []classifier.Candidate
	Persona      string
}

// PostReview posts a tentative routing outcome to Slack for human review.
// Returns the message timestamp (ts) which keys the reaction verdict back to
// the routed agent.
func (p *Poster) PostReview(ctx context.Context, req ReviewRequest) (string, error) {
	text := formatReviewMessage(req)

	body, err := json.Marshal(map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": "React: :+1: right agent | :-1: wrong agent | :shrug: skip",
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}

	p.logger.Info("posted routing review to slack", "ts", slackResp.TS, "transcript_id", req.TranscriptID)
	return slackResp.TS, nil
}

// PostThread posts a threaded reply to a review message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	body, err := json.Marshal(map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func formatReviewMessage(req ReviewRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "*Transcript:* %s (user %s)\n", req.TranscriptID, req.UserID)
	fmt.Fprintf(&sb, "> %s\n\n", excerpt(req.Excerpt, 200))

	targets := make([]string, len(req.Decision.Targets))
	for i, t := range req.Decision.Targets {
		targets[i] = string(t)
	}
	mode := string(req.Decision.Mode)
	if req.Decision.Tentative {
		mode += " (tentative)"
	}
	fmt.Fprintf(&sb, "*Routed:* %s via %s", strings.Join(targets, ", "), mode)
	if req.Persona != "" {
		fmt.Fprintf(&sb, " | persona %s", req.Persona)
	}
	sb.WriteString("\n")

	if len(req.Candidates) > 0 {
		sb.WriteString("*Candidates:*\n")
		for i, c := range req.Candidates {
			fmt.Fprintf(&sb, "%d. %s (%.2f) %s\n", i+1, c.AgentID, c.Confidence, c.Reasoning)
		}
	}

	return sb.String()
}

func excerpt(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
