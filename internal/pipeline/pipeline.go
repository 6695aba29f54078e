// Package pipeline orchestrates one transcript's trip through the core:
// classify, route, dispatch, synthesize, select a persona, and hand proposed
// observations to the evolver. It owns the NATS handlers for transcript
// ingest and review reactions.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ford-at-home/whispersync/internal/agents"
	"github.com/ford-at-home/whispersync/internal/agreement"
	"github.com/ford-at-home/whispersync/internal/bus"
	"github.com/ford-at-home/whispersync/internal/classifier"
	"github.com/ford-at-home/whispersync/internal/evolver"
	"github.com/ford-at-home/whispersync/internal/handoff"
	"github.com/ford-at-home/whispersync/internal/persona"
	"github.com/ford-at-home/whispersync/internal/router"
	"github.com/ford-at-home/whispersync/internal/slack"
	"github.com/ford-at-home/whispersync/internal/synthesizer"
	"github.com/ford-at-home/whispersync/internal/transcript"
	"github.com/ford-at-home/whispersync/internal/usermodel"
)

const (
	defaultFanOutTimeout = 30 * time.Second
	defaultReviewTTL     = 24 * time.Hour
)

// Classifier is the classification dependency; satisfied by
// classifier.Classifier and by fakes in tests.
type Classifier interface {
	Classify(ctx context.Context, tr transcript.Transcript, prior *usermodel.Model) (*classifier.Classification, error)
}

// ReviewPoster posts tentative outcomes for human review. May be nil.
type ReviewPoster interface {
	PostReview(ctx context.Context, req slack.ReviewRequest) (string, error)
	PostThread(ctx context.Context, threadTS, text string) error
}

// AgreementStore persists per-agent review agreement.
type AgreementStore interface {
	GetAgreement(ctx context.Context, agentID string) (*agreement.Record, error)
	UpsertAgreement(ctx context.Context, rec agreement.Record) error
}

// PersonaLog persists persona selections for the continuity window. May be nil.
type PersonaLog interface {
	InsertPersonaSelection(ctx context.Context, userID, agentID string, sel persona.Selection) error
	RecentPersonaSelections(ctx context.Context, userID string, limit int) ([]persona.HistoryEntry, error)
}

// Publisher emits outcome events. May be nil.
type Publisher interface {
	Publish(subject string, data any) error
}

// RoutingOutcome is the complete result of processing one transcript.
type RoutingOutcome struct {
	TranscriptID   uuid.UUID                      `json:"transcript_id"`
	UserID         string                         `json:"user_id"`
	Classification *classifier.Classification     `json:"classification"`
	Mode           router.Mode                    `json:"mode"`
	Targets        []agents.ID                    `json:"targets"`
	Tentative      bool                           `json:"tentative"`
	Results        []*agents.Result               `json:"results"`
	Synthesized    *synthesizer.SynthesizedResult `json:"synthesized,omitempty"`
	Persona        persona.Selection              `json:"persona"`
	HandoffChain   []agents.ID                    `json:"handoff_chain,omitempty"`
	Observations   []usermodel.HistoryEntry       `json:"observations,omitempty"`
}

type pendingReview struct {
	TranscriptID uuid.UUID
	AgentID      agents.ID
	created      time.Time
}

type Pipeline struct {
	classifier    Classifier
	router        *router.Router
	registry      *agents.Registry
	coordinator   *handoff.Coordinator
	evolver       *evolver.Evolver
	personaLog    PersonaLog
	agreements    AgreementStore
	poster        ReviewPoster
	publisher     Publisher
	fanOutTimeout time.Duration
	reviewTTL     time.Duration
	logger        *slog.Logger

	mu             sync.Mutex
	pendingReviews map[string]pendingReview // keyed by Slack message TS
}

func New(cls Classifier, rt *router.Router, reg *agents.Registry, coord *handoff.Coordinator, ev *evolver.Evolver, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		classifier:     cls,
		router:         rt,
		registry:       reg,
		coordinator:    coord,
		evolver:        ev,
		fanOutTimeout:  defaultFanOutTimeout,
		reviewTTL:      defaultReviewTTL,
		logger:         logger,
		pendingReviews: make(map[string]pendingReview),
	}
}

// SetPersonaLog wires persona selection persistence.
func (p *Pipeline) SetPersonaLog(log PersonaLog) { p.personaLog = log }

// SetAgreements wires the review agreement store.
func (p *Pipeline) SetAgreements(a AgreementStore) { p.agreements = a }

// SetPoster wires the Slack review poster.
func (p *Pipeline) SetPoster(poster ReviewPoster) { p.poster = poster }

// SetPublisher wires the outcome event publisher.
func (p *Pipeline) SetPublisher(pub Publisher) { p.publisher = pub }

// SetFanOutTimeout overrides the multi-dispatch time bound.
func (p *Pipeline) SetFanOutTimeout(d time.Duration) { p.fanOutTimeout = d }

// SetReviewTTL overrides how long an unanswered review stays actionable.
func (p *Pipeline) SetReviewTTL(d time.Duration) { p.reviewTTL = d }

// Process runs one transcript end to end and returns the routing outcome.
// Classification failure is the only path that surfaces an error without a
// dispatch attempt; a failed inference call must never guess a route.
func (p *Pipeline) Process(ctx context.Context, tr transcript.Transcript) (*RoutingOutcome, error) {
	snapshot, err := p.evolver.Snapshot(ctx, tr.UserID)
	if err != nil {
		// Classification degrades gracefully without a prior model.
		p.logger.Warn("model snapshot unavailable", "user_id", tr.UserID, "error", err)
		snapshot = nil
	}

	cls, err := p.classifier.Classify(ctx, tr, snapshot)
	if err != nil {
		return nil, fmt.Errorf("classify transcript %s: %w", tr.ID, err)
	}

	decision := p.router.Decide(cls, snapshot)

	outcome := &RoutingOutcome{
		TranscriptID:   tr.ID,
		UserID:         tr.UserID,
		Classification: cls,
		Mode:           decision.Mode,
		Targets:        decision.Targets,
		Tentative:      decision.Tentative,
	}

	baseReq := agents.Request{Transcript: tr, Classification: cls, ModelSnapshot: snapshot}

	switch decision.Mode {
	case router.ModeMulti:
		results := p.fanOut(ctx, decision.Targets, baseReq)
		if len(results) == 0 {
			return nil, fmt.Errorf("all %d fan-out agents failed for transcript %s", len(decision.Targets), tr.ID)
		}
		synth, err := synthesizer.Synthesize(results)
		if err != nil {
			return nil, fmt.Errorf("synthesize transcript %s: %w", tr.ID, err)
		}
		outcome.Results = results
		outcome.Synthesized = synth
	default:
		result, chain, degraded, err := p.executeWithHandoff(ctx, decision.Targets[0], baseReq)
		if err != nil {
			// Sole dispatch target, so a timeout here is fatal for the
			// transcript, unlike in fan-out.
			return nil, fmt.Errorf("execute agent %s for transcript %s: %w", decision.Targets[0], tr.ID, err)
		}
		outcome.Results = []*agents.Result{result}
		outcome.HandoffChain = chain
		if degraded {
			outcome.Tentative = true
			outcome.Mode = router.ModeTentative
		}
	}

	outcome.Persona = p.selectPersona(ctx, tr.UserID, p.primaryAgent(outcome), cls, snapshot)

	outcome.Observations = p.applyObservations(ctx, tr, cls, outcome)
	p.publishOutcome(outcome)
	p.maybePostReview(ctx, tr, outcome)

	p.logger.Info("transcript routed",
		"transcript_id", tr.ID,
		"user_id", tr.UserID,
		"mode", string(outcome.Mode),
		"targets", len(outcome.Targets),
		"tentative", outcome.Tentative,
	)
	return outcome, nil
}

// executeWithHandoff dispatches to one agent and follows any handoff chain
// the coordinator admits. A rejected handoff degrades the outcome to
// tentative instead of failing the transcript.
func (p *Pipeline) executeWithHandoff(ctx context.Context, id agents.ID, req agents.Request) (*agents.Result, []agents.ID, bool, error) {
	var visited []agents.ID
	current := id

	// The coordinator's hop limit bounds the chain; the loop bound is a
	// second guard against a misconfigured limit.
	for range agents.All() {
		exec, err := p.registry.Get(current)
		if err != nil {
			return nil, nil, false, fmt.Errorf("agent %s: %w", current, err)
		}
		resp, err := exec.Execute(ctx, req)
		if err != nil {
			return nil, nil, false, err
		}
		if resp.Result != nil {
			if len(visited) > 0 {
				visited = append(visited, current)
			}
			return resp.Result, visited, false, nil
		}

		env, err := p.coordinator.NewEnvelope(current, req.Transcript.ID, *resp.Handoff, visited)
		if err != nil {
			p.logger.Warn("invalid handoff request",
				"transcript_id", req.Transcript.ID,
				"source", current,
				"error", err,
			)
			return degradedResult(current, resp.Handoff), append(visited, current), true, nil
		}
		if err := p.coordinator.Offer(env); err != nil {
			// Cycle or hop limit: complete with the partial analysis,
			// flagged lower-trust.
			return degradedResult(current, resp.Handoff), env.Visited, true, nil
		}

		visited = env.Visited
		req.HandoffFrom = current
		req.HandoffNote = env.PartialAnalysis
		current = env.TargetAgent
	}

	return nil, nil, false, fmt.Errorf("handoff chain did not terminate for transcript %s", req.Transcript.ID)
}

// degradedResult completes a transcript from the source agent's partial
// analysis when its handoff was rejected.
func degradedResult(source agents.ID, req *agents.HandoffRequest) *agents.Result {
	summary := req.PartialAnalysis["summary"]
	if summary == "" {
		summary = "Partial analysis only; redirection was not possible."
	}
	payload := make(map[string]any, len(req.PartialAnalysis))
	for k, v := range req.PartialAnalysis {
		payload[k] = v
	}
	return &agents.Result{
		AgentID:    source,
		Confidence: 0.25,
		Summary:    summary,
		Payload:    payload,
	}
}

// fanOut executes all targets in parallel under one deadline. Individual
// failures and timeouts are tolerated as long as at least one agent returns.
func (p *Pipeline) fanOut(ctx context.Context, targets []agents.ID, req agents.Request) []*agents.Result {
	ctx, cancel := context.WithTimeout(ctx, p.fanOutTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results []*agents.Result
		wg      sync.WaitGroup
	)
	for _, id := range targets {
		wg.Add(1)
		go func(id agents.ID) {
			defer wg.Done()
			exec, err := p.registry.Get(id)
			if err != nil {
				p.logger.Error("fan-out to unknown agent", "agent_id", id)
				return
			}
			resp, err := exec.Execute(ctx, req)
			if err != nil {
				p.logger.Warn("fan-out agent failed",
					"agent_id", id,
					"transcript_id", req.Transcript.ID,
					"timeout", errors.Is(err, agents.ErrTimeout),
					"error", err,
				)
				return
			}
			// Handoffs are a single-dispatch mechanism; in a fan-out every
			// plausible agent already has the transcript.
			if resp.Result == nil {
				p.logger.Warn("fan-out agent requested handoff, ignored", "agent_id", id)
				return
			}
			mu.Lock()
			results = append(results, resp.Result)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	// Keep the dispatch order stable for synthesis and tests.
	ordered := make([]*agents.Result, 0, len(results))
	for _, id := range targets {
		for _, r := range results {
			if r.AgentID == id {
				ordered = append(ordered, r)
			}
		}
	}
	return ordered
}

func (p *Pipeline) primaryAgent(outcome *RoutingOutcome) agents.ID {
	if outcome.Synthesized != nil && len(outcome.Synthesized.Sources) > 0 {
		return outcome.Synthesized.Sources[0]
	}
	if len(outcome.Results) > 0 {
		return outcome.Results[len(outcome.Results)-1].AgentID
	}
	return outcome.Targets[0]
}

func (p *Pipeline) selectPersona(ctx context.Context, userID string, primary agents.ID, cls *classifier.Classification, snapshot *usermodel.Model) persona.Selection {
	var recent []persona.HistoryEntry
	if p.personaLog != nil {
		var err error
		recent, err = p.personaLog.RecentPersonaSelections(ctx, userID, 1)
		if err != nil {
			p.logger.Warn("persona history unavailable", "user_id", userID, "error", err)
		}
	}

	var state usermodel.Layer
	if snapshot != nil {
		state = snapshot.CurrentState
	}

	sel := persona.Select(primary, cls.Emotion, recent, state, time.Now().UTC())

	if p.personaLog != nil {
		if err := p.personaLog.InsertPersonaSelection(ctx, userID, string(primary), sel); err != nil {
			p.logger.Warn("failed to log persona selection", "user_id", userID, "error", err)
		}
	}
	return sel
}

// applyObservations forwards agent observations plus a current-state refresh
// from the emotional signal and returns the per-observation outcomes for the
// audit record. Evolution failures cost learning, never the request.
func (p *Pipeline) applyObservations(ctx context.Context, tr transcript.Transcript, cls *classifier.Classification, outcome *RoutingOutcome) []usermodel.HistoryEntry {
	var observations []usermodel.Observation
	for _, r := range outcome.Results {
		observations = append(observations, r.Observations...)
	}

	if cls.Emotion.Primary != "" && cls.Emotion.Primary != "neutral" {
		observations = append(observations, usermodel.Observation{
			ID:         uuid.New(),
			UserID:     tr.UserID,
			AgentID:    "classifier",
			Layer:      usermodel.LayerCurrentState,
			Attribute:  "mood",
			Value:      cls.Emotion.Primary,
			Confidence: cls.Emotion.Intensity,
			ObservedAt: tr.ReceivedAt,
		})
	}
	if len(observations) == 0 {
		return nil
	}

	// A canceled request must not abandon observations mid-batch.
	return p.evolver.ApplyAll(context.WithoutCancel(ctx), observations)
}

func (p *Pipeline) publishOutcome(outcome *RoutingOutcome) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(bus.SubjectOutcomeRouted, outcome); err != nil {
		p.logger.Warn("failed to publish routing outcome", "transcript_id", outcome.TranscriptID, "error", err)
	}
}

// maybePostReview posts tentative outcomes to Slack and tracks the message
// timestamp so a later reaction can be keyed back to the routed agent.
// Reviews nobody ever reacts to are expired on the way in, so the pending
// map is bounded by the review rate inside one TTL window.
func (p *Pipeline) maybePostReview(ctx context.Context, tr transcript.Transcript, outcome *RoutingOutcome) {
	if p.poster == nil || !outcome.Tentative {
		return
	}

	ts, err := p.poster.PostReview(ctx, slack.ReviewRequest{
		TranscriptID: tr.ID,
		UserID:       tr.UserID,
		Excerpt:      tr.Text,
		Decision:     router.Decision{Mode: outcome.Mode, Targets: outcome.Targets, Tentative: outcome.Tentative},
		Candidates:   outcome.Classification.Candidates,
		Persona:      outcome.Persona.Persona,
	})
	if err != nil {
		p.logger.Error("slack review post failed", "transcript_id", tr.ID, "error", err)
		return
	}

	now := time.Now()
	p.mu.Lock()
	for k, pr := range p.pendingReviews {
		if now.Sub(pr.created) > p.reviewTTL {
			delete(p.pendingReviews, k)
		}
	}
	p.pendingReviews[ts] = pendingReview{TranscriptID: tr.ID, AgentID: p.primaryAgent(outcome), created: now}
	p.mu.Unlock()
}

// HandleTranscriptStored is the NATS handler for transcript ingest.
func (p *Pipeline) HandleTranscriptStored(subject string, data []byte) {
	var evt transcript.StoredEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		p.logger.Error("failed to parse transcript event", "error", err)
		return
	}
	tr, err := evt.ToTranscript()
	if err != nil {
		p.logger.Error("invalid transcript event", "error", err)
		return
	}
	if tr.UserID == "" || tr.Text == "" {
		p.logger.Warn("ignoring transcript event without user or text", "transcript_id", evt.TranscriptID)
		return
	}

	if _, err := p.Process(context.Background(), tr); err != nil {
		p.logger.Error("transcript processing failed", "transcript_id", tr.ID, "error", err)
	}
}

// HandleReviewReaction is the NATS handler for Slack reaction verdicts on
// tentative routes. Confirmed and rejected verdicts move the routed agent's
// agreement score; skips just clear the pending review.
func (p *Pipeline) HandleReviewReaction(subject string, data []byte) {
	ctx := context.Background()

	evt, err := slack.ParseReactionEvent(data)
	if err != nil {
		p.logger.Error("failed to parse reaction", "error", err)
		return
	}
	verdict := slack.ParseReaction(evt.Reaction)
	if verdict == slack.VerdictUnknown {
		return
	}

	p.mu.Lock()
	review, ok := p.pendingReviews[evt.MessageTS]
	if ok {
		delete(p.pendingReviews, evt.MessageTS)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.logger.Info("review verdict received",
		"transcript_id", review.TranscriptID,
		"agent_id", review.AgentID,
		"verdict", string(verdict),
	)

	if verdict == slack.VerdictSkipped {
		return
	}
	confirmed := verdict == slack.VerdictConfirmed

	if p.agreements != nil {
		rec, err := p.agreements.GetAgreement(ctx, string(review.AgentID))
		if err != nil {
			p.logger.Error("failed to load agreement", "agent_id", review.AgentID, "error", err)
			return
		}
		if rec == nil {
			rec = &agreement.Record{AgentID: string(review.AgentID)}
		}
		rec.Score = agreement.UpdateScore(rec.Score, confirmed)
		rec.TotalReviews++
		if confirmed {
			rec.ConfirmedRuns++
		} else {
			rec.ConfirmedRuns = 0
		}
		if err := p.agreements.UpsertAgreement(ctx, *rec); err != nil {
			p.logger.Error("failed to persist agreement", "agent_id", review.AgentID, "error", err)
		}
	}

	if !confirmed && p.poster != nil {
		if err := p.poster.PostThread(ctx, evt.MessageTS, "Which agent should have handled this one?"); err != nil {
			p.logger.Error("failed to post correction thread", "error", err)
		}
	}
}
