// Package router decides how a classified transcript is dispatched: to a
// single agent, fanned out to several, or routed tentatively when nothing
// clears the confidence bar. It is a pure decision over a classification and
// a committed user-model snapshot; dispatch itself lives in the pipeline.
package router

import (
	"log/slog"

	"github.com/ford-at-home/whispersync/internal/agents"
	"github.com/ford-at-home/whispersync/internal/classifier"
	"github.com/ford-at-home/whispersync/internal/usermodel"
)

// Mode is the dispatch shape chosen for one transcript.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
	// ModeTentative is a single dispatch made despite low confidence. The
	// result is flagged lower-trust instead of the input being dropped.
	ModeTentative Mode = "tentative"
)

// Decision is the routing outcome. Targets is never empty.
type Decision struct {
	Mode      Mode
	Targets   []agents.ID
	Tentative bool
}

// Config holds the routing thresholds.
type Config struct {
	SingleMin  float64 // top candidate needs at least this to dispatch alone
	SingleLead float64 // and this much daylight over the runner-up
	FanOutMin  float64 // fan-out includes every candidate at or above this
	FanOutCap  int     // cost bound on fan-out width
}

func DefaultConfig() Config {
	return Config{
		SingleMin:  0.70,
		SingleLead: 0.15,
		FanOutMin:  0.50,
		FanOutCap:  5,
	}
}

type Router struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Router {
	if cfg.FanOutCap < 1 {
		cfg.FanOutCap = 1
	}
	return &Router{cfg: cfg, logger: logger}
}

// Decide picks the dispatch mode. The model is a committed snapshot taken at
// a single version; the router never waits on an in-flight evolver write.
// Candidates are assumed ranked and confidence-clamped by the classifier, so
// a decision always names at least one agent.
func (r *Router) Decide(cls *classifier.Classification, model *usermodel.Model) Decision {
	top := cls.Top()

	if top.Confidence >= r.cfg.SingleMin && r.hasLead(cls.Candidates) {
		d := Decision{Mode: ModeSingle, Targets: []agents.ID{agents.ID(top.AgentID)}}
		r.log(cls, model, d)
		return d
	}

	var fanOut []agents.ID
	for _, c := range cls.Candidates {
		if c.Confidence >= r.cfg.FanOutMin {
			fanOut = append(fanOut, agents.ID(c.AgentID))
		}
		if len(fanOut) == r.cfg.FanOutCap {
			break
		}
	}
	if len(fanOut) >= 2 {
		d := Decision{Mode: ModeMulti, Targets: fanOut}
		r.log(cls, model, d)
		return d
	}

	// Low-confidence path: dispatch to the top candidate anyway, flagged so
	// downstream treats the result as lower-trust.
	d := Decision{Mode: ModeTentative, Targets: []agents.ID{agents.ID(top.AgentID)}, Tentative: true}
	r.log(cls, model, d)
	return d
}

func (r *Router) hasLead(cands []classifier.Candidate) bool {
	if len(cands) < 2 {
		return true
	}
	return cands[0].Confidence-cands[1].Confidence >= r.cfg.SingleLead
}

func (r *Router) log(cls *classifier.Classification, model *usermodel.Model, d Decision) {
	var version int64
	if model != nil {
		version = model.Version
	}
	r.logger.Info("route decided",
		"transcript_id", cls.TranscriptID,
		"mode", string(d.Mode),
		"targets", len(d.Targets),
		"top_confidence", cls.Top().Confidence,
		"model_version", version,
	)
}
