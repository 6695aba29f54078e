// Package agents defines the closed set of processing agents and the uniform
// execution contract the router dispatches through. Adding an agent means
// adding an ID and an Executor registration, not a new module convention.
package agents

import (
	"context"
	"errors"

	"github.com/ford-at-home/whispersync/internal/classifier"
	"github.com/ford-at-home/whispersync/internal/transcript"
	"github.com/ford-at-home/whispersync/internal/usermodel"
)

// ID identifies one agent. The set is closed; the classifier prompt, the
// registry and the router all operate over exactly these values.
type ID string

const (
	Work    ID = "work"
	Memory  ID = "memory"
	Idea    ID = "idea"
	Reflect ID = "reflect"
)

// All returns every known agent id in a stable order.
func All() []ID {
	return []ID{Work, Memory, Idea, Reflect}
}

// Valid reports whether id names a known agent.
func Valid(id ID) bool {
	switch id {
	case Work, Memory, Idea, Reflect:
		return true
	}
	return false
}

var (
	// ErrTimeout means an agent exceeded its execution deadline. Fatal only
	// when the agent was the sole dispatch target.
	ErrTimeout = errors.New("agent execution timed out")
	// ErrUnknown means dispatch was attempted to an id outside the closed set.
	ErrUnknown = errors.New("unknown agent")
)

// Request is everything an agent gets for one execution. HandoffNote is
// non-nil only when a prior agent redirected the transcript here; its
// partial analysis is appended to the input, never substituted for it.
type Request struct {
	Transcript     transcript.Transcript
	Classification *classifier.Classification
	ModelSnapshot  *usermodel.Model
	HandoffFrom    ID
	HandoffNote    map[string]string
}

// Result is an agent's completed analysis. Observations are proposals; the
// evolver decides their fate independently.
type Result struct {
	AgentID      ID                      `json:"agent_id"`
	Confidence   float64                 `json:"confidence"`
	Summary      string                  `json:"summary"`
	Payload      map[string]any          `json:"payload,omitempty"`
	Observations []usermodel.Observation `json:"observations,omitempty"`
}

// HandoffRequest signals mid-processing that the content belongs elsewhere.
type HandoffRequest struct {
	Target          ID                `json:"target"`
	Reason          string            `json:"reason"` // embedded_secondary_topic | low_confidence_primary | explicit_redirect
	PartialAnalysis map[string]string `json:"partial_analysis,omitempty"`
	PreserveVoice   bool              `json:"preserve_voice"`
}

// Response is the union outcome of one execution: exactly one of Result or
// Handoff is set.
type Response struct {
	Result  *Result
	Handoff *HandoffRequest
}

// Executor is the uniform execution contract.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Registry maps the closed agent set to executors.
type Registry struct {
	executors map[ID]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[ID]Executor)}
}

func (r *Registry) Register(id ID, e Executor) {
	if !Valid(id) {
		panic("agents: registering unknown agent id " + string(id))
	}
	r.executors[id] = e
}

func (r *Registry) Get(id ID) (Executor, error) {
	e, ok := r.executors[id]
	if !ok {
		return nil, ErrUnknown
	}
	return e, nil
}
