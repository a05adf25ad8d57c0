package router

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Complexity is the router's estimate of how much work a query needs.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityExpert   Complexity = "expert"
)

// Tier names the dispatch variant.
type Tier string

const (
	TierWorker       Tier = "worker"
	TierDirectAnswer Tier = "direct_answer"
	TierWorkflow     Tier = "workflow"
)

// Dispatch is the closed set of routing outcomes: WorkerDispatch,
// DirectAnswerDispatch or WorkflowDispatch.
type Dispatch interface {
	Tier() Tier
	dispatch()
}

// WorkerDispatch sends the query to a fast-path worker.
type WorkerDispatch struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// DirectAnswerDispatch answers without data or action.
type DirectAnswerDispatch struct {
	Text string `json:"text"`
}

// WorkflowDispatch starts a workflow run with the given step order.
type WorkflowDispatch struct {
	Name         string         `json:"name"`
	OrderedSteps []string       `json:"ordered_steps,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

func (WorkerDispatch) Tier() Tier       { return TierWorker }
func (DirectAnswerDispatch) Tier() Tier { return TierDirectAnswer }
func (WorkflowDispatch) Tier() Tier     { return TierWorkflow }

func (WorkerDispatch) dispatch()       {}
func (DirectAnswerDispatch) dispatch() {}
func (WorkflowDispatch) dispatch()     {}

// RoutingDecision is the router's output. Exactly one dispatch variant is
// set; the JSON form carries it as one of worker, direct_answer or workflow.
type RoutingDecision struct {
	Complexity      Complexity
	Intent          string
	Dispatch        Dispatch
	Personalization map[string]any
	Confidence      float64
}

type wireDecision struct {
	Complexity      Complexity            `json:"complexity"`
	Intent          string                `json:"intent"`
	Worker          *WorkerDispatch       `json:"worker,omitempty"`
	DirectAnswer    *DirectAnswerDispatch `json:"direct_answer,omitempty"`
	Workflow        *WorkflowDispatch     `json:"workflow,omitempty"`
	Personalization map[string]any        `json:"personalization,omitempty"`
	Confidence      float64               `json:"confidence"`
}

var errDispatchShape = errors.New("routing decision must carry exactly one dispatch")

// Validate checks the single-variant invariant and required names.
func (d RoutingDecision) Validate() error {
	switch v := d.Dispatch.(type) {
	case WorkerDispatch:
		if v.Name == "" {
			return fmt.Errorf("worker dispatch: name required")
		}
	case DirectAnswerDispatch:
		if v.Text == "" {
			return fmt.Errorf("direct answer: text required")
		}
	case WorkflowDispatch:
		if v.Name == "" {
			return fmt.Errorf("workflow dispatch: name required")
		}
	default:
		return errDispatchShape
	}
	return nil
}

// MarshalJSON emits the wire form.
func (d RoutingDecision) MarshalJSON() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	w := wireDecision{
		Complexity:      d.Complexity,
		Intent:          d.Intent,
		Personalization: d.Personalization,
		Confidence:      d.Confidence,
	}
	switch v := d.Dispatch.(type) {
	case WorkerDispatch:
		w.Worker = &v
	case DirectAnswerDispatch:
		w.DirectAnswer = &v
	case WorkflowDispatch:
		w.Workflow = &v
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire form, rejecting zero or multiple variants.
func (d *RoutingDecision) UnmarshalJSON(data []byte) error {
	var w wireDecision
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	set := 0
	var dispatch Dispatch
	if w.Worker != nil {
		set++
		dispatch = *w.Worker
	}
	if w.DirectAnswer != nil {
		set++
		dispatch = *w.DirectAnswer
	}
	if w.Workflow != nil {
		set++
		dispatch = *w.Workflow
	}
	if set != 1 {
		return errDispatchShape
	}
	*d = RoutingDecision{
		Complexity:      w.Complexity,
		Intent:          w.Intent,
		Dispatch:        dispatch,
		Personalization: w.Personalization,
		Confidence:      w.Confidence,
	}
	return d.Validate()
}
