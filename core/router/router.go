package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cordum/tradeflow/core/infra/logging"
	"github.com/cordum/tradeflow/core/infra/metrics"
	"github.com/cordum/tradeflow/core/registry"
)

// ClarifyWorkflow is the workflow that asks the user to restate a query.
const ClarifyWorkflow = "clarify"

// DefaultConfidenceFloor is used when the router is built with a zero floor.
const DefaultConfidenceFloor = 0.6

// ErrRoutingAmbiguous marks a query the router would not route confidently.
// It never reaches callers; the router answers with the clarify workflow.
var ErrRoutingAmbiguous = errors.New("routing ambiguous")

// UserContext is caller information the router passes through.
type UserContext struct {
	UserID          string
	Personalization map[string]any
}

// Turn is one message of recent conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Router picks the cheapest tier that can serve a query: a fast-path worker,
// a direct answer, or a workflow. It never touches run state.
type Router struct {
	reg        *registry.Registry
	classifier Classifier
	floor      float64
	metrics    metrics.RouterMetrics
}

// New builds a router over the capability registry.
func New(reg *registry.Registry, classifier Classifier, floor float64) *Router {
	if floor <= 0 || floor > 1 {
		floor = DefaultConfidenceFloor
	}
	return &Router{reg: reg, classifier: classifier, floor: floor, metrics: metrics.Noop{}}
}

// WithMetrics sets the metrics sink.
func (r *Router) WithMetrics(m metrics.RouterMetrics) *Router {
	if m != nil {
		r.metrics = m
	}
	return r
}

// Route classifies query. Ambiguity is answered with the clarify workflow
// rather than an error.
func (r *Router) Route(ctx context.Context, query string, user UserContext, history []Turn) (RoutingDecision, error) {
	decision, err := r.route(ctx, strings.TrimSpace(query), history)
	if errors.Is(err, ErrRoutingAmbiguous) {
		logging.Info("router", "clarification needed", "query", query, "reason", err)
		decision = clarify(err)
		err = nil
	}
	if err != nil {
		return RoutingDecision{}, err
	}
	decision.Personalization = user.Personalization
	if err := decision.Validate(); err != nil {
		return RoutingDecision{}, err
	}
	r.metrics.IncRoute(string(decision.Dispatch.Tier()), decision.Intent)
	return decision, nil
}

func (r *Router) route(ctx context.Context, query string, history []Turn) (RoutingDecision, error) {
	if query == "" {
		return RoutingDecision{}, fmt.Errorf("%w: empty query", ErrRoutingAmbiguous)
	}
	if m, ok := r.reg.MatchWorker(query); ok {
		return RoutingDecision{
			Complexity: ComplexitySimple,
			Intent:     m.Worker.Name,
			Dispatch:   WorkerDispatch{Name: m.Worker.Name, Params: m.Params},
			Confidence: 1,
		}, nil
	}
	if r.classifier == nil {
		return RoutingDecision{}, fmt.Errorf("%w: no classifier configured", ErrRoutingAmbiguous)
	}
	intent, err := r.classifier.Classify(ctx, query, history)
	if err != nil {
		if ctx.Err() != nil {
			return RoutingDecision{}, ctx.Err()
		}
		logging.Warn("router", "classifier failed", "error", err)
		return RoutingDecision{}, fmt.Errorf("%w: classifier failed", ErrRoutingAmbiguous)
	}
	if intent == nil || intent.Confidence < r.floor {
		conf := 0.0
		if intent != nil {
			conf = intent.Confidence
		}
		return RoutingDecision{}, fmt.Errorf("%w: confidence %.2f below %.2f", ErrRoutingAmbiguous, conf, r.floor)
	}
	complexity := intent.Complexity
	if complexity == "" {
		complexity = ComplexityModerate
	}
	switch intent.Tier {
	case TierDirectAnswer:
		text := strings.TrimSpace(intent.Answer)
		if text == "" {
			text, _ = r.reg.Answer(ctx, query)
		}
		if text == "" {
			return RoutingDecision{}, fmt.Errorf("%w: no answer available", ErrRoutingAmbiguous)
		}
		return RoutingDecision{
			Complexity: ComplexitySimple,
			Intent:     intent.Intent,
			Dispatch:   DirectAnswerDispatch{Text: text},
			Confidence: intent.Confidence,
		}, nil
	case TierWorkflow:
		def, ok := r.reg.Workflow(intent.Workflow)
		if !ok || intent.Workflow == ClarifyWorkflow {
			return RoutingDecision{}, fmt.Errorf("%w: unknown workflow %q", ErrRoutingAmbiguous, intent.Workflow)
		}
		steps, err := def.Resolve(intent.Steps)
		if err != nil {
			logging.Warn("router", "classifier steps rejected, using declared order", "workflow", def.Name, "error", err)
			steps = def.StepNames()
		}
		return RoutingDecision{
			Complexity: complexity,
			Intent:     intent.Intent,
			Dispatch:   WorkflowDispatch{Name: def.Name, OrderedSteps: steps, Params: intent.Params},
			Confidence: intent.Confidence,
		}, nil
	default:
		return RoutingDecision{}, fmt.Errorf("%w: unsupported tier %q", ErrRoutingAmbiguous, intent.Tier)
	}
}

func clarify(reason error) RoutingDecision {
	return RoutingDecision{
		Complexity: ComplexitySimple,
		Intent:     ClarifyWorkflow,
		Dispatch: WorkflowDispatch{
			Name: ClarifyWorkflow,
			Params: map[string]any{
				"prompt": "I could not tell what you want to do. Could you say which instrument, the action and the size?",
				"reason": reason.Error(),
			},
		},
	}
}
