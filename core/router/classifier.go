package router

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Intent is a classifier's reading of a query.
type Intent struct {
	Tier       Tier           `json:"tier"`
	Intent     string         `json:"intent"`
	Workflow   string         `json:"workflow,omitempty"`
	Steps      []string       `json:"steps,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Answer     string         `json:"answer,omitempty"`
	Complexity Complexity     `json:"complexity,omitempty"`
	Confidence float64        `json:"confidence"`
}

// Classifier maps a query to an intent.
type Classifier interface {
	Classify(ctx context.Context, query string, history []Turn) (*Intent, error)
}

// Chain tries classifiers in order and returns the first result at or above
// Floor. Otherwise the most confident result wins. Floor should match the
// router's so a result the router would refuse never stops the chain.
type Chain struct {
	Floor       float64
	Classifiers []Classifier
}

// NewChain builds a chain stopping at floor.
func NewChain(floor float64, classifiers ...Classifier) *Chain {
	return &Chain{Floor: floor, Classifiers: classifiers}
}

// Classify implements Classifier.
func (c *Chain) Classify(ctx context.Context, query string, history []Turn) (*Intent, error) {
	floor := c.Floor
	if floor <= 0 || floor > 1 {
		floor = DefaultConfidenceFloor
	}
	var best *Intent
	var errs []error
	for _, cl := range c.Classifiers {
		if cl == nil {
			continue
		}
		intent, err := cl.Classify(ctx, query, history)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if intent == nil {
			continue
		}
		if best == nil || intent.Confidence > best.Confidence {
			best = intent
		}
		if intent.Confidence >= floor {
			return intent, nil
		}
	}
	if best != nil {
		return best, nil
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Intent{Intent: "unknown"}, nil
}

var (
	tradeSymbolFirst = regexp.MustCompile(`(?i)\b(?P<action>buy|sell)\s+(?:(?:stock|shares?)\s+(?:of\s+)?)?(?P<symbol>[A-Za-z][A-Za-z0-9.\-]*)\s*,?\s*(?P<quantity>\d+(?:\.\d+)?)\s*(?:units?|shares?)?`)
	tradeQtyFirst    = regexp.MustCompile(`(?i)\b(?P<action>buy|sell)\s+(?P<quantity>\d+(?:\.\d+)?)\s*(?:units?|shares?)?\s+(?:of\s+)?(?P<symbol>[A-Za-z][A-Za-z0-9.\-]*)`)
	tradeBare        = regexp.MustCompile(`(?i)\b(?:buy|sell)\b`)
	tradePrice       = regexp.MustCompile(`(?i)\bat\s+\$?(?P<price>\d+(?:\.\d+)?)`)
	rebalancePattern = regexp.MustCompile(`(?i)\brebalanc\w*`)
	analysisPattern  = regexp.MustCompile(`(?i)\b(?:analy[sz]e|analysis\s+of|research|outlook\s+(?:for|on))\s+(?:stock\s+)?(?P<symbol>[A-Za-z][A-Za-z0-9.\-]*)`)
	analysisBare     = regexp.MustCompile(`(?i)\b(?:analy[sz]e|analysis|research|outlook)\b`)
	explainPattern   = regexp.MustCompile(`(?i)^\s*(?:what\s+is|what's|what\s+are|explain|define|how\s+does|why\s+do(?:es)?)\b`)
)

var stopSymbols = map[string]bool{"stock": true, "shares": true, "share": true, "the": true, "my": true, "some": true, "a": true}

// RuleClassifier recognizes the supported intents with regular expressions.
// It needs no network access and is the fallback for the LLM classifier.
type RuleClassifier struct{}

// Classify implements Classifier.
func (RuleClassifier) Classify(_ context.Context, query string, _ []Turn) (*Intent, error) {
	q := strings.TrimSpace(query)
	if m := namedMatch(tradeSymbolFirst, q); m != nil && !stopSymbols[strings.ToLower(m["symbol"])] {
		return tradeIntent(q, m), nil
	}
	if m := namedMatch(tradeQtyFirst, q); m != nil && !stopSymbols[strings.ToLower(m["symbol"])] {
		return tradeIntent(q, m), nil
	}
	if tradeBare.MatchString(q) {
		return &Intent{Tier: TierWorkflow, Intent: "trade", Workflow: "trading", Complexity: ComplexityExpert, Confidence: 0.4}, nil
	}
	if rebalancePattern.MatchString(q) {
		return &Intent{Tier: TierWorkflow, Intent: "rebalance", Workflow: "rebalance", Complexity: ComplexityExpert, Confidence: 0.9}, nil
	}
	if m := namedMatch(analysisPattern, q); m != nil && !stopSymbols[strings.ToLower(m["symbol"])] {
		return &Intent{
			Tier:       TierWorkflow,
			Intent:     "analysis",
			Workflow:   "analysis",
			Params:     map[string]any{"symbol": strings.ToUpper(m["symbol"])},
			Complexity: ComplexityModerate,
			Confidence: 0.85,
		}, nil
	}
	if analysisBare.MatchString(q) {
		return &Intent{Tier: TierWorkflow, Intent: "analysis", Workflow: "analysis", Complexity: ComplexityModerate, Confidence: 0.45}, nil
	}
	if explainPattern.MatchString(q) {
		return &Intent{Tier: TierDirectAnswer, Intent: "explain", Complexity: ComplexitySimple, Confidence: 0.8}, nil
	}
	return &Intent{Intent: "unknown", Confidence: 0}, nil
}

func tradeIntent(q string, m map[string]string) *Intent {
	params := map[string]any{
		"action": strings.ToLower(m["action"]),
		"symbol": strings.ToUpper(m["symbol"]),
	}
	if qty, err := strconv.ParseFloat(m["quantity"], 64); err == nil {
		params["quantity"] = qty
	}
	if pm := namedMatch(tradePrice, q); pm != nil {
		if price, err := strconv.ParseFloat(pm["price"], 64); err == nil {
			params["price"] = price
		}
	}
	return &Intent{
		Tier:       TierWorkflow,
		Intent:     "trade",
		Workflow:   "trading",
		Params:     params,
		Complexity: ComplexityExpert,
		Confidence: 0.95,
	}
}

func namedMatch(re *regexp.Regexp, s string) map[string]string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	out := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name != "" {
			out[name] = m[i]
		}
	}
	return out
}
